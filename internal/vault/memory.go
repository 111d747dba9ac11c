package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"keywarden.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used by tests
// and by dev mode when no database DSN is configured.
type InMemory struct {
	mu        sync.RWMutex
	resources map[string]*Resource
	guardians map[string][]*Guardian // resourceID -> bindings
	fields    map[string]*Field      // field ID -> field
	totp      map[string]*TOTPCredential
	approvals map[string]*ApprovalRequest
	decisions map[string][]*ApprovalDecision // requestID -> votes
	tokens    map[string]*Token
	sessions  map[string]*DeviceSession // session ID -> session
	audit     []*AuditEvent
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		resources: make(map[string]*Resource),
		guardians: make(map[string][]*Guardian),
		fields:    make(map[string]*Field),
		totp:      make(map[string]*TOTPCredential),
		approvals: make(map[string]*ApprovalRequest),
		decisions: make(map[string][]*ApprovalDecision),
		tokens:    make(map[string]*Token),
		sessions:  make(map[string]*DeviceSession),
	}
}

func (s *InMemory) Resources() ResourceStore           { return (*memResources)(s) }
func (s *InMemory) Guardians() GuardianStore           { return (*memGuardians)(s) }
func (s *InMemory) Fields() FieldStore                 { return (*memFields)(s) }
func (s *InMemory) TOTP() TOTPStore                    { return (*memTOTP)(s) }
func (s *InMemory) Approvals() ApprovalStore           { return (*memApprovals)(s) }
func (s *InMemory) Tokens() TokenStore                 { return (*memTokens)(s) }
func (s *InMemory) DeviceSessions() DeviceSessionStore { return (*memSessions)(s) }
func (s *InMemory) Audit() AuditStore                  { return (*memAudit)(s) }

var _ Store = (*InMemory)(nil)

// Resources -----------------------------------------------------------------

type memResources InMemory

func (s *memResources) Create(ctx context.Context, res *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.ID == "" {
		res.ID = ids.New()
	}
	for _, existing := range s.resources {
		if existing.Name == res.Name {
			return ErrAlreadyExists
		}
	}
	cp := *res
	s.resources[res.ID] = &cp
	return nil
}

func (s *memResources) Find(ctx context.Context, id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (s *memResources) FindByAPIKeyID(ctx context.Context, keyID string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if keyID == "" {
		return nil, ErrNotFound
	}
	for _, res := range s.resources {
		if res.APIKeyID == keyID {
			cp := *res
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memResources) List(ctx context.Context) ([]*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Resource, 0, len(s.resources))
	for _, res := range s.resources {
		cp := *res
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memResources) UpdateAPIKey(ctx context.Context, id, keyID, keyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return ErrNotFound
	}
	res.APIKeyID = keyID
	res.APIKeyHash = keyHash
	res.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memResources) LinkTOTP(ctx context.Context, id, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return ErrNotFound
	}
	res.TOTPCredentialID = credentialID
	res.UpdatedAt = time.Now().UTC()
	return nil
}

// Guardians -----------------------------------------------------------------

type memGuardians InMemory

func (s *memGuardians) Add(ctx context.Context, g *Guardian) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[g.ResourceID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.guardians[g.ResourceID] {
		if existing.Identity == g.Identity {
			return ErrAlreadyExists
		}
	}
	cp := *g
	s.guardians[g.ResourceID] = append(s.guardians[g.ResourceID], &cp)
	return nil
}

func (s *memGuardians) Remove(ctx context.Context, resourceID, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.guardians[resourceID]
	for i, g := range list {
		if g.Identity == identity {
			s.guardians[resourceID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memGuardians) ListByResource(ctx context.Context, resourceID string) ([]*Guardian, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.guardians[resourceID]
	out := make([]*Guardian, 0, len(list))
	for _, g := range list {
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memGuardians) Find(ctx context.Context, resourceID, identity string) (*Guardian, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.guardians[resourceID] {
		if g.Identity == identity {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Fields --------------------------------------------------------------------

type memFields InMemory

func (s *memFields) Create(ctx context.Context, f *Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[f.ResourceID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.fields {
		if existing.ResourceID == f.ResourceID && existing.Name == f.Name {
			return ErrAlreadyExists
		}
	}
	if f.ID == "" {
		f.ID = ids.New()
	}
	cp := *f
	s.fields[f.ID] = &cp
	return nil
}

func (s *memFields) Find(ctx context.Context, resourceID, name string) (*Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.fields {
		if f.ResourceID == resourceID && f.Name == name {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memFields) ListByResource(ctx context.Context, resourceID string) ([]*Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Field
	for _, f := range s.fields {
		if f.ResourceID == resourceID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memFields) ListAll(ctx context.Context) ([]*Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Field, 0, len(s.fields))
	for _, f := range s.fields {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memFields) UpdateValue(ctx context.Context, id, ciphertext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fields[id]
	if !ok {
		return ErrNotFound
	}
	f.Ciphertext = ciphertext
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memFields) Delete(ctx context.Context, resourceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.fields {
		if f.ResourceID == resourceID && f.Name == name {
			delete(s.fields, id)
			return nil
		}
	}
	return ErrNotFound
}

// TOTP ----------------------------------------------------------------------

type memTOTP InMemory

func (s *memTOTP) Create(ctx context.Context, c *TOTPCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = ids.New()
	}
	cp := *c
	s.totp[c.ID] = &cp
	return nil
}

func (s *memTOTP) Find(ctx context.Context, id string) (*TOTPCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.totp[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memTOTP) ListAll(ctx context.Context) ([]*TOTPCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TOTPCredential, 0, len(s.totp))
	for _, c := range s.totp {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memTOTP) UpdateSecrets(ctx context.Context, id, secretCiphertext, backupCiphertext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.totp[id]
	if !ok {
		return ErrNotFound
	}
	c.SecretCiphertext = secretCiphertext
	c.BackupCiphertext = backupCiphertext
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Approvals -----------------------------------------------------------------

type memApprovals InMemory

func (s *memApprovals) Create(ctx context.Context, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == "" {
		req.ID = ids.New()
	}
	cp := *req
	s.approvals[req.ID] = &cp
	return nil
}

func (s *memApprovals) Find(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *memApprovals) FindActive(ctx context.Context, resourceID, requester string, now time.Time) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *ApprovalRequest
	for _, req := range s.approvals {
		if req.ResourceID != resourceID || req.Context.Requester != requester {
			continue
		}
		if req.EffectiveStatus(now) != StatusPending {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memApprovals) FindGranted(ctx context.Context, resourceID, requester string, now time.Time) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *ApprovalRequest
	for _, req := range s.approvals {
		if req.ResourceID != resourceID || req.Context.Requester != requester {
			continue
		}
		if req.Status != StatusApproved {
			continue
		}
		// The request expiry doubles as the grant window.
		if req.ExpiresAt != nil && now.After(*req.ExpiresAt) {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memApprovals) ListPending(ctx context.Context, resourceID string) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ApprovalRequest
	for _, req := range s.approvals {
		if req.ResourceID == resourceID && req.Status == StatusPending {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memApprovals) Resolve(ctx context.Context, id string, status RequestStatus, resolver string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return ErrNotFound
	}
	// Conditional transition: only a still-pending request may resolve.
	if req.Status != StatusPending {
		return ErrAlreadyResolved
	}
	req.Status = status
	req.ResolvedBy = resolver
	resolved := at
	req.ResolvedAt = &resolved
	return nil
}

func (s *memApprovals) AddDecision(ctx context.Context, d *ApprovalDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.decisions[d.RequestID]
	for _, existing := range list {
		if existing.Resolver == d.Resolver {
			existing.Decision = d.Decision
			existing.CreatedAt = d.CreatedAt
			return nil
		}
	}
	cp := *d
	s.decisions[d.RequestID] = append(list, &cp)
	return nil
}

func (s *memApprovals) Decisions(ctx context.Context, requestID string) ([]*ApprovalDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.decisions[requestID]
	out := make([]*ApprovalDecision, 0, len(list))
	for _, d := range list {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// Tokens --------------------------------------------------------------------

type memTokens InMemory

func (s *memTokens) Create(ctx context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *memTokens) Find(ctx context.Context, id string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTokens) MarkRevoked(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.Revoked = true
	return nil
}

// Device sessions -----------------------------------------------------------

type memSessions InMemory

func (s *memSessions) Create(ctx context.Context, sess *DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessions) FindByDeviceCode(ctx context.Context, deviceCode string) (*DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.DeviceCode == deviceCode {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memSessions) FindByUserCode(ctx context.Context, userCode string) (*DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.UserCode == userCode {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memSessions) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastPollAt = at
	return nil
}

// Transition checks the current status under the store lock, so concurrent
// resolutions cannot both observe pending and both commit.
func (s *memSessions) Transition(ctx context.Context, id string, from, to DeviceStatus, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != from {
		return ErrAlreadyResolved
	}
	sess.Status = to
	if identity != "" {
		sess.Identity = identity
	}
	return nil
}

// Audit ---------------------------------------------------------------------

type memAudit InMemory

func (s *memAudit) Append(ctx context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = ids.New()
	}
	cp := *event
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *memAudit) List(ctx context.Context, limit int) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]*AuditEvent, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.audit[i]
		out = append(out, &cp)
	}
	return out, nil
}
