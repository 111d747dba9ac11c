package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"keywarden.org/internal/auth"
	"keywarden.org/internal/envelope"
	"keywarden.org/internal/ids"
	"keywarden.org/internal/ratelimit"
	"keywarden.org/internal/totp"
)

const defaultApprovalTTL = time.Hour

// AuditRecorder is implemented by the audit package. Declared here so the
// service does not depend on the concrete recorder.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent) error
}

// Notifier receives approval lifecycle events for out-of-band delivery.
type Notifier interface {
	ApprovalRequested(ctx context.Context, p *PendingApproval)
	ApprovalResolved(ctx context.Context, req *ApprovalRequest, res *Resource)
}

// Service orchestrates the access path: rate limiting, policy evaluation,
// decryption, approval creation and audit. One instance per process.
type Service struct {
	store       Store
	engine      *ApprovalEngine
	key         envelope.Key
	limiter     *ratelimit.Limiter
	recorder    AuditRecorder
	notifier    Notifier
	now         func() time.Time
	approvalTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithLimiter installs the shared per-key rate limiter.
func WithLimiter(l *ratelimit.Limiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

// WithRecorder installs the audit recorder.
func WithRecorder(r AuditRecorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

// WithNotifier installs the approval notification sink.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithApprovalTTL overrides the expiry attached to new approval requests.
func WithApprovalTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.approvalTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
			s.engine.WithClock(fn)
		}
	}
}

// NewService constructs a Service over the store with the process master key.
func NewService(store Store, key envelope.Key, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		engine:      NewApprovalEngine(store),
		key:         key,
		now:         time.Now,
		approvalTTL: defaultApprovalTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Approvals exposes the underlying approval engine.
func (s *Service) Approvals() *ApprovalEngine { return s.engine }

// Store exposes the underlying store (used by the rotation job and probes).
func (s *Service) Store() Store { return s.store }

// CreateResource registers a new protected secret group. The creator is
// recorded as the single OWNER guardian and a fresh API key is minted; the
// plaintext key is returned exactly once.
func (s *Service) CreateResource(ctx context.Context, name string, mode ApprovalMode, creator string) (*Resource, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if creator = strings.TrimSpace(creator); creator == "" {
		return nil, "", fmt.Errorf("%w: creator is required", ErrInvalidInput)
	}
	switch mode {
	case ModeOneOfN, ModeRequireAll:
	case "":
		mode = ModeOneOfN
	default:
		return nil, "", fmt.Errorf("%w: unknown approval mode %q", ErrInvalidInput, mode)
	}

	apiKey, keyID, keyHash, err := auth.MintAPIKey()
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	res := &Resource{
		ID:         ids.New(),
		Name:       name,
		Mode:       mode,
		APIKeyID:   keyID,
		APIKeyHash: keyHash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Resources().Create(ctx, res); err != nil {
		return nil, "", err
	}
	if err := s.store.Guardians().Add(ctx, &Guardian{
		ResourceID: res.ID,
		Identity:   creator,
		Role:       RoleOwner,
		CreatedAt:  now,
	}); err != nil {
		return nil, "", err
	}
	return res, apiKey, nil
}

// Resource returns resource metadata to its guardians.
func (s *Service) Resource(ctx context.Context, actor, resourceID string) (*Resource, []*Guardian, error) {
	res, err := s.store.Resources().Find(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	guardians, err := s.store.Guardians().ListByResource(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	if !IsGuardian(actor, guardians) {
		return nil, nil, ErrNotGuardian
	}
	return res, guardians, nil
}

// RotateAPIKey mints a replacement API key for the resource. Owner-only. The
// previous key is dead the moment the new hash is stored; identifiers are
// never reused.
func (s *Service) RotateAPIKey(ctx context.Context, actor, resourceID string) (string, error) {
	guardians, err := s.store.Guardians().ListByResource(ctx, resourceID)
	if err != nil {
		return "", err
	}
	if !IsOwner(actor, guardians) {
		return "", ErrNotGuardian
	}
	apiKey, keyID, keyHash, err := auth.MintAPIKey()
	if err != nil {
		return "", err
	}
	if err := s.store.Resources().UpdateAPIKey(ctx, resourceID, keyID, keyHash); err != nil {
		return "", err
	}
	s.audit(ctx, AuditEvent{
		Action:     ActionAPIKeyRotated,
		ResourceID: resourceID,
		Actor:      actor,
		Status:     "ok",
	})
	return apiKey, nil
}

// AuthenticateAPIKey resolves a presented machine key to its resource. Every
// failure collapses to ErrNotFound so callers cannot enumerate key ids.
func (s *Service) AuthenticateAPIKey(ctx context.Context, rawKey string) (*Resource, error) {
	keyID, secret, err := auth.SplitAPIKey(rawKey)
	if err != nil {
		return nil, ErrNotFound
	}
	res, err := s.store.Resources().FindByAPIKeyID(ctx, keyID)
	if err != nil {
		return nil, ErrNotFound
	}
	if err := auth.VerifyAPIKey(res.APIKeyHash, secret); err != nil {
		return nil, ErrNotFound
	}
	return res, nil
}

// AddGuardian binds an identity to the resource. Owner-only.
func (s *Service) AddGuardian(ctx context.Context, actor, resourceID, identity string, role Role) error {
	if identity = strings.TrimSpace(identity); identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	if role != RoleOwner && role != RoleGuardian {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	guardians, err := s.store.Guardians().ListByResource(ctx, resourceID)
	if err != nil {
		return err
	}
	if !IsOwner(actor, guardians) {
		return ErrNotGuardian
	}
	return s.store.Guardians().Add(ctx, &Guardian{
		ResourceID: resourceID,
		Identity:   identity,
		Role:       role,
		CreatedAt:  s.now().UTC(),
	})
}

// RemoveGuardian drops a binding. Owner-only; the last remaining owner cannot
// be removed or the resource would become unresolvable.
func (s *Service) RemoveGuardian(ctx context.Context, actor, resourceID, identity string) error {
	guardians, err := s.store.Guardians().ListByResource(ctx, resourceID)
	if err != nil {
		return err
	}
	if !IsOwner(actor, guardians) {
		return ErrNotGuardian
	}
	owners := 0
	var target *Guardian
	for _, g := range guardians {
		if g.Role == RoleOwner {
			owners++
		}
		if g.Identity == identity {
			target = g
		}
	}
	if target == nil {
		return ErrNotFound
	}
	if target.Role == RoleOwner && owners == 1 {
		return fmt.Errorf("%w: cannot remove the last owner", ErrInvalidInput)
	}
	return s.store.Guardians().Remove(ctx, resourceID, identity)
}

// PutField encrypts and stores one secret value. Guardian-only. Reports
// whether a new field was created (as opposed to updating an existing one).
func (s *Service) PutField(ctx context.Context, actor, resourceID, name, value string) (bool, error) {
	if name = strings.TrimSpace(name); name == "" {
		return false, fmt.Errorf("%w: field name is required", ErrInvalidInput)
	}
	if err := s.requireGuardian(ctx, actor, resourceID); err != nil {
		return false, err
	}
	ciphertext, err := envelope.Encrypt([]byte(value), s.key)
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	existing, err := s.store.Fields().Find(ctx, resourceID, name)
	switch {
	case err == nil:
		return false, s.store.Fields().UpdateValue(ctx, existing.ID, ciphertext)
	case errors.Is(err, ErrNotFound):
		return true, s.store.Fields().Create(ctx, &Field{
			ID:         ids.New(),
			ResourceID: resourceID,
			Name:       name,
			Ciphertext: ciphertext,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	default:
		return false, err
	}
}

// ListFields returns field metadata (never values). Guardian-only.
func (s *Service) ListFields(ctx context.Context, actor, resourceID string) ([]*Field, error) {
	if err := s.requireGuardian(ctx, actor, resourceID); err != nil {
		return nil, err
	}
	return s.store.Fields().ListByResource(ctx, resourceID)
}

// DeleteField removes a field. Guardian-only.
func (s *Service) DeleteField(ctx context.Context, actor, resourceID, name string) error {
	if err := s.requireGuardian(ctx, actor, resourceID); err != nil {
		return err
	}
	return s.store.Fields().Delete(ctx, resourceID, name)
}

// PullField is the gated read path. The caller first passes the rate limiter,
// then the access policy. Guardians get the decrypted value; everyone else
// gets a PendingApprovalError carrying the request id. An existing active
// request for the same caller is reused instead of creating a duplicate.
// Cryptographic failures are indistinguishable from a missing field.
func (s *Service) PullField(ctx context.Context, actor, resourceID, name, reason string) (string, error) {
	if !s.allow(actor, "pull", resourceID+"/"+name) {
		s.audit(ctx, AuditEvent{
			Action:     ActionAccessThrottled,
			ResourceID: resourceID,
			Actor:      actor,
			Status:     "throttled",
			Context:    map[string]string{"field": name},
		})
		return "", ErrThrottled
	}
	res, err := s.store.Resources().Find(ctx, resourceID)
	if err != nil {
		return "", err
	}
	guardians, err := s.store.Guardians().ListByResource(ctx, resourceID)
	if err != nil {
		return "", err
	}

	if Decide(actor, guardians) == DecisionAllow || s.granted(ctx, res.ID, actor) {
		return s.readField(ctx, actor, res, name)
	}
	return "", s.gate(ctx, actor, res, guardians, RequestContext{
		Requester: actor,
		Action:    "pull:" + name,
		Reason:    reason,
	})
}

// PullFieldWithKey is the machine read path after API-key authentication; the
// key itself is the entitlement, so no approval gate applies.
func (s *Service) PullFieldWithKey(ctx context.Context, res *Resource, name string) (string, error) {
	actor := "api-key:" + res.APIKeyID
	if !s.allow(actor, "pull", res.ID+"/"+name) {
		s.audit(ctx, AuditEvent{
			Action:     ActionAccessThrottled,
			ResourceID: res.ID,
			Actor:      actor,
			Status:     "throttled",
			Context:    map[string]string{"field": name},
		})
		return "", ErrThrottled
	}
	return s.readField(ctx, actor, res, name)
}

func (s *Service) readField(ctx context.Context, actor string, res *Resource, name string) (string, error) {
	field, err := s.store.Fields().Find(ctx, res.ID, name)
	if err != nil {
		return "", err
	}
	plaintext, err := envelope.Decrypt(field.Ciphertext, s.key)
	if err != nil {
		// Collapsed with not-found: no oracle for ciphertext state.
		s.audit(ctx, AuditEvent{
			Action:     ActionAccessDenied,
			ResourceID: res.ID,
			Actor:      actor,
			Status:     "error",
			Context:    map[string]string{"field": name},
		})
		return "", ErrNotFound
	}
	s.audit(ctx, AuditEvent{
		Action:     ActionAccessGranted,
		ResourceID: res.ID,
		Actor:      actor,
		Status:     "ok",
		Context:    map[string]string{"field": name},
	})
	return string(plaintext), nil
}

// granted reports whether the actor holds an unexpired APPROVED request for
// the resource. The request's expiry doubles as the grant window, so an
// approval does not entitle the requester forever.
func (s *Service) granted(ctx context.Context, resourceID, actor string) bool {
	_, err := s.store.Approvals().FindGranted(ctx, resourceID, actor, s.now().UTC())
	return err == nil
}

// gate finds or creates the pending approval and reports it as a
// PendingApprovalError.
func (s *Service) gate(ctx context.Context, actor string, res *Resource, guardians []*Guardian, reqCtx RequestContext) error {
	if existing, err := s.engine.FindActiveRequest(ctx, res.ID, actor); err == nil {
		return &PendingApprovalError{RequestID: existing.ID}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	expiry := s.now().UTC().Add(s.approvalTTL)
	pending, err := s.engine.CreateRequest(ctx, res.ID, reqCtx, &expiry)
	if err != nil {
		return err
	}
	s.audit(ctx, AuditEvent{
		Action:     ActionApprovalRequested,
		ResourceID: res.ID,
		Actor:      actor,
		Status:     string(StatusPending),
		Context:    map[string]string{"request_id": pending.Request.ID, "action": reqCtx.Action},
	})
	if s.notifier != nil {
		s.notifier.ApprovalRequested(ctx, pending)
	}
	return &PendingApprovalError{RequestID: pending.Request.ID}
}

// RecordDecision applies a guardian's vote through the approval engine and
// audits the outcome. An already-resolved request surfaces as
// ErrAlreadyResolved, a distinct recoverable condition.
func (s *Service) RecordDecision(ctx context.Context, requestID string, decision Decision, resolver string) (*ApprovalRequest, error) {
	req, err := s.engine.RecordDecision(ctx, requestID, decision, resolver)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusPending {
		// REQUIRE_ALL with outstanding approvals; nothing terminal to audit.
		return req, nil
	}
	action := ActionApprovalApproved
	if req.Status == StatusDenied {
		action = ActionApprovalDenied
	}
	s.audit(ctx, AuditEvent{
		Action:     action,
		ResourceID: req.ResourceID,
		Actor:      req.Context.Requester,
		Resolver:   resolver,
		Status:     string(req.Status),
		Context:    map[string]string{"request_id": req.ID},
	})
	if s.notifier != nil {
		if res, ferr := s.store.Resources().Find(ctx, req.ResourceID); ferr == nil {
			s.notifier.ApprovalResolved(ctx, req, res)
		}
	}
	return req, nil
}

// PendingApprovals lists open requests for a resource. Guardian-only.
func (s *Service) PendingApprovals(ctx context.Context, actor, resourceID string) ([]*ApprovalRequest, error) {
	if err := s.requireGuardian(ctx, actor, resourceID); err != nil {
		return nil, err
	}
	return s.engine.ListPending(ctx, resourceID)
}

// RegisterTOTP stores an encrypted TOTP credential and links it to the
// resource. Guardian-only. The secret must decode as base32.
func (s *Service) RegisterTOTP(ctx context.Context, actor, resourceID, label, secret, backupCode string, shared bool) (*TOTPCredential, error) {
	if err := s.requireGuardian(ctx, actor, resourceID); err != nil {
		return nil, err
	}
	if _, err := totp.Code(secret, s.now()); err != nil {
		return nil, fmt.Errorf("%w: secret is not valid base32", ErrInvalidInput)
	}
	secretCT, err := envelope.Encrypt([]byte(secret), s.key)
	if err != nil {
		return nil, err
	}
	backupCT := ""
	if backupCode != "" {
		if backupCT, err = envelope.Encrypt([]byte(backupCode), s.key); err != nil {
			return nil, err
		}
	}
	now := s.now().UTC()
	cred := &TOTPCredential{
		ID:               ids.New(),
		OwnerIdentity:    actor,
		Label:            label,
		SecretCiphertext: secretCT,
		BackupCiphertext: backupCT,
		Shared:           shared,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.TOTP().Create(ctx, cred); err != nil {
		return nil, err
	}
	if err := s.store.Resources().LinkTOTP(ctx, resourceID, cred.ID); err != nil {
		return nil, err
	}
	return cred, nil
}

// PullTOTPCode returns the current code for the resource's linked credential.
// A non-shared credential is directly readable only by its registering
// identity; shared credentials follow the guardian policy. Everyone else goes
// through the approval gate like any other pull.
func (s *Service) PullTOTPCode(ctx context.Context, actor, resourceID, reason string) (string, error) {
	if !s.allow(actor, "totp", resourceID) {
		s.audit(ctx, AuditEvent{
			Action:     ActionAccessThrottled,
			ResourceID: resourceID,
			Actor:      actor,
			Status:     "throttled",
		})
		return "", ErrThrottled
	}
	res, err := s.store.Resources().Find(ctx, resourceID)
	if err != nil {
		return "", err
	}
	if res.TOTPCredentialID == "" {
		return "", ErrNotFound
	}
	cred, err := s.store.TOTP().Find(ctx, res.TOTPCredentialID)
	if err != nil {
		return "", err
	}
	guardians, err := s.store.Guardians().ListByResource(ctx, resourceID)
	if err != nil {
		return "", err
	}

	direct := false
	if cred.Shared {
		direct = Decide(actor, guardians) == DecisionAllow
	} else {
		direct = cred.OwnerIdentity == actor
	}
	if !direct && s.granted(ctx, resourceID, actor) {
		direct = true
	}
	if !direct {
		return "", s.gate(ctx, actor, res, guardians, RequestContext{
			Requester: actor,
			Action:    "totp",
			Reason:    reason,
		})
	}

	secret, err := envelope.Decrypt(cred.SecretCiphertext, s.key)
	if err != nil {
		return "", ErrNotFound
	}
	code, err := totp.Code(string(secret), s.now())
	if err != nil {
		return "", ErrNotFound
	}
	s.audit(ctx, AuditEvent{
		Action:     ActionAccessGranted,
		ResourceID: resourceID,
		Actor:      actor,
		Status:     "ok",
		Context:    map[string]string{"credential": cred.ID},
	})
	return code, nil
}

func (s *Service) requireGuardian(ctx context.Context, actor, resourceID string) error {
	if _, err := s.store.Resources().Find(ctx, resourceID); err != nil {
		return err
	}
	guardians, err := s.store.Guardians().ListByResource(ctx, resourceID)
	if err != nil {
		return err
	}
	if !IsGuardian(actor, guardians) {
		return ErrNotGuardian
	}
	return nil
}

func (s *Service) allow(actor, op, target string) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow(actor + ":" + op + ":" + target)
}

func (s *Service) audit(ctx context.Context, event AuditEvent) {
	if s.recorder == nil {
		return
	}
	_ = s.recorder.Record(ctx, event)
}
