package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"keywarden.org/internal/envelope"
	"keywarden.org/internal/ratelimit"
)

type recordedEvent = AuditEvent

type memRecorder struct {
	events []recordedEvent
}

func (r *memRecorder) Record(ctx context.Context, event AuditEvent) error {
	r.events = append(r.events, event)
	return nil
}

func (r *memRecorder) actions() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type memNotifier struct {
	requested []*PendingApproval
	resolved  []*ApprovalRequest
}

func (n *memNotifier) ApprovalRequested(ctx context.Context, p *PendingApproval) {
	n.requested = append(n.requested, p)
}

func (n *memNotifier) ApprovalResolved(ctx context.Context, req *ApprovalRequest, res *Resource) {
	n.resolved = append(n.resolved, req)
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *memRecorder, *memNotifier) {
	t.Helper()
	key, err := envelope.KeyFromHex("6b657977617264656e2d746573742d6b65792d6b657977617264656e2d746573")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	rec := &memRecorder{}
	not := &memNotifier{}
	base := []ServiceOption{WithRecorder(rec), WithNotifier(not)}
	svc := NewService(NewInMemory(), key, append(base, opts...)...)
	return svc, rec, not
}

func TestCreateResourceRecordsOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, apiKey, err := svc.CreateResource(ctx, "prod-api", ModeOneOfN, "alice")
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if apiKey == "" {
		t.Fatal("expected a minted api key")
	}
	guardians, err := svc.Store().Guardians().ListByResource(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(guardians) != 1 || guardians[0].Identity != "alice" || guardians[0].Role != RoleOwner {
		t.Fatalf("creator not recorded as OWNER: %+v", guardians)
	}

	if _, _, err := svc.CreateResource(ctx, "prod-api", ModeOneOfN, "bob"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate name: expected ErrAlreadyExists, got %v", err)
	}
	if _, _, err := svc.CreateResource(ctx, "x", "QUORUM", "bob"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad mode: expected ErrInvalidInput, got %v", err)
	}
}

func TestDirectAccessScenario(t *testing.T) {
	svc, rec, _ := newTestService(t)
	ctx := context.Background()

	res, _, err := svc.CreateResource(ctx, "prod", ModeOneOfN, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PutField(ctx, "owner", res.ID, "api_key", "s3cr3t"); err != nil {
		t.Fatalf("PutField: %v", err)
	}

	value, err := svc.PullField(ctx, "owner", res.ID, "api_key", "")
	if err != nil {
		t.Fatalf("owner pull: %v", err)
	}
	if value != "s3cr3t" {
		t.Fatalf("wrong value: %q", value)
	}

	// Direct access never creates an approval request.
	pending, err := svc.Store().Approvals().ListPending(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("direct read created %d approval requests", len(pending))
	}

	found := false
	for _, e := range rec.events {
		if e.Action == ActionAccessGranted && e.Actor == "owner" {
			found = true
		}
	}
	if !found {
		t.Fatalf("access.granted not audited: %v", rec.actions())
	}
}

func TestGatedAccessScenario(t *testing.T) {
	svc, rec, not := newTestService(t)
	ctx := context.Background()

	res, _, err := svc.CreateResource(ctx, "prod", ModeOneOfN, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PutField(ctx, "owner", res.ID, "api_key", "s3cr3t"); err != nil {
		t.Fatal(err)
	}

	// First read by a stranger creates a pending request.
	_, err = svc.PullField(ctx, "mallory", res.ID, "api_key", "deploying")
	var pending *PendingApprovalError
	if !errors.As(err, &pending) {
		t.Fatalf("expected PendingApprovalError, got %v", err)
	}
	if !errors.Is(err, ErrApprovalPending) {
		t.Fatal("PendingApprovalError must match ErrApprovalPending")
	}
	if len(not.requested) != 1 {
		t.Fatalf("notifier calls = %d", len(not.requested))
	}
	if got := not.requested[0].Guardians; len(got) != 1 || got[0].Identity != "owner" {
		t.Fatalf("notifier guardian set wrong: %+v", got)
	}

	// Second read before resolution reuses the same request.
	_, err = svc.PullField(ctx, "mallory", res.ID, "api_key", "deploying")
	var second *PendingApprovalError
	if !errors.As(err, &second) {
		t.Fatalf("expected PendingApprovalError, got %v", err)
	}
	if second.RequestID != pending.RequestID {
		t.Fatalf("duplicate request created: %s != %s", second.RequestID, pending.RequestID)
	}
	if len(not.requested) != 1 {
		t.Fatal("reused request must not re-notify")
	}

	// Owner approves; the requester's next read succeeds for the lifetime of
	// the grant window.
	req, err := svc.RecordDecision(ctx, pending.RequestID, DecisionApprove, "owner")
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("status = %s", req.Status)
	}
	if len(not.resolved) != 1 {
		t.Fatalf("resolution not notified")
	}

	value, err := svc.PullField(ctx, "mallory", res.ID, "api_key", "deploying")
	if err != nil {
		t.Fatalf("pull after approval: %v", err)
	}
	if value != "s3cr3t" {
		t.Fatalf("wrong value after approval: %q", value)
	}

	requested := false
	for _, a := range rec.actions() {
		if a == ActionApprovalRequested {
			requested = true
		}
	}
	if !requested {
		t.Fatalf("approval.requested not audited: %v", rec.actions())
	}
}

func TestDeniedRequestKeepsGating(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, _, err := svc.CreateResource(ctx, "prod", ModeOneOfN, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PutField(ctx, "owner", res.ID, "k", "v"); err != nil {
		t.Fatal(err)
	}

	_, err = svc.PullField(ctx, "mallory", res.ID, "k", "")
	var pending *PendingApprovalError
	if !errors.As(err, &pending) {
		t.Fatalf("expected pending, got %v", err)
	}
	if _, err := svc.RecordDecision(ctx, pending.RequestID, DecisionDeny, "owner"); err != nil {
		t.Fatal(err)
	}

	// A denied request grants nothing; the next pull opens a fresh request.
	_, err = svc.PullField(ctx, "mallory", res.ID, "k", "")
	var next *PendingApprovalError
	if !errors.As(err, &next) {
		t.Fatalf("expected pending after denial, got %v", err)
	}
	if next.RequestID == pending.RequestID {
		t.Fatal("denied request must not be reused")
	}
}

func TestPullFieldThrottled(t *testing.T) {
	limiter := ratelimit.New(2, time.Minute)
	defer limiter.Close()
	svc, rec, _ := newTestService(t, WithLimiter(limiter))
	ctx := context.Background()

	res, _, err := svc.CreateResource(ctx, "prod", ModeOneOfN, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PutField(ctx, "owner", res.ID, "k", "v"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.PullField(ctx, "owner", res.ID, "k", ""); err != nil {
			t.Fatalf("pull %d: %v", i, err)
		}
	}
	if _, err := svc.PullField(ctx, "owner", res.ID, "k", ""); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	last := rec.events[len(rec.events)-1]
	if last.Action != ActionAccessThrottled {
		t.Fatalf("throttle not audited, last action %s", last.Action)
	}
}

func TestFieldCRUD(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, _, err := svc.CreateResource(ctx, "prod", ModeOneOfN, "owner")
	if err != nil {
		t.Fatal(err)
	}

	created, err := svc.PutField(ctx, "owner", res.ID, "db_url", "postgres://one")
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	created, err = svc.PutField(ctx, "owner", res.ID, "db_url", "postgres://two")
	if err != nil || created {
		t.Fatalf("update: created=%v err=%v", created, err)
	}
	value, err := svc.PullField(ctx, "owner", res.ID, "db_url", "")
	if err != nil || value != "postgres://two" {
		t.Fatalf("pull after update: %q, %v", value, err)
	}

	// Stored form is versioned ciphertext, never plaintext.
	field, err := svc.Store().Fields().Find(ctx, res.ID, "db_url")
	if err != nil {
		t.Fatal(err)
	}
	if !envelope.IsCiphertext(field.Ciphertext) {
		t.Fatalf("stored value is not ciphertext: %q", field.Ciphertext)
	}

	if _, err := svc.PutField(ctx, "stranger", res.ID, "x", "y"); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("stranger put: expected ErrNotGuardian, got %v", err)
	}
	if _, err := svc.ListFields(ctx, "stranger", res.ID); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("stranger list: expected ErrNotGuardian, got %v", err)
	}

	if err := svc.DeleteField(ctx, "owner", res.ID, "db_url"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.PullField(ctx, "owner", res.ID, "db_url", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pull after delete: expected ErrNotFound, got %v", err)
	}
}

func TestGuardianManagement(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, _, err := svc.CreateResource(ctx, "prod", ModeOneOfN, "owner")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.AddGuardian(ctx, "owner", res.ID, "bob", RoleGuardian); err != nil {
		t.Fatalf("add guardian: %v", err)
	}
	// Guardians cannot manage guardians; only owners can.
	if err := svc.AddGuardian(ctx, "bob", res.ID, "carol", RoleGuardian); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("guardian add: expected ErrNotGuardian, got %v", err)
	}
	if err := svc.RemoveGuardian(ctx, "owner", res.ID, "owner"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("removing last owner must fail, got %v", err)
	}
	if err := svc.RemoveGuardian(ctx, "owner", res.ID, "bob"); err != nil {
		t.Fatalf("remove guardian: %v", err)
	}
	if _, err := svc.PullField(ctx, "bob", res.ID, "anything", ""); errors.Is(err, ErrNotGuardian) {
		t.Fatal("removed guardian should go through the approval path, not be treated as guardian")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, apiKey, err := svc.CreateResource(ctx, "prod", ModeOneOfN, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PutField(ctx, "owner", res.ID, "k", "v"); err != nil {
		t.Fatal(err)
	}

	authed, err := svc.AuthenticateAPIKey(ctx, apiKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.ID != res.ID {
		t.Fatal("wrong resource resolved")
	}
	value, err := svc.PullFieldWithKey(ctx, authed, "k")
	if err != nil || value != "v" {
		t.Fatalf("machine pull: %q, %v", value, err)
	}

	rotated, err := svc.RotateAPIKey(ctx, "owner", res.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated == apiKey {
		t.Fatal("rotation returned the same key")
	}
	if _, err := svc.AuthenticateAPIKey(ctx, apiKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old key must be dead, got %v", err)
	}
	if _, err := svc.AuthenticateAPIKey(ctx, rotated); err != nil {
		t.Fatalf("new key: %v", err)
	}
	if _, err := svc.RotateAPIKey(ctx, "bob", res.ID); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("non-owner rotate: expected ErrNotGuardian, got %v", err)
	}
}

func TestTOTPFlow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, _, err := svc.CreateResource(ctx, "prod", ModeOneOfN, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.AddGuardian(ctx, "owner", res.ID, "guard", RoleGuardian); err != nil {
		t.Fatal(err)
	}

	const secret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	cred, err := svc.RegisterTOTP(ctx, "owner", res.ID, "github", secret, "backup-123", false)
	if err != nil {
		t.Fatalf("RegisterTOTP: %v", err)
	}
	if !envelope.IsCiphertext(cred.SecretCiphertext) {
		t.Fatal("totp secret stored unencrypted")
	}

	code, err := svc.PullTOTPCode(ctx, "owner", res.ID, "")
	if err != nil {
		t.Fatalf("owner code: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("unexpected code %q", code)
	}

	// Not shared: a guardian who is not the registering identity still goes
	// through approval.
	_, err = svc.PullTOTPCode(ctx, "guard", res.ID, "")
	if !errors.Is(err, ErrApprovalPending) {
		t.Fatalf("non-shared credential: expected pending, got %v", err)
	}

	// Shared credential: guardian policy applies.
	if _, err := svc.RegisterTOTP(ctx, "owner", res.ID, "github", secret, "", true); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PullTOTPCode(ctx, "guard", res.ID, ""); err != nil {
		t.Fatalf("shared credential guardian pull: %v", err)
	}

	if _, err := svc.RegisterTOTP(ctx, "owner", res.ID, "bad", "not base32 !!!", "", false); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad secret: expected ErrInvalidInput, got %v", err)
	}
}

func TestCorruptCiphertextReadsAsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, _, err := svc.CreateResource(ctx, "prod", ModeOneOfN, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PutField(ctx, "owner", res.ID, "k", "v"); err != nil {
		t.Fatal(err)
	}
	field, err := svc.Store().Fields().Find(ctx, res.ID, "k")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Store().Fields().UpdateValue(ctx, field.ID, "v1:AAAA:BBBB:CCCC"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PullField(ctx, "owner", res.ID, "k", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("corrupt ciphertext must read as not found, got %v", err)
	}
}
