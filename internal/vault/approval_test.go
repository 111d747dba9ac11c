package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedResource(t *testing.T, store *InMemory, mode ApprovalMode, guardians ...Guardian) *Resource {
	t.Helper()
	ctx := context.Background()
	res := &Resource{Name: "prod-secrets-" + string(mode), Mode: mode, CreatedAt: time.Now().UTC()}
	if err := store.Resources().Create(ctx, res); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	for i := range guardians {
		guardians[i].ResourceID = res.ID
		if err := store.Guardians().Add(ctx, &guardians[i]); err != nil {
			t.Fatalf("add guardian: %v", err)
		}
	}
	return res
}

func TestCreateRequest(t *testing.T) {
	store := NewInMemory()
	engine := NewApprovalEngine(store)
	ctx := context.Background()

	res := seedResource(t, store, ModeOneOfN,
		Guardian{Identity: "owner", Role: RoleOwner},
		Guardian{Identity: "guard", Role: RoleGuardian},
	)

	pending, err := engine.CreateRequest(ctx, res.ID, RequestContext{Requester: "u1", Action: "pull:api_key"}, nil)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if pending.Request.Status != StatusPending {
		t.Fatalf("new request status = %s", pending.Request.Status)
	}
	if len(pending.Guardians) != 2 {
		t.Fatalf("expected guardian set of 2, got %d", len(pending.Guardians))
	}

	if _, err := engine.CreateRequest(ctx, "missing", RequestContext{Requester: "u1"}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown resource: expected ErrNotFound, got %v", err)
	}

	bare := seedResource(t, store, ModeOneOfN)
	if _, err := engine.CreateRequest(ctx, bare.ID, RequestContext{Requester: "u1"}, nil); !errors.Is(err, ErrNoGuardians) {
		t.Fatalf("guardianless resource: expected ErrNoGuardians, got %v", err)
	}

	if _, err := engine.CreateRequest(ctx, res.ID, RequestContext{}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing requester: expected ErrInvalidInput, got %v", err)
	}
}

func TestOneOfNFirstDecisionTerminal(t *testing.T) {
	store := NewInMemory()
	engine := NewApprovalEngine(store)
	ctx := context.Background()

	res := seedResource(t, store, ModeOneOfN,
		Guardian{Identity: "owner", Role: RoleOwner},
		Guardian{Identity: "guard", Role: RoleGuardian},
	)
	pending, err := engine.CreateRequest(ctx, res.ID, RequestContext{Requester: "u1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	req, err := engine.RecordDecision(ctx, pending.Request.ID, DecisionApprove, "guard")
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("status = %s, want APPROVED", req.Status)
	}
	if req.ResolvedBy != "guard" || req.ResolvedAt == nil {
		t.Fatal("resolver/time not stamped")
	}

	// A second decision must fail with "already resolved" and leave status unchanged.
	if _, err := engine.RecordDecision(ctx, pending.Request.ID, DecisionDeny, "owner"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	after, err := store.Approvals().Find(ctx, pending.Request.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != StatusApproved {
		t.Fatalf("status changed after late decision: %s", after.Status)
	}
}

func TestRequireAllAccumulates(t *testing.T) {
	store := NewInMemory()
	engine := NewApprovalEngine(store)
	ctx := context.Background()

	res := seedResource(t, store, ModeRequireAll,
		Guardian{Identity: "owner", Role: RoleOwner},
		Guardian{Identity: "g1", Role: RoleGuardian},
		Guardian{Identity: "g2", Role: RoleGuardian},
	)
	pending, err := engine.CreateRequest(ctx, res.ID, RequestContext{Requester: "u1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	id := pending.Request.ID

	req, err := engine.RecordDecision(ctx, id, DecisionApprove, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusPending {
		t.Fatalf("one of three approvals should not be terminal, got %s", req.Status)
	}
	if req, err = engine.RecordDecision(ctx, id, DecisionApprove, "g1"); err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusPending {
		t.Fatalf("two of three approvals should not be terminal, got %s", req.Status)
	}
	if req, err = engine.RecordDecision(ctx, id, DecisionApprove, "g2"); err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("all guardians approved, got %s", req.Status)
	}
}

func TestRequireAllSingleDenialTerminal(t *testing.T) {
	store := NewInMemory()
	engine := NewApprovalEngine(store)
	ctx := context.Background()

	res := seedResource(t, store, ModeRequireAll,
		Guardian{Identity: "owner", Role: RoleOwner},
		Guardian{Identity: "g1", Role: RoleGuardian},
	)
	pending, err := engine.CreateRequest(ctx, res.ID, RequestContext{Requester: "u1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	req, err := engine.RecordDecision(ctx, pending.Request.ID, DecisionDeny, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusDenied {
		t.Fatalf("single denial must be terminal, got %s", req.Status)
	}
	if _, err := engine.RecordDecision(ctx, pending.Request.ID, DecisionApprove, "owner"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved after denial, got %v", err)
	}
}

func TestNonGuardianCannotDecide(t *testing.T) {
	store := NewInMemory()
	engine := NewApprovalEngine(store)
	ctx := context.Background()

	res := seedResource(t, store, ModeOneOfN, Guardian{Identity: "owner", Role: RoleOwner})
	pending, err := engine.CreateRequest(ctx, res.ID, RequestContext{Requester: "u1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.RecordDecision(ctx, pending.Request.ID, DecisionApprove, "intruder"); !errors.Is(err, ErrNotGuardian) {
		t.Fatalf("expected ErrNotGuardian, got %v", err)
	}
	req, _ := store.Approvals().Find(ctx, pending.Request.ID)
	if req.Status != StatusPending {
		t.Fatalf("non-guardian vote must not change status, got %s", req.Status)
	}
}

func TestLazyExpiry(t *testing.T) {
	store := NewInMemory()
	now := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time { return now }
	engine := NewApprovalEngine(store).WithClock(clock)
	ctx := context.Background()

	res := seedResource(t, store, ModeOneOfN, Guardian{Identity: "owner", Role: RoleOwner})
	expiry := now.Add(10 * time.Minute)
	pending, err := engine.CreateRequest(ctx, res.ID, RequestContext{Requester: "u1"}, &expiry)
	if err != nil {
		t.Fatal(err)
	}

	// Still active before expiry.
	if _, err := engine.FindActiveRequest(ctx, res.ID, "u1"); err != nil {
		t.Fatalf("FindActiveRequest before expiry: %v", err)
	}
	list, err := engine.ListPending(ctx, res.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPending before expiry: %v, n=%d", err, len(list))
	}

	now = now.Add(11 * time.Minute)

	// Expired requests drop out of the active lookup and pending listing
	// without any background sweep.
	if _, err := engine.FindActiveRequest(ctx, res.ID, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	list, err = engine.ListPending(ctx, res.ID)
	if err != nil || len(list) != 0 {
		t.Fatalf("ListPending after expiry: %v, n=%d", err, len(list))
	}

	// A decision on an expired request reports it as already resolved.
	if _, err := engine.RecordDecision(ctx, pending.Request.ID, DecisionApprove, "owner"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved for expired request, got %v", err)
	}
	// The stored row still reads PENDING; expiry is a read-time derivation.
	stored, _ := store.Approvals().Find(ctx, pending.Request.ID)
	if stored.Status != StatusPending {
		t.Fatalf("stored status mutated to %s", stored.Status)
	}
	if stored.EffectiveStatus(now) != StatusExpired {
		t.Fatalf("effective status = %s, want EXPIRED", stored.EffectiveStatus(now))
	}
}

type flakyApprovals struct {
	ApprovalStore
	decisionsErr error
}

func (s *flakyApprovals) Decisions(ctx context.Context, requestID string) ([]*ApprovalDecision, error) {
	if s.decisionsErr != nil {
		return nil, s.decisionsErr
	}
	return s.ApprovalStore.Decisions(ctx, requestID)
}

type flakyStore struct {
	Store
	approvals *flakyApprovals
}

func (s *flakyStore) Approvals() ApprovalStore { return s.approvals }

func TestRequireAllSurfacesDecisionCountFailure(t *testing.T) {
	base := NewInMemory()
	approvals := &flakyApprovals{ApprovalStore: base.Approvals()}
	engine := NewApprovalEngine(&flakyStore{Store: base, approvals: approvals})
	ctx := context.Background()

	res := seedResource(t, base, ModeRequireAll,
		Guardian{Identity: "g1", Role: RoleOwner},
		Guardian{Identity: "g2", Role: RoleGuardian},
	)
	pending, err := engine.CreateRequest(ctx, res.ID, RequestContext{Requester: "u1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// A store failure while counting accumulated approvals must surface to
	// the resolver, not silently leave the request pending.
	approvals.decisionsErr = errors.New("decisions unavailable")
	if _, err := engine.RecordDecision(ctx, pending.Request.ID, DecisionApprove, "g1"); !errors.Is(err, approvals.decisionsErr) {
		t.Fatalf("expected the store error, got %v", err)
	}

	// The vote itself was recorded; once the store recovers, re-voting is a
	// no-op upsert and the tally proceeds.
	approvals.decisionsErr = nil
	recorded, err := base.Approvals().Decisions(ctx, pending.Request.ID)
	if err != nil || len(recorded) != 1 {
		t.Fatalf("decisions after failure: %v, n=%d", err, len(recorded))
	}
	req, err := engine.RecordDecision(ctx, pending.Request.ID, DecisionApprove, "g1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("one of two approvals should not be terminal, got %s", req.Status)
	}
	if req, err = engine.RecordDecision(ctx, pending.Request.ID, DecisionApprove, "g2"); err != nil || req.Status != StatusApproved {
		t.Fatalf("final approval: %v, status %s", err, req.Status)
	}
}

func TestConcurrentDecisionsSingleWinner(t *testing.T) {
	store := NewInMemory()
	engine := NewApprovalEngine(store)
	ctx := context.Background()

	res := seedResource(t, store, ModeOneOfN,
		Guardian{Identity: "g1", Role: RoleOwner},
		Guardian{Identity: "g2", Role: RoleGuardian},
		Guardian{Identity: "g3", Role: RoleGuardian},
	)
	pending, err := engine.CreateRequest(ctx, res.ID, RequestContext{Requester: "u1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 3)
	for _, resolver := range []string{"g1", "g2", "g3"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			_, err := engine.RecordDecision(ctx, pending.Request.ID, DecisionApprove, who)
			results <- err
		}(resolver)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyResolved) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning decision, got %d", wins)
	}
	req, _ := store.Approvals().Find(ctx, pending.Request.ID)
	if req.Status != StatusApproved {
		t.Fatalf("final status = %s", req.Status)
	}
}
