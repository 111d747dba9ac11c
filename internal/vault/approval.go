package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"keywarden.org/internal/ids"
)

// ApprovalEngine owns the lifecycle of approval requests. A request is created
// PENDING, transitions exactly once to APPROVED or DENIED, and reads as
// EXPIRED when still pending past its expiry.
type ApprovalEngine struct {
	store Store
	now   func() time.Time
}

// NewApprovalEngine constructs an engine over the given store.
func NewApprovalEngine(store Store) *ApprovalEngine {
	return &ApprovalEngine{store: store, now: time.Now}
}

// WithClock overrides the time source. Only intended for tests.
func (e *ApprovalEngine) WithClock(fn func() time.Time) *ApprovalEngine {
	if fn != nil {
		e.now = fn
	}
	return e
}

// PendingApproval pairs a freshly created request with the guardian set the
// notifier should contact. The engine does not know how prompts are rendered
// or delivered.
type PendingApproval struct {
	Request   *ApprovalRequest
	Resource  *Resource
	Guardians []*Guardian
}

// CreateRequest inserts a PENDING request for the resource. Fails if the
// resource does not exist or has no guardians to resolve it.
func (e *ApprovalEngine) CreateRequest(ctx context.Context, resourceID string, reqCtx RequestContext, expiry *time.Time) (*PendingApproval, error) {
	if strings.TrimSpace(reqCtx.Requester) == "" {
		return nil, fmt.Errorf("%w: requester is required", ErrInvalidInput)
	}
	res, err := e.store.Resources().Find(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	guardians, err := e.store.Guardians().ListByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if len(guardians) == 0 {
		return nil, ErrNoGuardians
	}
	req := &ApprovalRequest{
		ID:         ids.New(),
		ResourceID: resourceID,
		Status:     StatusPending,
		Context:    reqCtx,
		ExpiresAt:  expiry,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.Approvals().Create(ctx, req); err != nil {
		return nil, err
	}
	return &PendingApproval{Request: req, Resource: res, Guardians: guardians}, nil
}

// FindActiveRequest returns the most recent non-terminal, non-expired request
// recorded for the requester, or ErrNotFound. Used to avoid creating a
// duplicate request on every repeated pull attempt.
func (e *ApprovalEngine) FindActiveRequest(ctx context.Context, resourceID, requester string) (*ApprovalRequest, error) {
	return e.store.Approvals().FindActive(ctx, resourceID, requester, e.now().UTC())
}

// RecordDecision applies one guardian's vote. Requests that are no longer
// PENDING (including lazily expired ones) report ErrAlreadyResolved so a late
// guardian can be told their vote was moot. Non-guardians get ErrNotGuardian.
//
// ONE_OF_N: the first decision of either kind is terminal. REQUIRE_ALL: a
// single denial is terminal immediately; approvals accumulate as decision
// records until every guardian has approved. The store's conditional Resolve
// guarantees a single terminal transition under concurrent votes.
func (e *ApprovalEngine) RecordDecision(ctx context.Context, requestID string, decision Decision, resolver string) (*ApprovalRequest, error) {
	if decision != DecisionApprove && decision != DecisionDeny {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, decision)
	}
	req, err := e.store.Approvals().Find(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if req.EffectiveStatus(now) != StatusPending {
		return nil, ErrAlreadyResolved
	}
	res, err := e.store.Resources().Find(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}
	guardians, err := e.store.Guardians().ListByResource(ctx, req.ResourceID)
	if err != nil {
		return nil, err
	}
	if !IsGuardian(resolver, guardians) {
		return nil, ErrNotGuardian
	}

	if err := e.store.Approvals().AddDecision(ctx, &ApprovalDecision{
		RequestID: requestID,
		Resolver:  resolver,
		Decision:  decision,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	terminal, status, err := e.terminalStatus(ctx, req, res, guardians, decision)
	if err != nil {
		return nil, err
	}
	if terminal {
		if err := e.store.Approvals().Resolve(ctx, requestID, status, resolver, now); err != nil {
			return nil, err
		}
	}
	return e.store.Approvals().Find(ctx, requestID)
}

// terminalStatus decides whether this vote ends the request. A store failure
// while counting REQUIRE_ALL approvals surfaces to the resolver instead of
// silently leaving the request pending.
func (e *ApprovalEngine) terminalStatus(ctx context.Context, req *ApprovalRequest, res *Resource, guardians []*Guardian, decision Decision) (bool, RequestStatus, error) {
	if decision == DecisionDeny {
		return true, StatusDenied, nil
	}
	if res.Mode != ModeRequireAll {
		return true, StatusApproved, nil
	}
	decisions, err := e.store.Approvals().Decisions(ctx, req.ID)
	if err != nil {
		return false, StatusPending, err
	}
	approved := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		if d.Decision == DecisionApprove {
			approved[d.Resolver] = true
		}
	}
	for _, g := range guardians {
		if !approved[g.Identity] {
			return false, StatusPending, nil
		}
	}
	return true, StatusApproved, nil
}

// ListPending returns pending requests for a resource with lazily expired
// entries filtered out of the guardian-facing listing.
func (e *ApprovalEngine) ListPending(ctx context.Context, resourceID string) ([]*ApprovalRequest, error) {
	reqs, err := e.store.Approvals().ListPending(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	out := reqs[:0]
	for _, r := range reqs {
		if r.EffectiveStatus(now) == StatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}
