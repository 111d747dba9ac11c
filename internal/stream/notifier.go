package stream

import (
	"context"

	"keywarden.org/internal/vault"
)

// Notifier adapts a Stream to the approval notification sink the vault core
// expects. Subscribers (the chat-bot adapter, SSE clients) decide how events
// are rendered and delivered.
type Notifier struct {
	Stream *Stream
}

var _ vault.Notifier = Notifier{}

// ApprovalRequested publishes a "requested" event with the guardian set to
// contact.
func (n Notifier) ApprovalRequested(ctx context.Context, p *vault.PendingApproval) {
	if n.Stream == nil || p == nil {
		return
	}
	guardians := make([]string, 0, len(p.Guardians))
	for _, g := range p.Guardians {
		guardians = append(guardians, g.Identity)
	}
	n.Stream.Publish(ApprovalEvent{
		Kind:         "requested",
		RequestID:    p.Request.ID,
		ResourceID:   p.Resource.ID,
		ResourceName: p.Resource.Name,
		Guardians:    guardians,
		Requester:    p.Request.Context.Requester,
		Action:       p.Request.Context.Action,
		Reason:       p.Request.Context.Reason,
		ExpiresAt:    p.Request.ExpiresAt,
	})
}

// ApprovalResolved publishes a "resolved" event carrying the terminal status.
func (n Notifier) ApprovalResolved(ctx context.Context, req *vault.ApprovalRequest, res *vault.Resource) {
	if n.Stream == nil || req == nil {
		return
	}
	evt := ApprovalEvent{
		Kind:      "resolved",
		RequestID: req.ID,
		Status:    string(req.Status),
		Requester: req.Context.Requester,
		Action:    req.Context.Action,
	}
	if res != nil {
		evt.ResourceID = res.ID
		evt.ResourceName = res.Name
	}
	n.Stream.Publish(evt)
}
