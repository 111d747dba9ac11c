package vault

import "errors"

var (
	ErrNotFound        = errors.New("vault: not found")
	ErrAlreadyExists   = errors.New("vault: already exists")
	ErrInvalidInput    = errors.New("vault: invalid input")
	ErrNotGuardian     = errors.New("vault: not a guardian")
	ErrNoGuardians     = errors.New("vault: resource has no guardians")
	ErrAlreadyResolved = errors.New("vault: request already resolved")
	ErrThrottled       = errors.New("vault: rate limit exceeded")
	ErrApprovalPending = errors.New("vault: approval pending")
)

// PendingApprovalError carries the request identifier a caller can poll or
// retry with. It matches ErrApprovalPending under errors.Is.
type PendingApprovalError struct {
	RequestID string
}

func (e *PendingApprovalError) Error() string { return "vault: approval pending" }

func (e *PendingApprovalError) Is(target error) bool { return target == ErrApprovalPending }
