package vault

import (
	"context"
	"time"
)

// Store describes persistence operations required by the vault core.
type Store interface {
	Resources() ResourceStore
	Guardians() GuardianStore
	Fields() FieldStore
	TOTP() TOTPStore
	Approvals() ApprovalStore
	Tokens() TokenStore
	DeviceSessions() DeviceSessionStore
	Audit() AuditStore
}

// ResourceStore manages protected secret groups.
type ResourceStore interface {
	Create(ctx context.Context, res *Resource) error
	Find(ctx context.Context, id string) (*Resource, error)
	FindByAPIKeyID(ctx context.Context, keyID string) (*Resource, error)
	List(ctx context.Context) ([]*Resource, error)
	UpdateAPIKey(ctx context.Context, id, keyID, keyHash string) error
	LinkTOTP(ctx context.Context, id, credentialID string) error
}

// GuardianStore manages guardian bindings.
type GuardianStore interface {
	Add(ctx context.Context, g *Guardian) error
	Remove(ctx context.Context, resourceID, identity string) error
	ListByResource(ctx context.Context, resourceID string) ([]*Guardian, error)
	Find(ctx context.Context, resourceID, identity string) (*Guardian, error)
}

// FieldStore manages encrypted key/value pairs.
type FieldStore interface {
	Create(ctx context.Context, f *Field) error
	Find(ctx context.Context, resourceID, name string) (*Field, error)
	ListByResource(ctx context.Context, resourceID string) ([]*Field, error)
	ListAll(ctx context.Context) ([]*Field, error)
	UpdateValue(ctx context.Context, id, ciphertext string) error
	Delete(ctx context.Context, resourceID, name string) error
}

// TOTPStore manages TOTP credentials.
type TOTPStore interface {
	Create(ctx context.Context, c *TOTPCredential) error
	Find(ctx context.Context, id string) (*TOTPCredential, error)
	ListAll(ctx context.Context) ([]*TOTPCredential, error)
	UpdateSecrets(ctx context.Context, id, secretCiphertext, backupCiphertext string) error
}

// ApprovalStore manages approval requests and their decision records.
// Resolve must be conditional on the request still being PENDING so that a
// single terminal transition wins under concurrency.
type ApprovalStore interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	Find(ctx context.Context, id string) (*ApprovalRequest, error)
	FindActive(ctx context.Context, resourceID, requester string, now time.Time) (*ApprovalRequest, error)
	FindGranted(ctx context.Context, resourceID, requester string, now time.Time) (*ApprovalRequest, error)
	ListPending(ctx context.Context, resourceID string) ([]*ApprovalRequest, error)
	Resolve(ctx context.Context, id string, status RequestStatus, resolver string, at time.Time) error
	AddDecision(ctx context.Context, d *ApprovalDecision) error
	Decisions(ctx context.Context, requestID string) ([]*ApprovalDecision, error)
}

// TokenStore manages bearer token records.
type TokenStore interface {
	Create(ctx context.Context, t *Token) error
	Find(ctx context.Context, id string) (*Token, error)
	MarkRevoked(ctx context.Context, id string) error
}

// DeviceSessionStore manages device authorization sessions. Transition must
// be conditional on the current status so a single resolution (and a single
// token issue) wins under concurrency, like ApprovalStore.Resolve.
type DeviceSessionStore interface {
	Create(ctx context.Context, s *DeviceSession) error
	FindByDeviceCode(ctx context.Context, deviceCode string) (*DeviceSession, error)
	FindByUserCode(ctx context.Context, userCode string) (*DeviceSession, error)
	// Touch stamps the last poll time without rewriting the rest of the row.
	Touch(ctx context.Context, id string, at time.Time) error
	// Transition moves the session from one status to another, binding the
	// identity when non-empty. A session in any other status reports
	// ErrAlreadyResolved.
	Transition(ctx context.Context, id string, from, to DeviceStatus, identity string) error
}

// AuditStore appends immutable events.
type AuditStore interface {
	Append(ctx context.Context, event *AuditEvent) error
	List(ctx context.Context, limit int) ([]*AuditEvent, error)
}
