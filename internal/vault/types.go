package vault

import (
	"encoding/json"
	"time"
)

// ApprovalMode controls how many guardian decisions resolve a request.
type ApprovalMode string

const (
	// ModeOneOfN: the first guardian decision of either kind is terminal.
	ModeOneOfN ApprovalMode = "ONE_OF_N"
	// ModeRequireAll: every guardian must approve; a single denial is terminal.
	ModeRequireAll ApprovalMode = "REQUIRE_ALL"
)

// Role of a guardian binding.
type Role string

const (
	RoleOwner    Role = "OWNER"
	RoleGuardian Role = "GUARDIAN"
)

// RequestStatus of an approval request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusDenied   RequestStatus = "DENIED"
	StatusExpired  RequestStatus = "EXPIRED"
)

// Decision recorded by a guardian.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionDeny    Decision = "DENY"
)

// Resource is a named group of protected secrets with one approval mode.
// The API key is stored split: a public identifier and a bcrypt hash of the
// secret half. A rotated key always gets a fresh identifier, so old keys can
// never come back.
type Resource struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Mode             ApprovalMode `json:"mode"`
	APIKeyID         string       `json:"-"`
	APIKeyHash       string       `json:"-"`
	TOTPCredentialID string       `json:"totp_credential_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Guardian binds an external identity to a resource with a role.
type Guardian struct {
	ResourceID string    `json:"resource_id"`
	Identity   string    `json:"identity"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

// Field is one secret key/value pair scoped to a resource. The value is held
// as versioned ciphertext; plaintext never reaches the store.
type Field struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Name       string    `json:"name"`
	Ciphertext string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TOTPCredential holds an encrypted TOTP secret and optional backup code.
type TOTPCredential struct {
	ID               string    `json:"id"`
	OwnerIdentity    string    `json:"owner_identity"`
	Label            string    `json:"label"`
	SecretCiphertext string    `json:"-"`
	BackupCiphertext string    `json:"-"`
	Shared           bool      `json:"shared"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RequestContext captures who is asking and why. Extra carries forward any
// payload the known fields do not model.
type RequestContext struct {
	Requester string          `json:"requester"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// ApprovalRequest is the unit of the approval state machine. It is created
// PENDING, transitions once to a terminal status and is immutable after that.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resource_id"`
	Status     RequestStatus  `json:"status"`
	Context    RequestContext `json:"context"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EffectiveStatus derives the read-time status: a PENDING request past its
// expiry reads as EXPIRED without a background sweep.
func (r *ApprovalRequest) EffectiveStatus(now time.Time) RequestStatus {
	if r.Status == StatusPending && r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// ApprovalDecision is one guardian's recorded vote. Under REQUIRE_ALL mode
// approvals accumulate here until the guardian set is covered.
type ApprovalDecision struct {
	RequestID string    `json:"request_id"`
	Resolver  string    `json:"resolver"`
	Decision  Decision  `json:"decision"`
	CreatedAt time.Time `json:"created_at"`
}

// Well-known audit actions.
const (
	ActionAccessGranted     = "access.granted"
	ActionAccessDenied      = "access.denied"
	ActionAccessThrottled   = "access.throttled"
	ActionApprovalRequested = "approval.requested"
	ActionApprovalApproved  = "approval.approved"
	ActionApprovalDenied    = "approval.denied"
	ActionTokenIssued       = "token.issued"
	ActionAPIKeyRotated     = "apikey.rotated"
	ActionRotationCompleted = "rotation.completed"
)

// AuditEvent is one append-only row. Written by every security-relevant
// operation, read by operators only, never mutated or deleted.
type AuditEvent struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	ResourceID string            `json:"resource_id,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Resolver   string            `json:"resolver,omitempty"`
	Status     string            `json:"status,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// DeviceStatus of a device authorization session.
type DeviceStatus string

const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusDenied   DeviceStatus = "denied"
	DeviceStatusExpired  DeviceStatus = "expired"
)

// DeviceSession tracks one device authorization grant from initiation to
// resolution. Terminal on first resolution.
type DeviceSession struct {
	ID         string       `json:"id"`
	DeviceCode string       `json:"device_code"`
	UserCode   string       `json:"user_code"`
	Status     DeviceStatus `json:"status"`
	Identity   string       `json:"identity,omitempty"`
	LastPollAt time.Time    `json:"last_poll_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Token is a long-lived bearer credential, hashed at rest and bound to one
// identity. Tokens are never issued without an expiry.
type Token struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Hash      string    `json:"-"`
	Revoked   bool      `json:"revoked"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
