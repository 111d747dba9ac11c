// Package deviceauth implements the device authorization grant used to get a
// bearer token onto a machine with no browser. A device shows the user a short
// code, a human approves it from an authenticated session, and the device
// polls the token endpoint until the grant resolves.
package deviceauth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"keywarden.org/internal/auth"
	"keywarden.org/internal/vault"
)

const (
	deviceCodeBytes = 32

	// userCodeAlphabet omits vowels and lookalike characters so codes are
	// easy to read aloud and never spell anything.
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength   = 8

	// DefaultInterval is the minimum delay between device polls.
	DefaultInterval = 5 * time.Second
	// DefaultExpiry bounds how long an unresolved session stays usable.
	DefaultExpiry = 15 * time.Minute
	// DefaultTokenTTL is the lifetime of tokens issued through this flow.
	DefaultTokenTTL = 30 * 24 * time.Hour
)

// Poll outcomes, named after the OAuth device grant error strings the HTTP
// layer serves them as.
var (
	ErrAuthorizationPending = errors.New("deviceauth: authorization pending")
	ErrSlowDown             = errors.New("deviceauth: polling too fast")
	ErrAccessDenied         = errors.New("deviceauth: access denied")
	ErrExpiredToken         = errors.New("deviceauth: device code expired")
)

// Flow runs device authorization sessions against the shared store.
type Flow struct {
	store    vault.Store
	recorder vault.AuditRecorder
	now      func() time.Time
	interval time.Duration
	expiry   time.Duration
	tokenTTL time.Duration
}

// Option configures a Flow.
type Option func(*Flow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// WithRecorder wires audit recording for issued tokens.
func WithRecorder(r vault.AuditRecorder) Option {
	return func(f *Flow) { f.recorder = r }
}

// WithTokenTTL overrides the issued token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(f *Flow) { f.tokenTTL = ttl }
}

// WithInterval overrides the minimum poll spacing.
func WithInterval(d time.Duration) Option {
	return func(f *Flow) { f.interval = d }
}

// New builds a Flow with production defaults.
func New(store vault.Store, opts ...Option) *Flow {
	f := &Flow{
		store:    store,
		now:      time.Now,
		interval: DefaultInterval,
		expiry:   DefaultExpiry,
		tokenTTL: DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Interval is the minimum poll spacing clients must honor.
func (f *Flow) Interval() time.Duration { return f.interval }

// Initiate opens a new pending session and returns it with both codes set.
// The device code goes to the polling machine, the user code to the human.
func (f *Flow) Initiate(ctx context.Context) (*vault.DeviceSession, error) {
	deviceCode, err := auth.RandomURLToken(deviceCodeBytes)
	if err != nil {
		return nil, fmt.Errorf("deviceauth: device code: %w", err)
	}
	userCode, err := newUserCode()
	if err != nil {
		return nil, fmt.Errorf("deviceauth: user code: %w", err)
	}
	now := f.now().UTC()
	sess := &vault.DeviceSession{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		Status:     vault.DeviceStatusPending,
		ExpiresAt:  now.Add(f.expiry),
		CreatedAt:  now,
	}
	if err := f.store.DeviceSessions().Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Find looks up a session by user code, for the approval page.
func (f *Flow) Find(ctx context.Context, userCode string) (*vault.DeviceSession, error) {
	return f.store.DeviceSessions().FindByUserCode(ctx, NormalizeUserCode(userCode))
}

// Approve resolves the session named by the user code in favor of identity.
// The issued token will act as that identity. First resolution wins.
func (f *Flow) Approve(ctx context.Context, userCode, identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity required", vault.ErrInvalidInput)
	}
	return f.resolve(ctx, userCode, vault.DeviceStatusApproved, identity)
}

// Deny resolves the session named by the user code as rejected.
func (f *Flow) Deny(ctx context.Context, userCode string) error {
	return f.resolve(ctx, userCode, vault.DeviceStatusDenied, "")
}

func (f *Flow) resolve(ctx context.Context, userCode string, status vault.DeviceStatus, identity string) error {
	sess, err := f.store.DeviceSessions().FindByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		return err
	}
	if f.now().After(sess.ExpiresAt) {
		return ErrExpiredToken
	}
	// The store transition is conditional on pending, so of two concurrent
	// resolutions exactly one commits; the loser sees ErrAlreadyResolved.
	return f.store.DeviceSessions().Transition(ctx, sess.ID, vault.DeviceStatusPending, status, identity)
}

// Exchange is the device's poll. It returns a bearer token exactly once, when
// the session has been approved; every other state maps to one of the poll
// errors. Each poll stamps LastPollAt, and polls spaced closer than the
// interval are throttled regardless of session state.
func (f *Flow) Exchange(ctx context.Context, deviceCode string) (token string, expiresAt time.Time, err error) {
	sess, err := f.store.DeviceSessions().FindByDeviceCode(ctx, deviceCode)
	if err != nil {
		// Unknown device codes are indistinguishable from dead ones.
		return "", time.Time{}, ErrExpiredToken
	}
	now := f.now().UTC()
	tooFast := now.Sub(sess.LastPollAt) < f.interval
	if err := f.store.DeviceSessions().Touch(ctx, sess.ID, now); err != nil {
		return "", time.Time{}, err
	}
	if now.After(sess.ExpiresAt) {
		return "", time.Time{}, ErrExpiredToken
	}
	if tooFast {
		return "", time.Time{}, ErrSlowDown
	}
	switch sess.Status {
	case vault.DeviceStatusPending:
		return "", time.Time{}, ErrAuthorizationPending
	case vault.DeviceStatusDenied:
		return "", time.Time{}, ErrAccessDenied
	case vault.DeviceStatusExpired:
		return "", time.Time{}, ErrExpiredToken
	}
	return f.issue(ctx, sess)
}

func (f *Flow) issue(ctx context.Context, sess *vault.DeviceSession) (string, time.Time, error) {
	// Consume the session before minting: later polls with the same device
	// code are dead, and a concurrent poll racing this one loses here rather
	// than walking away with a second token.
	err := f.store.DeviceSessions().Transition(ctx, sess.ID,
		vault.DeviceStatusApproved, vault.DeviceStatusExpired, "")
	if errors.Is(err, vault.ErrAlreadyResolved) {
		return "", time.Time{}, ErrExpiredToken
	}
	if err != nil {
		return "", time.Time{}, err
	}
	token, tokenID, err := auth.GenerateToken(sess.Identity, f.tokenTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	now := f.now().UTC()
	expiresAt := now.Add(f.tokenTTL)
	record := &vault.Token{
		ID:        tokenID,
		Identity:  sess.Identity,
		Hash:      auth.HashToken(token),
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if err := f.store.Tokens().Create(ctx, record); err != nil {
		return "", time.Time{}, err
	}
	if f.recorder != nil {
		_ = f.recorder.Record(ctx, vault.AuditEvent{
			Action: vault.ActionTokenIssued,
			Actor:  sess.Identity,
			Context: map[string]string{"token_id": tokenID, "via": "device_flow"},
		})
	}
	return token, expiresAt, nil
}

// NormalizeUserCode maps operator input onto the stored form: uppercase,
// grouped as XXXX-XXXX, tolerant of spacing and a missing hyphen.
func NormalizeUserCode(code string) string {
	cleaned := strings.ToUpper(strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, code))
	if len(cleaned) != userCodeLength {
		return strings.ToUpper(strings.TrimSpace(code))
	}
	return cleaned[:4] + "-" + cleaned[4:]
}

func newUserCode() (string, error) {
	max := big.NewInt(int64(len(userCodeAlphabet)))
	buf := make([]byte, userCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = userCodeAlphabet[n.Int64()]
	}
	return string(buf[:4]) + "-" + string(buf[4:]), nil
}
