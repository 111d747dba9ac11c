// Package pg implements vault.Store on PostgreSQL through the pgx stdlib
// driver. Error mapping mirrors the in-memory store: unique violations become
// vault.ErrAlreadyExists, missing rows vault.ErrNotFound, and the approval
// resolve is a conditional update so exactly one terminal transition wins.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"keywarden.org/internal/ids"
	"keywarden.org/internal/vault"
)

const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ vault.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (used by sqlmock tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Resources() vault.ResourceStore           { return (*pgResources)(s) }
func (s *Store) Guardians() vault.GuardianStore           { return (*pgGuardians)(s) }
func (s *Store) Fields() vault.FieldStore                 { return (*pgFields)(s) }
func (s *Store) TOTP() vault.TOTPStore                    { return (*pgTOTP)(s) }
func (s *Store) Approvals() vault.ApprovalStore           { return (*pgApprovals)(s) }
func (s *Store) Tokens() vault.TokenStore                 { return (*pgTokens)(s) }
func (s *Store) DeviceSessions() vault.DeviceSessionStore { return (*pgSessions)(s) }
func (s *Store) Audit() vault.AuditStore                  { return (*pgAudit)(s) }

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return vault.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return vault.ErrAlreadyExists
	}
	return err
}

// Resources -----------------------------------------------------------------

type pgResources Store

const resourceColumns = `id, name, mode, api_key_id, api_key_hash, coalesce(totp_credential_id,''), created_at, updated_at`

func scanResource(row interface{ Scan(...any) error }) (*vault.Resource, error) {
	var res vault.Resource
	err := row.Scan(&res.ID, &res.Name, &res.Mode, &res.APIKeyID, &res.APIKeyHash,
		&res.TOTPCredentialID, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &res, nil
}

func (s *pgResources) Create(ctx context.Context, res *vault.Resource) error {
	if res.ID == "" {
		res.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into resources(id, name, mode, api_key_id, api_key_hash, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, res.ID, res.Name, res.Mode, res.APIKeyID, res.APIKeyHash, res.CreatedAt, res.UpdatedAt)
	return mapErr(err)
}

func (s *pgResources) Find(ctx context.Context, id string) (*vault.Resource, error) {
	return scanResource(s.db.QueryRowContext(ctx,
		`select `+resourceColumns+` from resources where id=$1`, id))
}

func (s *pgResources) FindByAPIKeyID(ctx context.Context, keyID string) (*vault.Resource, error) {
	if keyID == "" {
		return nil, vault.ErrNotFound
	}
	return scanResource(s.db.QueryRowContext(ctx,
		`select `+resourceColumns+` from resources where api_key_id=$1`, keyID))
}

func (s *pgResources) List(ctx context.Context) ([]*vault.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `select `+resourceColumns+` from resources order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*vault.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *pgResources) UpdateAPIKey(ctx context.Context, id, keyID, keyHash string) error {
	return execExpectingRow(ctx, s.db, `
		update resources set api_key_id=$2, api_key_hash=$3, updated_at=now() where id=$1
	`, id, keyID, keyHash)
}

func (s *pgResources) LinkTOTP(ctx context.Context, id, credentialID string) error {
	return execExpectingRow(ctx, s.db, `
		update resources set totp_credential_id=$2, updated_at=now() where id=$1
	`, id, credentialID)
}

// Guardians -----------------------------------------------------------------

type pgGuardians Store

func (s *pgGuardians) Add(ctx context.Context, g *vault.Guardian) error {
	res, err := s.db.ExecContext(ctx, `
		insert into guardians(resource_id, identity, role, created_at)
		select $1,$2,$3,$4 where exists (select 1 from resources where id=$1)
	`, g.ResourceID, g.Identity, g.Role, g.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vault.ErrNotFound
	}
	return nil
}

func (s *pgGuardians) Remove(ctx context.Context, resourceID, identity string) error {
	return execExpectingRow(ctx, s.db,
		`delete from guardians where resource_id=$1 and identity=$2`, resourceID, identity)
}

func (s *pgGuardians) ListByResource(ctx context.Context, resourceID string) ([]*vault.Guardian, error) {
	rows, err := s.db.QueryContext(ctx, `
		select resource_id, identity, role, created_at
		from guardians where resource_id=$1 order by created_at asc
	`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*vault.Guardian, 0)
	for rows.Next() {
		var g vault.Guardian
		if err := rows.Scan(&g.ResourceID, &g.Identity, &g.Role, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *pgGuardians) Find(ctx context.Context, resourceID, identity string) (*vault.Guardian, error) {
	var g vault.Guardian
	err := s.db.QueryRowContext(ctx, `
		select resource_id, identity, role, created_at
		from guardians where resource_id=$1 and identity=$2
	`, resourceID, identity).Scan(&g.ResourceID, &g.Identity, &g.Role, &g.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

// Fields --------------------------------------------------------------------

type pgFields Store

func (s *pgFields) Create(ctx context.Context, f *vault.Field) error {
	if f.ID == "" {
		f.ID = ids.New()
	}
	res, err := s.db.ExecContext(ctx, `
		insert into fields(id, resource_id, name, ciphertext, created_at, updated_at)
		select $1,$2,$3,$4,$5,$6 where exists (select 1 from resources where id=$2)
	`, f.ID, f.ResourceID, f.Name, f.Ciphertext, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vault.ErrNotFound
	}
	return nil
}

func (s *pgFields) Find(ctx context.Context, resourceID, name string) (*vault.Field, error) {
	var f vault.Field
	err := s.db.QueryRowContext(ctx, `
		select id, resource_id, name, ciphertext, created_at, updated_at
		from fields where resource_id=$1 and name=$2
	`, resourceID, name).Scan(&f.ID, &f.ResourceID, &f.Name, &f.Ciphertext, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &f, nil
}

func (s *pgFields) ListByResource(ctx context.Context, resourceID string) ([]*vault.Field, error) {
	return s.list(ctx, `
		select id, resource_id, name, ciphertext, created_at, updated_at
		from fields where resource_id=$1 order by name asc
	`, resourceID)
}

func (s *pgFields) ListAll(ctx context.Context) ([]*vault.Field, error) {
	return s.list(ctx, `
		select id, resource_id, name, ciphertext, created_at, updated_at
		from fields order by id asc
	`)
}

func (s *pgFields) list(ctx context.Context, query string, args ...any) ([]*vault.Field, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*vault.Field
	for rows.Next() {
		var f vault.Field
		if err := rows.Scan(&f.ID, &f.ResourceID, &f.Name, &f.Ciphertext, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *pgFields) UpdateValue(ctx context.Context, id, ciphertext string) error {
	return execExpectingRow(ctx, s.db,
		`update fields set ciphertext=$2, updated_at=now() where id=$1`, id, ciphertext)
}

func (s *pgFields) Delete(ctx context.Context, resourceID, name string) error {
	return execExpectingRow(ctx, s.db,
		`delete from fields where resource_id=$1 and name=$2`, resourceID, name)
}

// TOTP ----------------------------------------------------------------------

type pgTOTP Store

func (s *pgTOTP) Create(ctx context.Context, c *vault.TOTPCredential) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into totp_credentials(id, owner_identity, label, secret_ciphertext, backup_ciphertext, shared, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, c.ID, c.OwnerIdentity, c.Label, c.SecretCiphertext, c.BackupCiphertext, c.Shared, c.CreatedAt, c.UpdatedAt)
	return mapErr(err)
}

func (s *pgTOTP) Find(ctx context.Context, id string) (*vault.TOTPCredential, error) {
	var c vault.TOTPCredential
	err := s.db.QueryRowContext(ctx, `
		select id, owner_identity, label, secret_ciphertext, backup_ciphertext, shared, created_at, updated_at
		from totp_credentials where id=$1
	`, id).Scan(&c.ID, &c.OwnerIdentity, &c.Label, &c.SecretCiphertext, &c.BackupCiphertext, &c.Shared, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *pgTOTP) ListAll(ctx context.Context) ([]*vault.TOTPCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, owner_identity, label, secret_ciphertext, backup_ciphertext, shared, created_at, updated_at
		from totp_credentials order by id asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*vault.TOTPCredential
	for rows.Next() {
		var c vault.TOTPCredential
		if err := rows.Scan(&c.ID, &c.OwnerIdentity, &c.Label, &c.SecretCiphertext, &c.BackupCiphertext, &c.Shared, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *pgTOTP) UpdateSecrets(ctx context.Context, id, secretCiphertext, backupCiphertext string) error {
	return execExpectingRow(ctx, s.db, `
		update totp_credentials set secret_ciphertext=$2, backup_ciphertext=$3, updated_at=now() where id=$1
	`, id, secretCiphertext, backupCiphertext)
}

// Approvals -----------------------------------------------------------------

type pgApprovals Store

const approvalColumns = `id, resource_id, status, requester, action, coalesce(reason,''), extra, expires_at, coalesce(resolved_by,''), resolved_at, created_at`

func scanApproval(row interface{ Scan(...any) error }) (*vault.ApprovalRequest, error) {
	var req vault.ApprovalRequest
	var extra []byte
	err := row.Scan(&req.ID, &req.ResourceID, &req.Status,
		&req.Context.Requester, &req.Context.Action, &req.Context.Reason,
		&extra, &req.ExpiresAt, &req.ResolvedBy, &req.ResolvedAt, &req.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(extra) > 0 {
		req.Context.Extra = json.RawMessage(extra)
	}
	return &req, nil
}

func (s *pgApprovals) Create(ctx context.Context, req *vault.ApprovalRequest) error {
	if req.ID == "" {
		req.ID = ids.New()
	}
	var extra any
	if len(req.Context.Extra) > 0 {
		extra = []byte(req.Context.Extra)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into approval_requests(id, resource_id, status, requester, action, reason, extra, expires_at, created_at)
		values ($1,$2,$3,$4,$5,nullif($6,''),$7,$8,$9)
	`, req.ID, req.ResourceID, req.Status, req.Context.Requester, req.Context.Action,
		req.Context.Reason, extra, req.ExpiresAt, req.CreatedAt)
	return mapErr(err)
}

func (s *pgApprovals) Find(ctx context.Context, id string) (*vault.ApprovalRequest, error) {
	return scanApproval(s.db.QueryRowContext(ctx,
		`select `+approvalColumns+` from approval_requests where id=$1`, id))
}

func (s *pgApprovals) FindActive(ctx context.Context, resourceID, requester string, now time.Time) (*vault.ApprovalRequest, error) {
	return scanApproval(s.db.QueryRowContext(ctx, `
		select `+approvalColumns+` from approval_requests
		where resource_id=$1 and requester=$2 and status='PENDING'
		  and (expires_at is null or expires_at > $3)
		order by created_at desc limit 1
	`, resourceID, requester, now))
}

func (s *pgApprovals) FindGranted(ctx context.Context, resourceID, requester string, now time.Time) (*vault.ApprovalRequest, error) {
	// The request expiry doubles as the grant window.
	return scanApproval(s.db.QueryRowContext(ctx, `
		select `+approvalColumns+` from approval_requests
		where resource_id=$1 and requester=$2 and status='APPROVED'
		  and (expires_at is null or expires_at > $3)
		order by created_at desc limit 1
	`, resourceID, requester, now))
}

func (s *pgApprovals) ListPending(ctx context.Context, resourceID string) ([]*vault.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+approvalColumns+` from approval_requests
		where resource_id=$1 and status='PENDING' order by created_at asc
	`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*vault.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *pgApprovals) Resolve(ctx context.Context, id string, status vault.RequestStatus, resolver string, at time.Time) error {
	// Conditional transition: only a still-pending request may resolve.
	res, err := s.db.ExecContext(ctx, `
		update approval_requests set status=$2, resolved_by=$3, resolved_at=$4
		where id=$1 and status='PENDING'
	`, id, status, resolver, at)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists (select 1 from approval_requests where id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return vault.ErrNotFound
	}
	return vault.ErrAlreadyResolved
}

func (s *pgApprovals) AddDecision(ctx context.Context, d *vault.ApprovalDecision) error {
	_, err := s.db.ExecContext(ctx, `
		insert into approval_decisions(request_id, resolver, decision, created_at)
		values ($1,$2,$3,$4)
		on conflict (request_id, resolver) do update
		set decision = excluded.decision, created_at = excluded.created_at
	`, d.RequestID, d.Resolver, d.Decision, d.CreatedAt)
	return mapErr(err)
}

func (s *pgApprovals) Decisions(ctx context.Context, requestID string) ([]*vault.ApprovalDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		select request_id, resolver, decision, created_at
		from approval_decisions where request_id=$1 order by created_at asc
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*vault.ApprovalDecision, 0)
	for rows.Next() {
		var d vault.ApprovalDecision
		if err := rows.Scan(&d.RequestID, &d.Resolver, &d.Decision, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Tokens --------------------------------------------------------------------

type pgTokens Store

func (s *pgTokens) Create(ctx context.Context, t *vault.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tokens(id, identity, hash, revoked, expires_at, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, t.ID, t.Identity, t.Hash, t.Revoked, t.ExpiresAt, t.CreatedAt)
	return mapErr(err)
}

func (s *pgTokens) Find(ctx context.Context, id string) (*vault.Token, error) {
	var t vault.Token
	err := s.db.QueryRowContext(ctx, `
		select id, identity, hash, revoked, expires_at, created_at from tokens where id=$1
	`, id).Scan(&t.ID, &t.Identity, &t.Hash, &t.Revoked, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *pgTokens) MarkRevoked(ctx context.Context, id string) error {
	return execExpectingRow(ctx, s.db, `update tokens set revoked=true where id=$1`, id)
}

// Device sessions -----------------------------------------------------------

type pgSessions Store

const sessionColumns = `id, device_code, user_code, status, coalesce(identity,''), last_poll_at, expires_at, created_at`

func scanSession(row interface{ Scan(...any) error }) (*vault.DeviceSession, error) {
	var sess vault.DeviceSession
	var lastPoll sql.NullTime
	err := row.Scan(&sess.ID, &sess.DeviceCode, &sess.UserCode, &sess.Status,
		&sess.Identity, &lastPoll, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if lastPoll.Valid {
		sess.LastPollAt = lastPoll.Time
	}
	return &sess, nil
}

func (s *pgSessions) Create(ctx context.Context, sess *vault.DeviceSession) error {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into device_sessions(id, device_code, user_code, status, expires_at, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, sess.ID, sess.DeviceCode, sess.UserCode, sess.Status, sess.ExpiresAt, sess.CreatedAt)
	return mapErr(err)
}

func (s *pgSessions) FindByDeviceCode(ctx context.Context, deviceCode string) (*vault.DeviceSession, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from device_sessions where device_code=$1`, deviceCode))
}

func (s *pgSessions) FindByUserCode(ctx context.Context, userCode string) (*vault.DeviceSession, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from device_sessions where user_code=$1`, userCode))
}

func (s *pgSessions) Touch(ctx context.Context, id string, at time.Time) error {
	return execExpectingRow(ctx, s.db,
		`update device_sessions set last_poll_at=$2 where id=$1`, id, at)
}

// Transition is conditional on the current status, same as the approval
/// resolve: exactly one resolution (or token issue) wins.
func (s *pgSessions) Transition(ctx context.Context, id string, from, to vault.DeviceStatus, identity string) error {
	res, err := s.db.ExecContext(ctx, `
		update device_sessions set status=$3, identity=coalesce(nullif($4,''), identity)
		where id=$1 and status=$2
	`, id, from, to, identity)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists (select 1 from device_sessions where id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return vault.ErrNotFound
	}
	return vault.ErrAlreadyResolved
}

// Audit ---------------------------------------------------------------------

type pgAudit Store

func (s *pgAudit) Append(ctx context.Context, event *vault.AuditEvent) error {
	var context any
	if len(event.Context) > 0 {
		data, err := json.Marshal(event.Context)
		if err != nil {
			return err
		}
		context = data
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events(id, action, resource_id, actor, resolver, status, context, created_at)
		values ($1,$2,nullif($3,''),nullif($4,''),nullif($5,''),nullif($6,''),$7,$8)
	`, event.ID, event.Action, event.ResourceID, event.Actor, event.Resolver, event.Status,
		context, event.CreatedAt)
	return mapErr(err)
}

func (s *pgAudit) List(ctx context.Context, limit int) ([]*vault.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, action, coalesce(resource_id,''), coalesce(actor,''), coalesce(resolver,''), coalesce(status,''), context, created_at
		from audit_events order by id desc limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*vault.AuditEvent
	for rows.Next() {
		var event vault.AuditEvent
		var context []byte
		if err := rows.Scan(&event.ID, &event.Action, &event.ResourceID, &event.Actor,
			&event.Resolver, &event.Status, &context, &event.CreatedAt); err != nil {
			return nil, err
		}
		if len(context) > 0 {
			if err := json.Unmarshal(context, &event.Context); err != nil {
				return nil, err
			}
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

// --- helpers ---

// execExpectingRow runs a statement that must touch exactly one row; zero rows
// means the target does not exist.
func execExpectingRow(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vault.ErrNotFound
	}
	return nil
}
