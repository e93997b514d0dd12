// Package postgres stores licenses in PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"licensecore/internal/license"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store implements license.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ license.Store = (*Store)(nil)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects with the pgx driver. It does not touch the network; use Ping.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const licenseColumns = `id, plan_code, licensee_email, max_users, max_devices, features, issued_at, expires_at,
	nonce, license_key, status, revocation_reason, current_device_count, created_at, updated_at`

func (s *Store) CreateLicense(ctx context.Context, l *license.License) error {
	features, err := json.Marshal(l.Payload.Features)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into licenses (`+licenseColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		l.ID(), l.Payload.PlanCode, l.Payload.LicenseeEmail, int64(l.Payload.MaxUsers), int64(l.Payload.MaxDevices),
		string(features), l.Payload.IssuedAt, nullTime(l.Payload.ExpiresAt), l.Payload.Nonce[:], l.LicenseKey,
		string(l.Status), nullString(l.RevocationReason), int64(l.CurrentDeviceCount), l.CreatedAt, l.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return license.ErrConflict
	}
	return err
}

func (s *Store) GetLicense(ctx context.Context, id uuid.UUID) (*license.License, error) {
	row := s.db.QueryRowContext(ctx, `select `+licenseColumns+` from licenses where id = $1`, id)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrNotFound
	}
	return l, err
}

func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, from, to license.Status, reason *string, rec license.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `update licenses
		set status = $3, revocation_reason = coalesce($4, revocation_reason), updated_at = $5
		where id = $1 and status = $2`,
		id, string(from), string(to), nullString(reason), rec.Timestamp)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return s.missingOrConflict(ctx, tx, id)
	}

	if _, err := tx.ExecContext(ctx, `insert into audit_records (id, license_id, from_status, to_status, reason, actor, ts)
		values ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, id, string(rec.From), string(rec.To), rec.Reason, rec.Actor, rec.Timestamp); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ReplacePayload(ctx context.Context, id uuid.UUID, prevNonce [license.NonceSize]byte, next license.Payload, key string, at time.Time) error {
	features, err := json.Marshal(next.Features)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `update licenses
		set plan_code = $3, licensee_email = $4, max_users = $5, max_devices = $6, features = $7,
			issued_at = $8, expires_at = $9, nonce = $10, license_key = $11, updated_at = $12
		where id = $1 and nonce = $2`,
		id, prevNonce[:], next.PlanCode, next.LicenseeEmail, int64(next.MaxUsers), int64(next.MaxDevices),
		string(features), next.IssuedAt, nullTime(next.ExpiresAt), next.Nonce[:], key, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missingOrConflict(ctx, s.db, id)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, id uuid.UUID) ([]license.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `select id, license_id, from_status, to_status, reason, actor, ts
		from audit_records where license_id = $1 order by seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []license.AuditRecord
	for rows.Next() {
		var (
			r        license.AuditRecord
			from, to string
		)
		if err := rows.Scan(&r.ID, &r.LicenseID, &from, &to, &r.Reason, &r.Actor, &r.Timestamp); err != nil {
			return nil, err
		}
		r.From, r.To = license.Status(from), license.Status(to)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) OpenGrace(ctx context.Context, g license.GracePeriod) error {
	_, err := s.db.ExecContext(ctx, `insert into grace_periods (license_id, started_at, ends_at) values ($1,$2,$3)`,
		g.LicenseID, g.StartedAt, g.EndsAt)
	if isUniqueViolation(err) {
		return license.ErrGraceOpen
	}
	return err
}

func (s *Store) GetOpenGrace(ctx context.Context, id uuid.UUID) (*license.GracePeriod, error) {
	g := license.GracePeriod{LicenseID: id}
	err := s.db.QueryRowContext(ctx, `select started_at, ends_at from grace_periods
		where license_id = $1 and closed_at is null`, id).Scan(&g.StartedAt, &g.EndsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) CloseGrace(ctx context.Context, id uuid.UUID, outcome license.GraceOutcome, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `update grace_periods set closed_at = $2, outcome = $3
		where license_id = $1 and closed_at is null`, id, at, string(outcome))
	return err
}

func (s *Store) AppendTransfer(ctx context.Context, t license.Transfer) error {
	_, err := s.db.ExecContext(ctx, `insert into transfers (id, license_id, from_email, to_email, actor, at)
		values ($1,$2,$3,$4,$5,$6)`, t.ID, t.LicenseID, t.FromEmail, t.ToEmail, t.Actor, t.At)
	return err
}

func (s *Store) ListTransfers(ctx context.Context, id uuid.UUID) ([]license.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, `select id, license_id, from_email, to_email, actor, at
		from transfers where license_id = $1 order by seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []license.Transfer
	for rows.Next() {
		var t license.Transfer
		if err := rows.Scan(&t.ID, &t.LicenseID, &t.FromEmail, &t.ToEmail, &t.Actor, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// BindDevice locks the license row so concurrent activations serialize on
// the quota check. The partial unique index backs the one-active-binding
// rule if a writer ever bypasses the lock.
func (s *Store) BindDevice(ctx context.Context, b license.DeviceBinding) (*license.DeviceBinding, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxDevices, count int64
	err = tx.QueryRowContext(ctx, `select max_devices, current_device_count from licenses where id = $1 for update`,
		b.LicenseID).Scan(&maxDevices, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, license.ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	existing, err := scanBinding(tx.QueryRowContext(ctx, `select `+bindingColumns+` from device_bindings
		where license_id = $1 and fingerprint_hash = $2 and is_active`, b.LicenseID, b.FingerprintHash))
	switch {
	case err == nil:
		return existing, false, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, err
	}

	if count >= maxDevices {
		return nil, false, license.ErrQuotaExceeded
	}
	if _, err := tx.ExecContext(ctx, `insert into device_bindings
		(id, license_id, fingerprint_hash, device_name, hardware_digest, first_activated_at, last_seen_at, is_active)
		values ($1,$2,$3,$4,$5,$6,$7,true)`,
		b.ID, b.LicenseID, b.FingerprintHash, b.DeviceName, b.HardwareDigest, b.FirstActivatedAt, b.LastSeenAt); err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `update licenses set current_device_count = current_device_count + 1, updated_at = $2
		where id = $1`, b.LicenseID, b.FirstActivatedAt); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	b.IsActive = true
	return &b, true, nil
}

func (s *Store) UnbindDevice(ctx context.Context, bindingID, reason string, at time.Time) (*license.DeviceBinding, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	b, err := scanBinding(tx.QueryRowContext(ctx, `select `+bindingColumns+` from device_bindings where id = $1 for update`, bindingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	if !b.IsActive {
		return b, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `update device_bindings set is_active = false, deactivated_at = $2, deactivation_reason = $3
		where id = $1`, bindingID, at, reason); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `update licenses set current_device_count = current_device_count - 1, updated_at = $2
		where id = $1 and current_device_count > 0`, b.LicenseID, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	b.IsActive = false
	b.DeactivatedAt = &at
	b.DeactivationReason = reason
	return b, nil
}

func (s *Store) ReleaseDevices(ctx context.Context, id uuid.UUID, reason string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `update device_bindings set is_active = false, deactivated_at = $2, deactivation_reason = $3
		where license_id = $1 and is_active`, id, at, reason)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `update licenses set current_device_count = 0, updated_at = $2 where id = $1`, id, at); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *Store) GetBinding(ctx context.Context, bindingID string) (*license.DeviceBinding, error) {
	b, err := scanBinding(s.db.QueryRowContext(ctx, `select `+bindingColumns+` from device_bindings where id = $1`, bindingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrBindingNotFound
	}
	return b, err
}

func (s *Store) FindActiveBinding(ctx context.Context, id uuid.UUID, hash string) (*license.DeviceBinding, error) {
	b, err := scanBinding(s.db.QueryRowContext(ctx, `select `+bindingColumns+` from device_bindings
		where license_id = $1 and fingerprint_hash = $2 and is_active`, id, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, license.ErrBindingNotFound
	}
	return b, err
}

func (s *Store) ListBindings(ctx context.Context, id uuid.UUID, activeOnly bool) ([]license.DeviceBinding, error) {
	rows, err := s.db.QueryContext(ctx, `select `+bindingColumns+` from device_bindings
		where license_id = $1 and (is_active or not $2) order by first_activated_at, id`, id, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []license.DeviceBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *Store) TouchBinding(ctx context.Context, bindingID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `update device_bindings set last_seen_at = $2 where id = $1`, bindingID, at)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, e license.ValidationEvent) error {
	var reason sql.NullString
	if e.RejectReason != nil {
		reason = sql.NullString{String: string(*e.RejectReason), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `insert into validation_events
		(id, license_id, fingerprint_hash, hardware_digest, ip_address, mode, ts, result, reject_reason)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.LicenseID, e.FingerprintHash, e.HardwareDigest, e.IPAddress, string(e.Mode), e.Timestamp, string(e.Result), reason)
	return err
}

// ListEvents returns events in insertion order, which is arrival order.
func (s *Store) ListEvents(ctx context.Context, id uuid.UUID, since time.Time) ([]license.ValidationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `select id, license_id, fingerprint_hash, hardware_digest, ip_address, mode, ts, result, reject_reason
		from validation_events where license_id = $1 and ts >= $2 order by seq`, id, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []license.ValidationEvent
	for rows.Next() {
		var (
			e            license.ValidationEvent
			mode, result string
			reason       sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.LicenseID, &e.FingerprintHash, &e.HardwareDigest, &e.IPAddress, &mode, &e.Timestamp, &result, &reason); err != nil {
			return nil, err
		}
		e.Mode, e.Result = license.Mode(mode), license.Result(result)
		if reason.Valid {
			r := license.Reason(reason.String)
			e.RejectReason = &r
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const bindingColumns = `id, license_id, fingerprint_hash, device_name, hardware_digest, first_activated_at, last_seen_at,
	is_active, deactivated_at, deactivation_reason`

type scanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanLicense(row scanner) (*license.License, error) {
	var (
		l                 license.License
		maxUsers, maxDevs int64
		count             int64
		features          []byte
		expires           sql.NullTime
		nonce             []byte
		status            string
		revocation        sql.NullString
	)
	if err := row.Scan(&l.Payload.LicenseID, &l.Payload.PlanCode, &l.Payload.LicenseeEmail, &maxUsers, &maxDevs,
		&features, &l.Payload.IssuedAt, &expires, &nonce, &l.LicenseKey, &status, &revocation, &count,
		&l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(features, &l.Payload.Features); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	if len(nonce) != license.NonceSize {
		return nil, fmt.Errorf("stored nonce has %d bytes", len(nonce))
	}
	copy(l.Payload.Nonce[:], nonce)
	l.Payload.MaxUsers = uint32(maxUsers)
	l.Payload.MaxDevices = uint32(maxDevs)
	l.Payload.IssuedAt = l.Payload.IssuedAt.UTC()
	if expires.Valid {
		exp := expires.Time.UTC()
		l.Payload.ExpiresAt = &exp
	}
	l.Status = license.Status(status)
	if revocation.Valid {
		r := revocation.String
		l.RevocationReason = &r
	}
	l.CurrentDeviceCount = uint32(count)
	return &l, nil
}

func scanBinding(row scanner) (*license.DeviceBinding, error) {
	var (
		b           license.DeviceBinding
		deactivated sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.LicenseID, &b.FingerprintHash, &b.DeviceName, &b.HardwareDigest,
		&b.FirstActivatedAt, &b.LastSeenAt, &b.IsActive, &deactivated, &b.DeactivationReason); err != nil {
		return nil, err
	}
	if deactivated.Valid {
		t := deactivated.Time
		b.DeactivatedAt = &t
	}
	return &b, nil
}

// missingOrConflict explains a guarded update that matched no row.
func (s *Store) missingOrConflict(ctx context.Context, q queryRower, id uuid.UUID) error {
	var one int
	err := q.QueryRowContext(ctx, `select 1 from licenses where id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return license.ErrNotFound
	}
	if err != nil {
		return err
	}
	return license.ErrConflict
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
