package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/license"
)

var licenseCols = []string{"id", "plan_code", "licensee_email", "max_users", "max_devices", "features", "issued_at",
	"expires_at", "nonce", "license_key", "status", "revocation_reason", "current_device_count", "created_at", "updated_at"}

var bindingCols = []string{"id", "license_id", "fingerprint_hash", "device_name", "hardware_digest", "first_activated_at",
	"last_seen_at", "is_active", "deactivated_at", "deactivation_reason"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db), mock
}

func TestGetLicense(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expires := issued.AddDate(1, 0, 0)
	nonce := make([]byte, license.NonceSize)
	nonce[3] = 9

	mock.ExpectQuery(`select .* from licenses where id = \$1`).WithArgs(id).
		WillReturnRows(sqlmock.NewRows(licenseCols).AddRow(
			id.String(), "pro", "a@example.com", int64(5), int64(3), []byte(`["api","export"]`), issued,
			expires, nonce, "KEY", "suspended", "chargeback", int64(2), issued, issued,
		))

	l, err := s.GetLicense(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, l.ID())
	assert.Equal(t, uint32(3), l.Payload.MaxDevices)
	assert.True(t, l.Payload.HasFeature("export"))
	assert.True(t, expires.Equal(*l.Payload.ExpiresAt))
	assert.Equal(t, byte(9), l.Payload.Nonce[3])
	assert.Equal(t, license.StatusSuspended, l.Status)
	require.NotNil(t, l.RevocationReason)
	assert.Equal(t, uint32(2), l.CurrentDeviceCount)
}

func TestGetLicenseNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from licenses where id`).WillReturnRows(sqlmock.NewRows(licenseCols))

	_, err := s.GetLicense(context.Background(), uuid.New())
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestCreateLicenseDuplicate(t *testing.T) {
	s, mock := newMock(t)
	p, err := license.NewPayload(uuid.New(), "pro", "a@example.com", 1, 1, []string{"x"}, time.Now(), nil)
	require.NoError(t, err)

	mock.ExpectExec(`insert into licenses`).WillReturnError(&pgconn.PgError{Code: "23505"})
	err = s.CreateLicense(context.Background(), &license.License{Payload: p, Status: license.StatusActive})
	assert.ErrorIs(t, err, license.ErrConflict)
}

func TestBindDevice(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	b := license.DeviceBinding{ID: "01B", LicenseID: id, FingerprintHash: "hash", DeviceName: "pc", FirstActivatedAt: now, LastSeenAt: now}

	t.Run("creates binding", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`select max_devices, current_device_count from licenses where id = \$1 for update`).WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"max_devices", "current_device_count"}).AddRow(3, 2))
		mock.ExpectQuery(`from device_bindings where license_id = \$1 and fingerprint_hash = \$2 and is_active`).WithArgs(id, "hash").
			WillReturnRows(sqlmock.NewRows(bindingCols))
		mock.ExpectExec(`insert into device_bindings`).WithArgs("01B", id, "hash", "pc", "", now, now).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`update licenses set current_device_count = current_device_count \+ 1`).WithArgs(id, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		got, created, err := s.BindDevice(context.Background(), b)
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, got.IsActive)
	})

	t.Run("quota exceeded", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`for update`).WillReturnRows(sqlmock.NewRows([]string{"max_devices", "current_device_count"}).AddRow(3, 3))
		mock.ExpectQuery(`from device_bindings`).WillReturnRows(sqlmock.NewRows(bindingCols))
		mock.ExpectRollback()

		_, _, err := s.BindDevice(context.Background(), b)
		assert.ErrorIs(t, err, license.ErrQuotaExceeded)
	})

	t.Run("already bound", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`for update`).WillReturnRows(sqlmock.NewRows([]string{"max_devices", "current_device_count"}).AddRow(3, 3))
		mock.ExpectQuery(`from device_bindings`).WillReturnRows(sqlmock.NewRows(bindingCols).
			AddRow("01A", id.String(), "hash", "pc", "", now, now, true, nil, ""))
		mock.ExpectCommit()

		got, created, err := s.BindDevice(context.Background(), b)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "01A", got.ID)
	})

	t.Run("unknown license", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`for update`).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, _, err := s.BindDevice(context.Background(), b)
		assert.ErrorIs(t, err, license.ErrNotFound)
	})
}

func TestUnbindDevice(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`from device_bindings where id = \$1 for update`).WithArgs("01A").
		WillReturnRows(sqlmock.NewRows(bindingCols).AddRow("01A", id.String(), "hash", "pc", "", now, now, true, nil, ""))
	mock.ExpectExec(`update device_bindings set is_active = false`).WithArgs("01A", now, "user").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`current_device_count = current_device_count - 1`).WithArgs(id, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b, err := s.UnbindDevice(context.Background(), "01A", "user", now)
	require.NoError(t, err)
	assert.False(t, b.IsActive)
	assert.Equal(t, "user", b.DeactivationReason)
}

func TestTransitionStatus(t *testing.T) {
	id := uuid.New()
	rec := license.AuditRecord{ID: "01X", LicenseID: id, From: license.StatusActive, To: license.StatusSuspended,
		Reason: "risk", Actor: license.ActorRisk, Timestamp: time.Now()}

	t.Run("applies and audits", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`update licenses`).WithArgs(id, "active", "suspended", nil, rec.Timestamp).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`insert into audit_records`).WithArgs("01X", id, "active", "suspended", "risk", license.ActorRisk, rec.Timestamp).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, s.TransitionStatus(context.Background(), id, license.StatusActive, license.StatusSuspended, nil, rec))
	})

	t.Run("stale status conflicts", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`update licenses`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`select 1 from licenses where id = \$1`).WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		mock.ExpectRollback()

		err := s.TransitionStatus(context.Background(), id, license.StatusActive, license.StatusSuspended, nil, rec)
		assert.ErrorIs(t, err, license.ErrConflict)
	})
}

func TestOpenGraceAlreadyOpen(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into grace_periods`).WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := s.OpenGrace(context.Background(), license.GracePeriod{LicenseID: uuid.New(), StartedAt: time.Now(), EndsAt: time.Now()})
	assert.ErrorIs(t, err, license.ErrGraceOpen)
}

func TestGetOpenGraceNone(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from grace_periods`).WillReturnRows(sqlmock.NewRows([]string{"started_at", "ends_at"}))

	g, err := s.GetOpenGrace(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestListEvents(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`from validation_events where license_id = \$1 and ts >= \$2 order by seq`).WithArgs(id, since).
		WillReturnRows(sqlmock.NewRows([]string{"id", "license_id", "fingerprint_hash", "hardware_digest", "ip_address", "mode", "ts", "result", "reject_reason"}).
			AddRow("e1", id.String(), "h", "", "10.0.0.1", "online", since, "accepted", nil).
			AddRow("e2", id.String(), "h", "", "10.0.0.1", "online", since.Add(time.Minute), "rejected", "DeviceQuotaExceeded"))

	events, err := s.ListEvents(context.Background(), id, since)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].RejectReason)
	require.NotNil(t, events[1].RejectReason)
	assert.Equal(t, license.ReasonDeviceQuotaExceeded, *events[1].RejectReason)
	assert.Equal(t, license.ResultRejected, events[1].Result)
}

func TestReleaseDevices(t *testing.T) {
	s, mock := newMock(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`update device_bindings set is_active = false`).WithArgs(id, now, "revoked").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`update licenses set current_device_count = 0`).WithArgs(id, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.ReleaseDevices(context.Background(), id, "revoked", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
