package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/license"
)

func seedLicense(t *testing.T, s *Store, maxDevices uint32) *license.License {
	t.Helper()
	p, err := license.NewPayload(uuid.New(), "pro", "a@example.com", 1, maxDevices, nil, time.Now(), nil)
	require.NoError(t, err)
	l := &license.License{Payload: p, LicenseKey: "KEY", Status: license.StatusActive}
	require.NoError(t, s.CreateLicense(context.Background(), l))
	return l
}

func TestCreateAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	l := seedLicense(t, s, 1)

	assert.ErrorIs(t, s.CreateLicense(ctx, l), license.ErrConflict)

	got, err := s.GetLicense(ctx, l.ID())
	require.NoError(t, err)
	got.Payload.Features["mutated"] = struct{}{}
	again, err := s.GetLicense(ctx, l.ID())
	require.NoError(t, err)
	assert.False(t, again.Payload.HasFeature("mutated"), "returned records are copies")

	_, err = s.GetLicense(ctx, uuid.New())
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestTransitionStatusIsCompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	l := seedLicense(t, s, 1)
	rec := license.AuditRecord{ID: "1", LicenseID: l.ID(), From: license.StatusActive, To: license.StatusSuspended}

	require.NoError(t, s.TransitionStatus(ctx, l.ID(), license.StatusActive, license.StatusSuspended, nil, rec))
	err := s.TransitionStatus(ctx, l.ID(), license.StatusActive, license.StatusSuspended, nil, rec)
	assert.ErrorIs(t, err, license.ErrConflict)

	audit, err := s.ListAudit(ctx, l.ID())
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestReplacePayloadChecksNonce(t *testing.T) {
	s := New()
	ctx := context.Background()
	l := seedLicense(t, s, 1)
	next, err := l.Payload.Reissue(time.Now())
	require.NoError(t, err)

	require.NoError(t, s.ReplacePayload(ctx, l.ID(), l.Payload.Nonce, next, "NEW", time.Now()))
	assert.ErrorIs(t, s.ReplacePayload(ctx, l.ID(), l.Payload.Nonce, next, "NEWER", time.Now()), license.ErrConflict)

	got, err := s.GetLicense(ctx, l.ID())
	require.NoError(t, err)
	assert.Equal(t, "NEW", got.LicenseKey)
}

func TestBindingLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	l := seedLicense(t, s, 1)
	now := time.Now()

	b := license.DeviceBinding{ID: "b1", LicenseID: l.ID(), FingerprintHash: "h1", IsActive: true, FirstActivatedAt: now, LastSeenAt: now}
	got, created, err := s.BindDevice(ctx, b)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "b1", got.ID)

	dup := b
	dup.ID = "b1-dup"
	got, created, err = s.BindDevice(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "b1", got.ID)

	_, _, err = s.BindDevice(ctx, license.DeviceBinding{ID: "b2", LicenseID: l.ID(), FingerprintHash: "h2", IsActive: true})
	assert.ErrorIs(t, err, license.ErrQuotaExceeded)

	_, err = s.UnbindDevice(ctx, "b1", "user", now)
	require.NoError(t, err)
	_, err = s.UnbindDevice(ctx, "b1", "user", now)
	require.NoError(t, err, "second unbind is a no-op")

	stored, err := s.GetLicense(ctx, l.ID())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), stored.CurrentDeviceCount)

	_, err = s.FindActiveBinding(ctx, l.ID(), "h1")
	assert.ErrorIs(t, err, license.ErrBindingNotFound)

	_, created, err = s.BindDevice(ctx, license.DeviceBinding{ID: "b3", LicenseID: l.ID(), FingerprintHash: "h1", IsActive: true})
	require.NoError(t, err)
	assert.True(t, created, "a released fingerprint can bind again")

	all, err := s.ListBindings(ctx, l.ID(), false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := s.ListBindings(ctx, l.ID(), true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	n, err := s.ReleaseDevices(ctx, l.ID(), "revoked", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGracePeriods(t *testing.T) {
	s := New()
	ctx := context.Background()
	l := seedLicense(t, s, 1)
	now := time.Now()

	g, err := s.GetOpenGrace(ctx, l.ID())
	require.NoError(t, err)
	assert.Nil(t, g)

	require.NoError(t, s.OpenGrace(ctx, license.GracePeriod{LicenseID: l.ID(), StartedAt: now, EndsAt: now.Add(time.Hour)}))
	assert.ErrorIs(t, s.OpenGrace(ctx, license.GracePeriod{LicenseID: l.ID(), StartedAt: now, EndsAt: now.Add(time.Hour)}), license.ErrGraceOpen)

	require.NoError(t, s.CloseGrace(ctx, l.ID(), license.GraceRenewed, now))
	g, err = s.GetOpenGrace(ctx, l.ID())
	require.NoError(t, err)
	assert.Nil(t, g)
	require.NoError(t, s.OpenGrace(ctx, license.GracePeriod{LicenseID: l.ID(), StartedAt: now, EndsAt: now.Add(time.Hour)}))
}

func TestEventsWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, license.ValidationEvent{ID: string(rune('a' + i)), LicenseID: id, Timestamp: base.Add(time.Duration(i) * time.Hour)}))
	}

	got, err := s.ListEvents(ctx, id, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "e", got[2].ID)
}
