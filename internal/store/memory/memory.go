// Package memory is an in-process license store for single-node deployments
// and tests. One mutex guards every record, which makes device binding a
// plain check-and-increment.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensecore/internal/license"
)

// Store implements license.Store in memory.
type Store struct {
	mu        sync.RWMutex
	licenses  map[uuid.UUID]*license.License
	bindings  map[string]*license.DeviceBinding
	byLicense map[uuid.UUID][]string
	events    map[uuid.UUID][]license.ValidationEvent
	audit     map[uuid.UUID][]license.AuditRecord
	grace     map[uuid.UUID][]license.GracePeriod
	transfers map[uuid.UUID][]license.Transfer
}

var _ license.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		licenses:  make(map[uuid.UUID]*license.License),
		bindings:  make(map[string]*license.DeviceBinding),
		byLicense: make(map[uuid.UUID][]string),
		events:    make(map[uuid.UUID][]license.ValidationEvent),
		audit:     make(map[uuid.UUID][]license.AuditRecord),
		grace:     make(map[uuid.UUID][]license.GracePeriod),
		transfers: make(map[uuid.UUID][]license.Transfer),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateLicense(_ context.Context, l *license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[l.ID()]; ok {
		return license.ErrConflict
	}
	s.licenses[l.ID()] = cloneLicense(l)
	return nil
}

func (s *Store) GetLicense(_ context.Context, id uuid.UUID) (*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.licenses[id]
	if !ok {
		return nil, license.ErrNotFound
	}
	return cloneLicense(l), nil
}

func (s *Store) TransitionStatus(_ context.Context, id uuid.UUID, from, to license.Status, reason *string, rec license.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[id]
	if !ok {
		return license.ErrNotFound
	}
	if l.Status != from {
		return license.ErrConflict
	}
	l.Status = to
	l.UpdatedAt = rec.Timestamp
	if reason != nil {
		r := *reason
		l.RevocationReason = &r
	}
	s.audit[id] = append(s.audit[id], rec)
	return nil
}

func (s *Store) ReplacePayload(_ context.Context, id uuid.UUID, prevNonce [license.NonceSize]byte, next license.Payload, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[id]
	if !ok {
		return license.ErrNotFound
	}
	if l.Payload.Nonce != prevNonce {
		return license.ErrConflict
	}
	l.Payload = clonePayload(next)
	l.LicenseKey = key
	l.UpdatedAt = at
	return nil
}

func (s *Store) ListAudit(_ context.Context, id uuid.UUID) ([]license.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]license.AuditRecord(nil), s.audit[id]...), nil
}

func (s *Store) OpenGrace(_ context.Context, g license.GracePeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[g.LicenseID]; !ok {
		return license.ErrNotFound
	}
	for _, existing := range s.grace[g.LicenseID] {
		if existing.ClosedAt == nil {
			return license.ErrGraceOpen
		}
	}
	s.grace[g.LicenseID] = append(s.grace[g.LicenseID], g)
	return nil
}

func (s *Store) GetOpenGrace(_ context.Context, id uuid.UUID) (*license.GracePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grace[id] {
		if g.ClosedAt == nil {
			out := g
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) CloseGrace(_ context.Context, id uuid.UUID, outcome license.GraceOutcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	periods := s.grace[id]
	for i := range periods {
		if periods[i].ClosedAt == nil {
			closed, o := at, outcome
			periods[i].ClosedAt = &closed
			periods[i].Outcome = &o
		}
	}
	return nil
}

func (s *Store) AppendTransfer(_ context.Context, t license.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.LicenseID] = append(s.transfers[t.LicenseID], t)
	return nil
}

func (s *Store) ListTransfers(_ context.Context, id uuid.UUID) ([]license.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]license.Transfer(nil), s.transfers[id]...), nil
}

func (s *Store) BindDevice(_ context.Context, b license.DeviceBinding) (*license.DeviceBinding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[b.LicenseID]
	if !ok {
		return nil, false, license.ErrNotFound
	}
	if existing := s.activeBinding(b.LicenseID, b.FingerprintHash); existing != nil {
		out := *existing
		return &out, false, nil
	}
	if !l.HasDeviceCapacity() {
		return nil, false, license.ErrQuotaExceeded
	}
	stored := b
	s.bindings[b.ID] = &stored
	s.byLicense[b.LicenseID] = append(s.byLicense[b.LicenseID], b.ID)
	l.CurrentDeviceCount++
	out := stored
	return &out, true, nil
}

func (s *Store) UnbindDevice(_ context.Context, bindingID, reason string, at time.Time) (*license.DeviceBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingID]
	if !ok {
		return nil, license.ErrBindingNotFound
	}
	s.deactivate(b, reason, at)
	out := *b
	return &out, nil
}

func (s *Store) ReleaseDevices(_ context.Context, id uuid.UUID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, bid := range s.byLicense[id] {
		if b := s.bindings[bid]; b.IsActive {
			s.deactivate(b, reason, at)
			n++
		}
	}
	return n, nil
}

func (s *Store) GetBinding(_ context.Context, bindingID string) (*license.DeviceBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[bindingID]
	if !ok {
		return nil, license.ErrBindingNotFound
	}
	out := *b
	return &out, nil
}

func (s *Store) FindActiveBinding(_ context.Context, id uuid.UUID, hash string) (*license.DeviceBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.activeBinding(id, hash)
	if b == nil {
		return nil, license.ErrBindingNotFound
	}
	out := *b
	return &out, nil
}

func (s *Store) ListBindings(_ context.Context, id uuid.UUID, activeOnly bool) ([]license.DeviceBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []license.DeviceBinding
	for _, bid := range s.byLicense[id] {
		b := s.bindings[bid]
		if activeOnly && !b.IsActive {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (s *Store) TouchBinding(_ context.Context, bindingID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingID]
	if !ok {
		return license.ErrBindingNotFound
	}
	b.LastSeenAt = at
	return nil
}

func (s *Store) AppendEvent(_ context.Context, e license.ValidationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.LicenseID] = append(s.events[e.LicenseID], e)
	return nil
}

func (s *Store) ListEvents(_ context.Context, id uuid.UUID, since time.Time) ([]license.ValidationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []license.ValidationEvent
	for _, e := range s.events[id] {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) activeBinding(id uuid.UUID, hash string) *license.DeviceBinding {
	for _, bid := range s.byLicense[id] {
		if b := s.bindings[bid]; b.IsActive && b.FingerprintHash == hash {
			return b
		}
	}
	return nil
}

func (s *Store) deactivate(b *license.DeviceBinding, reason string, at time.Time) {
	if !b.IsActive {
		return
	}
	b.IsActive = false
	b.DeactivatedAt = &at
	b.DeactivationReason = reason
	if l, ok := s.licenses[b.LicenseID]; ok && l.CurrentDeviceCount > 0 {
		l.CurrentDeviceCount--
	}
}

func cloneLicense(l *license.License) *license.License {
	out := *l
	out.Payload = clonePayload(l.Payload)
	if l.RevocationReason != nil {
		r := *l.RevocationReason
		out.RevocationReason = &r
	}
	return &out
}

func clonePayload(p license.Payload) license.Payload {
	out := p
	out.Features = license.NewFeatureSet(p.Features.List()...)
	if p.ExpiresAt != nil {
		exp := *p.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}
