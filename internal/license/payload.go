package license

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NonceSize is the length of the random nonce carried by every payload.
const NonceSize = 16

// Payload is the signed content of a license key. It is immutable once
// signed; any change to it requires a re-issuance with a fresh signature.
type Payload struct {
	LicenseID     uuid.UUID       `json:"license_id"`
	PlanCode      string          `json:"plan_code"`
	LicenseeEmail string          `json:"licensee_email"`
	MaxUsers      uint32          `json:"max_users"`
	MaxDevices    uint32          `json:"max_devices"`
	Features      FeatureSet      `json:"features"`
	IssuedAt      time.Time       `json:"issued_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	Nonce         [NonceSize]byte `json:"-"`
}

// NewPayload builds a payload with a fresh nonce. Timestamps are truncated to
// whole seconds in UTC, which is the resolution of the canonical encoding.
func NewPayload(id uuid.UUID, plan, email string, maxUsers, maxDevices uint32, features []string, issuedAt time.Time, expiresAt *time.Time) (Payload, error) {
	p := Payload{
		LicenseID:     id,
		PlanCode:      plan,
		LicenseeEmail: email,
		MaxUsers:      maxUsers,
		MaxDevices:    maxDevices,
		Features:      NewFeatureSet(features...),
		IssuedAt:      issuedAt.UTC().Truncate(time.Second),
	}
	if expiresAt != nil {
		exp := expiresAt.UTC().Truncate(time.Second)
		p.ExpiresAt = &exp
	}
	if _, err := rand.Read(p.Nonce[:]); err != nil {
		return Payload{}, fmt.Errorf("generate nonce: %w", err)
	}
	return p, nil
}

// Perpetual reports whether the license never expires.
func (p Payload) Perpetual() bool {
	return p.ExpiresAt == nil
}

// ExpiredAt reports whether the payload's validity window has closed at t.
func (p Payload) ExpiredAt(t time.Time) bool {
	return p.ExpiresAt != nil && t.After(*p.ExpiresAt)
}

// HasFeature reports whether the entitlement includes the capability key.
func (p Payload) HasFeature(name string) bool {
	return p.Features.Has(name)
}

// Reissue returns a copy of p with a fresh nonce and issue time. The caller
// mutates the copy before signing it.
func (p Payload) Reissue(now time.Time) (Payload, error) {
	next := p
	next.Features = NewFeatureSet(p.Features.List()...)
	next.IssuedAt = now.UTC().Truncate(time.Second)
	if _, err := rand.Read(next.Nonce[:]); err != nil {
		return Payload{}, fmt.Errorf("generate nonce: %w", err)
	}
	return next, nil
}

// FeatureSet is the set of enabled capability keys.
type FeatureSet map[string]struct{}

// NewFeatureSet builds a set, dropping blanks and duplicates.
func NewFeatureSet(names ...string) FeatureSet {
	fs := make(FeatureSet, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		fs[n] = struct{}{}
	}
	return fs
}

// Has reports membership.
func (fs FeatureSet) Has(name string) bool {
	_, ok := fs[name]
	return ok
}

// List returns the features in sorted order.
func (fs FeatureSet) List() []string {
	out := make([]string, 0, len(fs))
	for n := range fs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON renders the set as a sorted array.
func (fs FeatureSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(fs.List())
}

// UnmarshalJSON reads a JSON array of feature names.
func (fs *FeatureSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*fs = NewFeatureSet(names...)
	return nil
}
