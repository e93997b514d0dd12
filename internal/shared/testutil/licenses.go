package testutil

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"licensecore/internal/license"
)

// KeyRing is a throwaway signing identity.
type KeyRing struct {
	Public ed25519.PublicKey
	Signer *license.Signer
	Tokens *license.TokenIssuer
}

// NewKeyRing generates a fresh key pair.
func NewKeyRing(t testing.TB) *KeyRing {
	t.Helper()
	pub, priv, err := license.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := license.NewSigner(priv)
	require.NoError(t, err)
	return &KeyRing{Public: pub, Signer: signer, Tokens: license.NewTokenIssuer(signer)}
}

// KeySpec describes a key to sign. Zero fields take the defaults used by
// IssueKey.
type KeySpec struct {
	ID         uuid.UUID
	Plan       string
	Email      string
	MaxDevices uint32
	Features   []string
	IssuedAt   time.Time
	ExpiresAt  *time.Time
}

// IssueKey signs a key from ks and returns it with its payload. Defaults:
// a random id, plan "pro", one device, issued two days ago, perpetual.
func (k *KeyRing) IssueKey(t testing.TB, ks KeySpec) (string, license.Payload) {
	t.Helper()
	if ks.ID == uuid.Nil {
		ks.ID = uuid.New()
	}
	if ks.Plan == "" {
		ks.Plan = "pro"
	}
	if ks.Email == "" {
		ks.Email = "licensee@example.com"
	}
	if ks.MaxDevices == 0 {
		ks.MaxDevices = 1
	}
	if ks.IssuedAt.IsZero() {
		ks.IssuedAt = time.Now().Add(-48 * time.Hour)
	}
	p, err := license.NewPayload(ks.ID, ks.Plan, ks.Email, ks.MaxDevices, ks.MaxDevices, ks.Features, ks.IssuedAt, ks.ExpiresAt)
	require.NoError(t, err)
	key, err := k.Signer.Issue(p)
	require.NoError(t, err)
	return key, p
}

// Token signs an accepted last-known-good token for fingerprint at t.
func (k *KeyRing) Token(t testing.TB, id uuid.UUID, fingerprint string, at time.Time) string {
	t.Helper()
	tok, err := k.Tokens.Issue(id, license.DeviceDigest(fingerprint), license.Accept(), at)
	require.NoError(t, err)
	return tok
}

// WritePEM writes the key pair into dir and returns the private and public
// key paths.
func (k *KeyRing) WritePEM(t testing.TB, dir string) (string, string) {
	t.Helper()
	privPEM, err := license.MarshalPrivateKeyPEM(k.Signer.PrivateKey())
	require.NoError(t, err)
	pubPEM, err := license.MarshalPublicKeyPEM(k.Public)
	require.NoError(t, err)
	priv, pub := filepath.Join(dir, "license_private.pem"), filepath.Join(dir, "license_public.pem")
	require.NoError(t, os.WriteFile(priv, privPEM, 0o600))
	require.NoError(t, os.WriteFile(pub, pubPEM, 0o644))
	return priv, pub
}
