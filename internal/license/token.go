package license

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "licensecore"

// ErrInvalidToken is returned for cache tokens that fail to parse or verify.
var ErrInvalidToken = errors.New("invalid validation token")

// LastKnownGood is the cached result of the most recent online validation.
// Offline revalidation trusts it only within the offline grace period.
type LastKnownGood struct {
	LicenseID    uuid.UUID
	DeviceDigest string
	Timestamp    time.Time
	Accepted     bool
}

type tokenClaims struct {
	Device   string `json:"dfp"`
	Decision string `json:"dec"`
	jwt.RegisteredClaims
}

// TokenIssuer signs last-known-good tokens with the issuance key. Tokens carry
// no expiry; the grace window is enforced by the validating engine.
type TokenIssuer struct {
	key ed25519.PrivateKey
}

// NewTokenIssuer creates an issuer sharing the signer's identity.
func NewTokenIssuer(s *Signer) *TokenIssuer {
	return &TokenIssuer{key: s.PrivateKey()}
}

// Issue signs a token recording decision for the device at t.
func (ti *TokenIssuer) Issue(licenseID uuid.UUID, deviceDigest string, d Decision, t time.Time) (string, error) {
	claims := tokenClaims{
		Device:   deviceDigest,
		Decision: d.Outcome(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   tokenIssuer,
			Subject:  licenseID.String(),
			IssuedAt: jwt.NewNumericDate(t),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(ti.key)
	if err != nil {
		return "", fmt.Errorf("sign validation token: %w", err)
	}
	return signed, nil
}

// TokenVerifier parses tokens with the embedded public key, so clients can
// check their cached token without the server.
type TokenVerifier struct {
	key ed25519.PublicKey
}

// NewTokenVerifier shares the verifier's public key.
func NewTokenVerifier(v *Verifier) *TokenVerifier {
	return &TokenVerifier{key: v.PublicKey()}
}

// Parse verifies a token and returns the cached validation it records.
func (tv *TokenVerifier) Parse(token string) (*LastKnownGood, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return tv.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	return &LastKnownGood{
		LicenseID:    id,
		DeviceDigest: claims.Device,
		Timestamp:    claims.IssuedAt.Time,
		Accepted:     claims.Decision == OutcomeAccepted,
	}, nil
}
