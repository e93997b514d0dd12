package license

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid license signature")
	// ErrNoSigningKey is returned by issuance paths when no private key is loaded.
	ErrNoSigningKey = errors.New("signing key not configured")
)

// Signer creates signatures over canonical payloads. It is only constructed
// on the issuance server.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, ErrNoSigningKey
	}
	return &Signer{key: key}, nil
}

// Sign canonicalizes p and signs the canonical bytes.
func (s *Signer) Sign(p Payload) ([]byte, error) {
	msg, err := MarshalCanonical(p)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(s.key, msg), nil
}

// Issue signs p and renders the license key.
func (s *Signer) Issue(p Payload) (string, error) {
	msg, err := MarshalCanonical(p)
	if err != nil {
		return "", err
	}
	return EncodeKey(msg, ed25519.Sign(s.key, msg))
}

// PrivateKey exposes the key to the token issuer, which shares the identity.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.key
}

// PublicKey returns the verification half of the signing key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Verifier checks signatures with the embedded public key.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier wraps an Ed25519 public key.
func NewVerifier(key ed25519.PublicKey) (*Verifier, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return &Verifier{key: key}, nil
}

// Verify recomputes the canonical bytes of p and checks sig against them.
func (v *Verifier) Verify(p Payload, sig []byte) bool {
	msg, err := MarshalCanonical(p)
	if err != nil {
		return false
	}
	return v.VerifyBytes(msg, sig)
}

// VerifyBytes checks sig over already-canonical bytes.
func (v *Verifier) VerifyBytes(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.key, msg, sig)
}

// PublicKey returns the verification key.
func (v *Verifier) PublicKey() ed25519.PublicKey {
	return v.key
}

// Open decodes a key, verifies its signature and parses the payload. The
// returned error is ErrMalformedKey or ErrInvalidSignature.
func (v *Verifier) Open(key string) (Payload, []byte, error) {
	msg, sig, err := DecodeKey(key)
	if err != nil {
		return Payload{}, nil, err
	}
	if !v.VerifyBytes(msg, sig) {
		return Payload{}, nil, ErrInvalidSignature
	}
	p, err := ParseCanonical(msg)
	if err != nil {
		// A valid signature over bytes we cannot parse means a future or
		// foreign layout; treat it as malformed.
		return Payload{}, nil, ErrMalformedKey
	}
	return p, sig, nil
}

// GenerateKeyPair creates a fresh signing identity.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// MarshalPrivateKeyPEM encodes a private key as PKCS#8 PEM.
func MarshalPrivateKeyPEM(key ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKeyPEM encodes a public key as PKIX PEM.
func MarshalPublicKeyPEM(key ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM reads a PKCS#8 Ed25519 private key.
func ParsePrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	ed, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not Ed25519")
	}
	return ed, nil
}

// ParsePublicKeyPEM reads a PKIX Ed25519 public key.
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ed, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not Ed25519")
	}
	return ed, nil
}

// LoadPrivateKeyFile reads a PEM private key from disk.
func LoadPrivateKeyFile(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return ParsePrivateKeyPEM(data)
}

// LoadPublicKeyFile reads a PEM public key from disk.
func LoadPublicKeyFile(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKeyPEM(data)
}
