package license

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const fingerprintInfo = "licensecore/device-fingerprint/v1"

// FingerprintHasher turns client-supplied fingerprints and hardware reports
// into 256-bit keyed digests. The key never leaves the process; only digests
// are stored or logged.
type FingerprintHasher struct {
	key []byte
}

// NewFingerprintHasher derives the hashing key from an operator secret.
func NewFingerprintHasher(secret []byte) (*FingerprintHasher, error) {
	if len(secret) < 16 {
		return nil, errors.New("fingerprint secret must be at least 16 bytes")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(fingerprintInfo)), key); err != nil {
		return nil, fmt.Errorf("derive fingerprint key: %w", err)
	}
	return &FingerprintHasher{key: key}, nil
}

// Hash digests a device fingerprint. Surrounding whitespace and case are
// ignored so clients that hex-encode differently still bind to one seat.
func (h *FingerprintHasher) Hash(fingerprint string) string {
	return h.sum("fp", strings.ToLower(strings.TrimSpace(fingerprint)))
}

// HardwareDigest digests the identifying hardware fields of a report. It is
// empty when the report carries none.
func (h *FingerprintHasher) HardwareDigest(info DeviceInfo) string {
	if info.Empty() {
		return ""
	}
	fields := []string{info.CPUID, info.BoardSN, info.DiskSN, info.MAC, info.OS}
	for i, f := range fields {
		fields[i] = strings.ToLower(strings.TrimSpace(f))
	}
	return h.sum("hw", strings.Join(fields, "\x1f"))
}

func (h *FingerprintHasher) sum(domain, value string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic(err)
	}
	mac.Write([]byte(domain))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// DeviceDigest is the unkeyed digest that binds a cache token to a device.
// Clients can compute it without any server secret.
func DeviceDigest(fingerprint string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(strings.TrimSpace(fingerprint))))
	return hex.EncodeToString(sum[:])
}
