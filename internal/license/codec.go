package license

import (
	"encoding/base32"
	"errors"
	"strings"
)

const (
	// SignatureSize is the length of an Ed25519 signature.
	SignatureSize = 64

	// keyGroupSize is the width of a dash-separated block in a rendered key.
	keyGroupSize = 4

	crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// ErrMalformedKey is returned when a key string cannot be decoded.
var ErrMalformedKey = errors.New("malformed license key")

var keyEncoding = base32.NewEncoding(crockfordAlphabet).WithPadding(base32.NoPadding)

// minKeyChars is the shortest normalized key that could hold a canonical
// payload plus a signature.
var minKeyChars = keyEncoding.EncodedLen(MinCanonicalSize + SignatureSize)

// EncodeKey renders canonical payload bytes and a signature as a
// human-presentable key: Crockford base32, uppercase, dash-grouped in blocks
// of four. The output is a pure function of its inputs.
func EncodeKey(payload, signature []byte) (string, error) {
	if len(signature) != SignatureSize {
		return "", ErrInvalidSignature
	}
	raw := make([]byte, 0, len(payload)+len(signature))
	raw = append(raw, payload...)
	raw = append(raw, signature...)
	return group(keyEncoding.EncodeToString(raw)), nil
}

// DecodeKey splits a key back into canonical payload bytes and signature.
// Case, whitespace and dash placement are normalized away first; Crockford
// look-alikes (O, I, L) are folded to their digits.
func DecodeKey(key string) (payload, signature []byte, err error) {
	clean := NormalizeKey(key)
	if len(clean) < minKeyChars {
		return nil, nil, ErrMalformedKey
	}
	raw, err := keyEncoding.DecodeString(clean)
	if err != nil {
		return nil, nil, ErrMalformedKey
	}
	// The decoder ignores unused trailing bits; only one spelling is valid.
	if keyEncoding.EncodeToString(raw) != clean {
		return nil, nil, ErrMalformedKey
	}
	if len(raw) < MinCanonicalSize+SignatureSize {
		return nil, nil, ErrMalformedKey
	}
	split := len(raw) - SignatureSize
	return raw[:split], raw[split:], nil
}

// NormalizeKey strips everything but letters and digits and uppercases the
// result. Characters outside the alphabet are kept so decoding can reject
// them.
func NormalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
			r -= 'a' - 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			continue
		}
		switch r {
		case 'O':
			r = '0'
		case 'I', 'L':
			r = '1'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MaskKey keeps the first and last block of a key for log lines.
func MaskKey(key string) string {
	clean := NormalizeKey(key)
	if len(clean) <= 2*keyGroupSize {
		return "****"
	}
	return clean[:keyGroupSize] + "-****-" + clean[len(clean)-keyGroupSize:]
}

func group(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/keyGroupSize)
	for i := 0; i < len(s); i += keyGroupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + keyGroupSize
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}
