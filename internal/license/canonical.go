package license

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// canonicalVersion prefixes every canonical payload so the layout can evolve.
const canonicalVersion byte = 1

// MinCanonicalSize is the size of a payload with empty strings, no features
// and no expiry.
const MinCanonicalSize = 1 + 16 + 2 + 2 + 4 + 4 + 2 + 8 + 1 + NonceSize

var errNonCanonical = errors.New("non-canonical payload encoding")

// MarshalCanonical encodes p in the fixed field order that is signed:
// version, id, plan, email, maxUsers, maxDevices, features (sorted),
// issuedAt, optional expiresAt, nonce. Strings are u16 length-prefixed UTF-8
// and integers are big-endian.
func MarshalCanonical(p Payload) ([]byte, error) {
	features := p.Features.List()
	if len(features) > math.MaxUint16 {
		return nil, fmt.Errorf("too many features: %d", len(features))
	}

	buf := make([]byte, 0, MinCanonicalSize+len(p.PlanCode)+len(p.LicenseeEmail)+8+len(features)*8)
	buf = append(buf, canonicalVersion)
	buf = append(buf, p.LicenseID[:]...)

	var err error
	if buf, err = appendString(buf, p.PlanCode); err != nil {
		return nil, fmt.Errorf("plan code: %w", err)
	}
	if buf, err = appendString(buf, p.LicenseeEmail); err != nil {
		return nil, fmt.Errorf("licensee email: %w", err)
	}
	buf = binary.BigEndian.AppendUint32(buf, p.MaxUsers)
	buf = binary.BigEndian.AppendUint32(buf, p.MaxDevices)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(features)))
	for _, f := range features {
		if buf, err = appendString(buf, f); err != nil {
			return nil, fmt.Errorf("feature %q: %w", f, err)
		}
	}

	buf = binary.BigEndian.AppendUint64(buf, uint64(p.IssuedAt.Unix()))
	if p.ExpiresAt == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint64(buf, uint64(p.ExpiresAt.Unix()))
	}
	buf = append(buf, p.Nonce[:]...)
	return buf, nil
}

// ParseCanonical is the inverse of MarshalCanonical. It rejects any input
// that MarshalCanonical could not have produced.
func ParseCanonical(data []byte) (Payload, error) {
	if len(data) < MinCanonicalSize {
		return Payload{}, fmt.Errorf("%w: %d bytes", errNonCanonical, len(data))
	}
	r := &reader{buf: data}

	if v := r.byte(); v != canonicalVersion {
		return Payload{}, fmt.Errorf("%w: unsupported version %d", errNonCanonical, v)
	}

	var p Payload
	id, err := uuid.FromBytes(r.bytes(16))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", errNonCanonical, err)
	}
	p.LicenseID = id
	p.PlanCode = r.string()
	p.LicenseeEmail = r.string()
	p.MaxUsers = r.uint32()
	p.MaxDevices = r.uint32()

	count := int(r.uint16())
	p.Features = make(FeatureSet, count)
	prev := ""
	for i := 0; i < count; i++ {
		f := r.string()
		if r.err == nil && (f == "" || (i > 0 && f <= prev)) {
			return Payload{}, fmt.Errorf("%w: features not sorted", errNonCanonical)
		}
		p.Features[f] = struct{}{}
		prev = f
	}

	p.IssuedAt = time.Unix(int64(r.uint64()), 0).UTC()
	switch r.byte() {
	case 0:
	case 1:
		exp := time.Unix(int64(r.uint64()), 0).UTC()
		p.ExpiresAt = &exp
	default:
		return Payload{}, fmt.Errorf("%w: bad expiry flag", errNonCanonical)
	}
	copy(p.Nonce[:], r.bytes(NonceSize))

	if r.err != nil {
		return Payload{}, r.err
	}
	if r.off != len(data) {
		return Payload{}, fmt.Errorf("%w: %d trailing bytes", errNonCanonical, len(data)-r.off)
	}
	return p, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("string too long: %d bytes", len(s))
	}
	if !utf8.ValidString(s) {
		return nil, errors.New("invalid UTF-8")
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader walks a canonical buffer; the first short read latches err and all
// later reads return zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated", errNonCanonical)
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte     { return r.bytes(1)[0] }
func (r *reader) uint16() uint16 { return binary.BigEndian.Uint16(r.bytes(2)) }
func (r *reader) uint32() uint32 { return binary.BigEndian.Uint32(r.bytes(4)) }
func (r *reader) uint64() uint64 { return binary.BigEndian.Uint64(r.bytes(8)) }

func (r *reader) string() string {
	n := int(r.uint16())
	s := string(r.bytes(n))
	if r.err == nil && !utf8.ValidString(s) {
		r.err = fmt.Errorf("%w: invalid UTF-8", errNonCanonical)
	}
	return s
}
