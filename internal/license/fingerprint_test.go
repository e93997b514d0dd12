package license_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/license"
)

func TestFingerprintHasher(t *testing.T) {
	h, err := license.NewFingerprintHasher([]byte("a-secret-of-enough-length"))
	require.NoError(t, err)
	other, err := license.NewFingerprintHasher([]byte("another-secret-entirely"))
	require.NoError(t, err)

	a := h.Hash("ABC123")
	assert.Len(t, a, 64)
	assert.Equal(t, a, h.Hash(" abc123 "))
	assert.NotEqual(t, a, h.Hash("abc124"))
	assert.NotEqual(t, a, other.Hash("ABC123"), "digests depend on the secret")
	assert.NotEqual(t, a, license.DeviceDigest("ABC123"))

	assert.Empty(t, h.HardwareDigest(license.DeviceInfo{Name: "only a name"}))
	hw := license.DeviceInfo{CPUID: "BFEBFBFF000906EA", MAC: "aa:bb:cc:dd:ee:ff"}
	assert.Equal(t, h.HardwareDigest(hw), h.HardwareDigest(license.DeviceInfo{CPUID: "bfebfbff000906ea", MAC: "AA:BB:CC:DD:EE:FF", Name: "renamed"}))
	assert.NotEqual(t, h.HardwareDigest(hw), h.HardwareDigest(license.DeviceInfo{CPUID: "other", MAC: hw.MAC}))

	_, err = license.NewFingerprintHasher([]byte("short"))
	assert.Error(t, err)
}
