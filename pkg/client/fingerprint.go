package client

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/keygen-sh/machineid"
)

// DeviceFingerprint returns a stable, app-scoped identifier for this
// machine. The raw machine id never leaves the host: it is HMACed with
// appID. Containers share the host's id, so when one is detected a
// persistent random id from persistDir is mixed in.
func DeviceFingerprint(appID, persistDir string) (string, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", fmt.Errorf("read machine id: %w", err)
	}
	if !inContainer() || persistDir == "" {
		return id, nil
	}
	local, err := persistentID(filepath.Join(persistDir, ".device-id"))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(appID + "-" + id + "-" + local))
	return hex.EncodeToString(sum[:]), nil
}

func inContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}
	return strings.Contains(os.Getenv("container"), "podman")
}

func persistentID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create device id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}
