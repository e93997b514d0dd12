package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"licensecore/internal/config"
	"licensecore/internal/license"
)

// keyMaterial is what the service loaded at startup. signer is nil on
// validation-only deployments.
type keyMaterial struct {
	signer   *license.Signer
	verifier *license.Verifier
	hasher   *license.FingerprintHasher
}

func loadKeys(cfg config.KeysConfig) (*keyMaterial, error) {
	km := &keyMaterial{}

	if cfg.SigningKeyFile != "" {
		priv, err := license.LoadPrivateKeyFile(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		if km.signer, err = license.NewSigner(priv); err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
	}

	switch {
	case cfg.PublicKeyFile != "" && fileExists(cfg.PublicKeyFile):
		pub, err := license.LoadPublicKeyFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load public key: %w", err)
		}
		if km.verifier, err = license.NewVerifier(pub); err != nil {
			return nil, fmt.Errorf("load public key: %w", err)
		}
	case km.signer != nil:
		verifier, err := license.NewVerifier(km.signer.PublicKey())
		if err != nil {
			return nil, err
		}
		km.verifier = verifier
	default:
		return nil, errors.New("no public key available: set keys.public_key_file or keys.signing_key_file")
	}

	if km.signer != nil && !km.signer.PublicKey().Equal(km.verifier.PublicKey()) {
		return nil, errors.New("signing key does not match the public key")
	}

	seed, err := fingerprintSeed(cfg)
	if err != nil {
		return nil, err
	}
	if km.hasher, err = license.NewFingerprintHasher(seed); err != nil {
		return nil, fmt.Errorf("fingerprint seed: %w", err)
	}
	return km, nil
}

func fingerprintSeed(cfg config.KeysConfig) ([]byte, error) {
	if cfg.FingerprintSeed != "" {
		return []byte(cfg.FingerprintSeed), nil
	}
	if cfg.FingerprintSeedFile == "" {
		return nil, errors.New("a fingerprint seed is required: set keys.fingerprint_seed or keys.fingerprint_seed_file")
	}
	data, err := os.ReadFile(cfg.FingerprintSeedFile)
	if err != nil {
		return nil, fmt.Errorf("read fingerprint seed: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
