package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"licensecore/internal/license"
)

const (
	privateKeyFile = "license_private.pem"
	publicKeyFile  = "license_public.pem"
	seedFile       = "fingerprint.seed"
)

func runKeygenCommand() *cobra.Command {
	var (
		outDir string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key pair and a fingerprint seed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			paths := []string{
				filepath.Join(outDir, privateKeyFile),
				filepath.Join(outDir, publicKeyFile),
				filepath.Join(outDir, seedFile),
			}
			if !force {
				for _, p := range paths {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists, use --force to overwrite", p)
					}
				}
			}

			pub, priv, err := license.GenerateKeyPair()
			if err != nil {
				return err
			}
			privPEM, err := license.MarshalPrivateKeyPEM(priv)
			if err != nil {
				return err
			}
			pubPEM, err := license.MarshalPublicKeyPEM(pub)
			if err != nil {
				return err
			}
			seed := make([]byte, 32)
			if _, err := rand.Read(seed); err != nil {
				return err
			}

			if err := os.WriteFile(paths[0], privPEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(paths[1], pubPEM, 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(paths[2], []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
				return err
			}

			for _, p := range paths {
				cmd.Printf("wrote %s\n", p)
			}
			cmd.Println("Keep the private key and seed on the issuance server only.")
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out-dir", "keys", "Directory to write the key files to")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	return cmd
}

// inspection is what inspect prints for a key.
type inspection struct {
	Key       string          `json:"key"`
	Verified  bool            `json:"verified"`
	Payload   license.Payload `json:"payload"`
	Perpetual bool            `json:"perpetual"`
}

func runInspectCommand() *cobra.Command {
	var publicKey string

	cmd := &cobra.Command{
		Use:   "inspect <license-key>",
		Short: "Verify a license key offline and print its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if publicKey == "" {
				return errors.New("--public-key is required")
			}
			pub, err := license.LoadPublicKeyFile(publicKey)
			if err != nil {
				return err
			}
			verifier, err := license.NewVerifier(pub)
			if err != nil {
				return err
			}
			p, _, err := verifier.Open(args[0])
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(inspection{
				Key:       license.MaskKey(args[0]),
				Verified:  true,
				Payload:   p,
				Perpetual: p.Perpetual(),
			}, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&publicKey, "public-key", "", "Path to the PEM public key")
	return cmd
}
