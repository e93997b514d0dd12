package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"licensecore/internal/license"
	"licensecore/pkg/client"
	api "licensecore/pkg/contracts/api/v1"
)

const defaultAppID = "licensectl"

// deviceFlags are shared by the commands that act as a licensed device.
type deviceFlags struct {
	server      string
	publicKey   string
	state       string
	appID       string
	fingerprint string
}

func (f *deviceFlags) register(cmd *cobra.Command) {
	home, _ := os.UserConfigDir()
	cmd.Flags().StringVar(&f.server, "server", "", "Base URL of the license server")
	cmd.Flags().StringVar(&f.publicKey, "public-key", "", "PEM public key enabling offline validation")
	cmd.Flags().StringVar(&f.state, "state", filepath.Join(home, "licensectl", "license.json"), "Where the key and last-known-good token are kept")
	cmd.Flags().StringVar(&f.appID, "app-id", defaultAppID, "Application id the device fingerprint is scoped to")
	cmd.Flags().StringVar(&f.fingerprint, "fingerprint", "", "Use this fingerprint instead of the machine's")
}

func (f *deviceFlags) client() (*client.Client, error) {
	if f.server == "" {
		return nil, errors.New("--server is required")
	}
	fp := f.fingerprint
	if fp == "" {
		var err error
		if fp, err = client.DeviceFingerprint(f.appID, filepath.Dir(f.state)); err != nil {
			return nil, err
		}
	}
	var pub ed25519.PublicKey
	if f.publicKey != "" {
		var err error
		if pub, err = license.LoadPublicKeyFile(f.publicKey); err != nil {
			return nil, err
		}
	}
	return client.New(client.Config{
		BaseURL:     f.server,
		Fingerprint: fp,
		PublicKey:   pub,
		Store:       client.NewFileStore(f.state),
	})
}

func runFingerprintCommand() *cobra.Command {
	var (
		appID      string
		persistDir string
	)

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this machine's device fingerprint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fp, err := client.DeviceFingerprint(appID, persistDir)
			if err != nil {
				return err
			}
			cmd.Println(fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&appID, "app-id", defaultAppID, "Application id the fingerprint is scoped to")
	cmd.Flags().StringVar(&persistDir, "persist-dir", "", "Directory for the container device id")
	return cmd
}

func runValidateCommand() *cobra.Command {
	var flags deviceFlags

	cmd := &cobra.Command{
		Use:   "validate [license-key]",
		Short: "Validate a license as this device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			var key string
			if len(args) == 1 {
				key = args[0]
			}
			res, err := c.Validate(cmd.Context(), key)
			if err != nil {
				return err
			}

			source := "online"
			if res.Offline {
				source = "offline"
			}
			cmd.Printf("decision: %s (%s)\n", res.Decision, source)
			if res.Reason != "" {
				cmd.Printf("reason:   %s\n", res.Reason)
			}
			if res.CachedUntil != nil {
				cmd.Printf("valid until: %s\n", res.CachedUntil.Format(time.RFC3339))
			}
			if !res.Accepted() {
				return errors.New("license denied")
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func runActivateCommand() *cobra.Command {
	var flags deviceFlags

	cmd := &cobra.Command{
		Use:   "activate <license-key>",
		Short: "Bind this device to a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			host, _ := os.Hostname()
			res, err := c.Activate(cmd.Context(), args[0], api.HardwareInfo{DeviceName: host})
			if err != nil {
				return err
			}
			if !res.Bound {
				return fmt.Errorf("activation refused: %s (%s)", res.Error, res.Reason)
			}
			cmd.Printf("bound: binding %s (new=%t)\n", res.BindingID, res.Created)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
