package main

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"licensecore/internal/config"
	"licensecore/internal/license"
	"licensecore/internal/services"
)

// runSignCommand issues a key offline from the private key file. The key
// verifies anywhere the public key is embedded, but a server only accepts it
// online once the record exists there; use "admin issue" for that.
func runSignCommand() *cobra.Command {
	var (
		signingKey string
		configPath string
		in         services.IssueInput
		maxDevices uint32
		maxUsers   uint32
		days       int
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a license key offline with the private key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if signingKey == "" {
				return errors.New("--signing-key is required")
			}
			if in.LicenseeEmail == "" {
				return errors.New("--email is required")
			}
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("max-devices") {
				in.MaxDevices = &maxDevices
			}
			if cmd.Flags().Changed("max-users") {
				in.MaxUsers = &maxUsers
			}
			if cmd.Flags().Changed("days") {
				in.ValidityDays = &days
			}

			now := time.Now()
			req, err := services.SettingsFromConfig(cfg).IssueRequest(in, now)
			if err != nil {
				return err
			}
			priv, err := license.LoadPrivateKeyFile(signingKey)
			if err != nil {
				return err
			}
			signer, err := license.NewSigner(priv)
			if err != nil {
				return err
			}
			p, err := license.NewPayload(uuid.New(), req.PlanCode, req.LicenseeEmail, req.MaxUsers, req.MaxDevices, req.Features, now, req.ExpiresAt)
			if err != nil {
				return err
			}
			key, err := signer.Issue(p)
			if err != nil {
				return err
			}

			cmd.Printf("license id: %s\n", p.LicenseID)
			cmd.Printf("plan:       %s (%d devices, %d users)\n", p.PlanCode, p.MaxDevices, p.MaxUsers)
			if p.ExpiresAt != nil {
				cmd.Printf("expires:    %s\n", p.ExpiresAt.Format(time.RFC3339))
			} else {
				cmd.Println("expires:    never")
			}
			cmd.Printf("key:        %s\n", key)
			return nil
		},
	}

	cmd.Flags().StringVar(&signingKey, "signing-key", "", "Path to the PEM private key")
	cmd.Flags().StringVar(&configPath, "config", "", "Config file with the plan table (default: built-in plans)")
	cmd.Flags().StringVar(&in.LicenseeEmail, "email", "", "Licensee email")
	cmd.Flags().StringVar(&in.PlanCode, "plan", "basic", "Plan code")
	cmd.Flags().Uint32Var(&maxDevices, "max-devices", 0, "Override the plan's device limit")
	cmd.Flags().Uint32Var(&maxUsers, "max-users", 0, "Override the plan's user limit")
	cmd.Flags().IntVar(&days, "days", 0, "Validity in days (default: the plan's)")
	cmd.Flags().BoolVar(&in.Perpetual, "perpetual", false, "Issue without expiry")
	cmd.Flags().StringSliceVar(&in.Features, "features", nil, "Comma-separated feature flags (default: the plan's)")
	return cmd
}
