package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"licensecore/internal/middleware"
	api "licensecore/pkg/contracts/api/v1"
)

// apiKeyEnv supplies the admin key when --api-key is not given.
const apiKeyEnv = "LICENSECTL_API_KEY"

type adminClient struct {
	server string
	apiKey string
	http   *http.Client
}

func (c *adminClient) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.server, "/")+"/api/v1/admin/licenses"+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set(middleware.APIKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func printJSON(cmd *cobra.Command, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	cmd.Println(buf.String())
	return nil
}

func runAdminCommand() *cobra.Command {
	c := &adminClient{http: &http.Client{Timeout: 30 * time.Second}}

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative license operations",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if c.server == "" {
				return errors.New("--server is required")
			}
			if c.apiKey == "" {
				c.apiKey = os.Getenv(apiKeyEnv)
			}
			if c.apiKey == "" {
				return fmt.Errorf("--api-key or %s is required", apiKeyEnv)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&c.server, "server", "", "Base URL of the license server")
	cmd.PersistentFlags().StringVar(&c.apiKey, "api-key", "", "Admin API key")

	cmd.AddCommand(
		runIssueCommand(c),
		runShowCommand(c, "show", "", "Show a license"),
		runShowCommand(c, "audit", "/audit", "Show a license's audit trail"),
		runShowCommand(c, "devices", "/devices", "List a license's device bindings"),
		runTransitionCommand(c, "suspend", "Suspend a license"),
		runTransitionCommand(c, "reinstate", "Reinstate a suspended license"),
		runTransitionCommand(c, "revoke", "Revoke a license permanently"),
	)
	return cmd
}

func runIssueCommand(c *adminClient) *cobra.Command {
	var (
		req        api.IssueRequest
		maxDevices uint32
		maxUsers   uint32
		days       int
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new license",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.LicenseeEmail == "" {
				return errors.New("--email is required")
			}
			if maxDevices > 0 || maxUsers > 0 {
				req.Limits = &api.Limits{}
				if maxDevices > 0 {
					req.Limits.MaxDevices = &maxDevices
				}
				if maxUsers > 0 {
					req.Limits.MaxUsers = &maxUsers
				}
			}
			if days > 0 {
				req.ValidityDays = &days
			}

			data, err := c.do(cmd.Context(), http.MethodPost, "/issue", req)
			if err != nil {
				return err
			}
			var out api.IssueResponse
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			cmd.Printf("license id: %s\n", out.LicenseID)
			cmd.Printf("status:     %s\n", out.Status)
			if out.ExpiresAt != nil {
				cmd.Printf("expires:    %s\n", out.ExpiresAt.Format(time.RFC3339))
			} else {
				cmd.Println("expires:    never")
			}
			cmd.Printf("key:        %s\n", out.LicenseKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.LicenseeEmail, "email", "", "Licensee email")
	cmd.Flags().StringVar(&req.PlanCode, "plan", "basic", "Plan code")
	cmd.Flags().Uint32Var(&maxDevices, "max-devices", 0, "Override the plan's device limit")
	cmd.Flags().Uint32Var(&maxUsers, "max-users", 0, "Override the plan's user limit")
	cmd.Flags().IntVar(&days, "days", 0, "Validity in days (default: the plan's)")
	cmd.Flags().BoolVar(&req.Perpetual, "perpetual", false, "Issue without expiry")
	cmd.Flags().StringSliceVar(&req.Features, "features", nil, "Comma-separated feature flags")
	cmd.Flags().BoolVar(&req.Pending, "pending", false, "Leave pending until the first activation")
	return cmd
}

func runShowCommand(c *adminClient, use, suffix, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <license-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid license id: %w", err)
			}
			data, err := c.do(cmd.Context(), http.MethodGet, "/"+id.String()+suffix, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, data)
		},
	}
}

func runTransitionCommand(c *adminClient, action, short string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   action + " <license-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid license id: %w", err)
			}
			if reason == "" {
				return errors.New("--reason is required")
			}
			data, err := c.do(cmd.Context(), http.MethodPost, "/"+id.String()+"/"+action, api.ReasonRequest{Reason: reason})
			if err != nil {
				return err
			}
			var out api.TransitionResponse
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			if !out.Changed {
				cmd.Printf("license %s already %s\n", id, out.License.Status)
				return nil
			}
			cmd.Printf("license %s is now %s\n", id, out.License.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail")
	return cmd
}
