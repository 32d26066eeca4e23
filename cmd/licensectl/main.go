package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/proxpanel/license-server/internal/license"
	"github.com/proxpanel/license-server/internal/security"
	"github.com/spf13/cobra"
)

type app struct {
	server    string
	hwid      string
	pins      []string
	timeout   time.Duration
	statePath string
	stdout    io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	a := &app{stdout: stdout}

	root := &cobra.Command{
		Use:           "licensectl",
		Short:         "Validate license keys and manage sessions against a license server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&a.server, "server", envOr("LICENSE_SERVER", "http://localhost:8080"), "license server base URL")
	root.PersistentFlags().StringVar(&a.hwid, "hwid", "", "hardware id to present (default: this machine's fingerprint)")
	root.PersistentFlags().StringSliceVar(&a.pins, "pin", nil, "base64 SPKI sha256 pin of the server certificate (repeatable)")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 15*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&a.statePath, "state", defaultStatePath(), "file holding the stored key and session token")

	root.AddCommand(
		newHWIDCmd(a),
		newValidateCmd(a),
		newCheckCmd(a),
		newMeCmd(a),
		newLogoutCmd(a),
	)
	return root
}

func newHWIDCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hwid",
		Short: "Print the hardware fingerprint of this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(a.stdout, security.HardwareFingerprint())
			return err
		},
	}
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [key]",
		Short: "Validate a license key and open a session",
		Long: `Validate a license key and open a session.

Without a key argument the key stored by an earlier validate is sent again,
which the server does not count toward the key's daily attempts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, st, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			var resp *license.ValidateResponse
			if len(args) == 1 {
				resp, err = client.Validate(ctx, args[0])
			} else {
				resp, err = client.Revalidate(ctx)
			}
			if resp != nil {
				if printErr := a.print(resp); printErr != nil {
					return printErr
				}
			}
			if err != nil {
				return err
			}

			st.Key = client.Key()
			st.Token = client.Token()
			return saveState(a.statePath, st)
		},
	}
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check whether the stored session is still valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			status, err := client.CheckSession(ctx)
			if err != nil {
				return err
			}
			if err := a.print(status); err != nil {
				return err
			}
			if !status.Valid {
				return fmt.Errorf("session invalid: %s", status.Reason)
			}
			return nil
		},
	}
}

func newMeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the entitlements of the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			info, err := client.Me(ctx)
			if err != nil {
				return err
			}
			return a.print(info)
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, st, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			if err := client.Logout(ctx); err != nil {
				return err
			}
			st.Token = ""
			if err := saveState(a.statePath, st); err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, "logged out")
			return err
		},
	}
}

func (a *app) client() (*license.Client, *state, error) {
	st, err := loadState(a.statePath)
	if err != nil {
		return nil, nil, err
	}
	client := license.New(license.Config{
		ServerURL:     a.server,
		HWID:          a.hwid,
		ClientVersion: "licensectl",
		Timeout:       a.timeout,
		PinnedKeys:    a.pins,
	})
	client.Restore(st.Key, st.Token)
	return client, st, nil
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func (a *app) print(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
