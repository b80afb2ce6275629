package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/silent-relay/internal/license"
	"github.com/vovakirdan/silent-relay/internal/store/sqlite"
)

func newLicenseCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Inspect or change installation licenses in the local database",
	}

	type op func(svc *license.Service, ctx context.Context, installID string) (license.StatusResponse, error)
	sub := func(use, short string, run op) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <install-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				return withLicenses(flags, func(svc *license.Service) error {
					resp, err := run(svc, c.Context(), args[0])
					if err != nil {
						return err
					}
					enc := json.NewEncoder(c.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(resp)
				})
			},
		}
	}

	cmd.AddCommand(
		sub("register", "Start a trial for an installation", (*license.Service).Register),
		sub("status", "Show the license of an installation", (*license.Service).Status),
		sub("activate", "Promote an installation to the paid tier", (*license.Service).Activate),
	)
	return cmd
}

func withLicenses(flags *globalFlags, fn func(*license.Service) error) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}

	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	return fn(license.NewService(st, cfg.License.TrialDuration, nil, logger))
}
