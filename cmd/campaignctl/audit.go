package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/common"
	"github.com/example/campaign-service/internal/storage/postgres"
)

func auditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "read the audit trail",
	}
	cmd.AddCommand(exportAuditCommand(), summaryAuditCommand())
	return cmd
}

// openTrail connects to DATABASE_URL; the returned func releases the pool.
func openTrail(ctx context.Context) (*audit.Trail, func(), error) {
	cfg, err := common.LoadConfig("campaignctl")
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	logger := common.NewLoggerFromConfig(cfg)
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, 10*time.Second, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := postgres.New(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return audit.NewTrail(store, logger), pool.Close, nil
}

func exportAuditCommand() *cobra.Command {
	var (
		out                    string
		limit                  int
		actor, action, resType string
		from, to               string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "export audit entries as CSV, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := audit.Filter{ActorID: actor, Action: audit.Action(action), ResourceType: resType}
			var err error
			if f.From, err = parseTime(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if f.To, err = parseTime(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			ctx := cmd.Context()
			trail, closeFn, err := openTrail(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			n, err := trail.ExportCSV(ctx, w, f, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().IntVar(&limit, "limit", audit.MaxExportRows, "maximum rows to export")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	cmd.Flags().StringVar(&action, "action", "", "filter by action, e.g. SEND")
	cmd.Flags().StringVar(&resType, "resource-type", "", "filter by resource type")
	cmd.Flags().StringVar(&from, "from", "", "inclusive lower bound, RFC3339")
	cmd.Flags().StringVar(&to, "to", "", "exclusive upper bound, RFC3339")
	return cmd
}

func summaryAuditCommand() *cobra.Command {
	var days, top int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "print audit statistics for the trailing days as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			trail, closeFn, err := openTrail(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			s, err := trail.Summary(ctx, days, top)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "length of the window in days")
	cmd.Flags().IntVar(&top, "top", 10, "entries per top list")
	return cmd
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
