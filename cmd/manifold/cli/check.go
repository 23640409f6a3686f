package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/manifolddb/manifold/internal/environment"
	"github.com/manifolddb/manifold/internal/pool"
)

func newCheckCmd() *cobra.Command {
	var (
		comprehensive bool
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check [environment...]",
		Short: "Connect to environments and report their health",
		Long: `Connect to the named environments (or every enabled environment) and print
a health report. The command exits non-zero when any checked environment is
unhealthy, so it can gate deployments and cron alerts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			reg, err := environment.NewRegistry(cfg)
			if err != nil {
				return err
			}
			mgr, err := pool.NewManager(reg, logger)
			if err != nil {
				return err
			}
			defer mgr.Shutdown()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			envs := args
			if len(envs) == 0 {
				envs = reg.ListEnabled()
			}

			var reports []any
			unhealthy := 0
			for _, env := range envs {
				var (
					state  string
					report any
					err    error
				)
				if comprehensive {
					var r *pool.ComprehensiveReport
					r, err = mgr.ComprehensiveHealthCheck(ctx, env)
					if err == nil {
						state, report = r.State, r
					}
				} else {
					var r *pool.HealthReport
					r, err = mgr.HealthCheck(ctx, env)
					if err == nil {
						state, report = r.State, r
					}
				}
				if err != nil {
					report = map[string]string{"environment": env, "error": err.Error()}
					state = "unhealthy"
				}
				if state != "healthy" {
					unhealthy++
				}
				reports = append(reports, report)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(reports); err != nil {
				return err
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d of %d environment(s) not healthy", unhealthy, len(envs))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&comprehensive, "comprehensive", false, "Run identity and schema probes in addition to liveness")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall check timeout")

	return cmd
}
