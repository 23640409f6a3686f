package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/manifolddb/manifold/internal/environment"
)

func newEnvsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "envs",
		Short: "List configured environments and their validation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := environment.NewRegistry(cfg)
			if err != nil {
				return err
			}
			report := reg.StatusReport()

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tDRIVER\tURL\tPOOL")
			for _, info := range report {
				name := info.Name
				if name == reg.Default() {
					name += " (default)"
				}
				status := info.Status
				if info.Reason != "" {
					status += ": " + info.Reason
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					name, status, info.Driver, info.URL, info.MaxConnections)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
