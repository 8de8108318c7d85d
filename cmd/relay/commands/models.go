package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/report-relay/internal/pkg/config"
	"github.com/tjfontaine/report-relay/internal/provider"
)

func newModelsCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured providers",
		Long:  "Prints the providers clients may select. With --all, unusable entries are listed too.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			configs, err := config.LoadProviders(cfg.ProvidersFile)
			if err != nil {
				return err
			}
			reg := provider.NewRegistry(configs)

			out := cmd.OutOrStdout()
			if !all {
				for _, name := range reg.ListAvailable() {
					fmt.Fprintln(out, name)
				}
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tMODEL\tKEYS\tSTATUS")
			for _, c := range configs {
				p, err := reg.Get(c.Name)
				if err != nil {
					continue
				}
				status := "available"
				if !reg.Available(c.Name) {
					status = "unusable"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.Name, p.Model, len(p.Keys()), status)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include providers without credentials")
	return cmd
}
