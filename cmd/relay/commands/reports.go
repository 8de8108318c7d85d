package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/report-relay/internal/runtime"
	"github.com/tjfontaine/report-relay/internal/storage"
)

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Inspect stored reports",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show the latest version of every report",
			Args:  cobra.NoArgs,
			RunE: withReports(func(cmd *cobra.Command, store storage.ReportStore, _ []string) error {
				reports, err := store.ListLatestReports(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "OBJECT\tSUBMITTED\tSCHOOL\tMETHOD")
				for _, r := range reports {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ObjectName, r.SubmissionTimestamp, r.School, r.Method)
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "versions <object_name>",
			Short: "List the version timestamps of one report, newest first",
			Args:  cobra.ExactArgs(1),
			RunE: withReports(func(cmd *cobra.Command, store storage.ReportStore, args []string) error {
				timestamps, err := store.ListTimestamps(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, ts := range timestamps {
					fmt.Fprintln(cmd.OutOrStdout(), ts)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "show <object_name> [timestamp]",
			Short: "Print one report version as JSON, the latest by default",
			Args:  cobra.RangeArgs(1, 2),
			RunE: withReports(func(cmd *cobra.Command, store storage.ReportStore, args []string) error {
				var ts string
				if len(args) == 2 {
					ts = args[1]
				}
				rep, err := store.GetReport(cmd.Context(), args[0], ts)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}),
		},
	)
	return cmd
}

// withReports opens the configured report store around fn.
func withReports(fn func(*cobra.Command, storage.ReportStore, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := runtime.OpenReportStore(cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd, store, args)
	}
}
