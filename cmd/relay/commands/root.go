// Package commands implements the relay CLI using cobra.
package commands

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/report-relay/internal/pkg/config"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Streaming LLM relay and versioned report store",
		Long: `relay fronts a set of OpenAI-compatible providers, transcribes uploaded
audio, extracts incident reports and keeps every submitted report version.

Examples:
  relay serve --config config.yaml
  relay models --all
  relay reports list
  relay reports show call.mp3`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("env-file")
			if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", path, err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newModelsCmd(),
		newReportsCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultPath, "path to the config file")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the config")

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadFile(path)
}
