package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/nhle/incident-bridge/internal/model"
)

var version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "bridge",
		Short:         "Pull incidents from Jira and McAfee MVision CASB",
		Long:          `bridge polls Jira and McAfee MVision CASB for new records, stores them as incidents, mirrors changes in both directions and runs vendor commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", model.DefaultConfigPath(), "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newFetchCmd(flags),
		newMirrorCmd(flags),
		newDaemonCmd(flags),
		newWatchCmd(flags),
		newConfigureCmd(flags),
		newIncidentsCmd(flags),
		newCommandsCmd(flags),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(1)
	}
}

// renderError prints the error message followed by any hints attached
// along its chain.
func renderError(err error) string {
	msg := "Error: " + err.Error()
	if hints := errors.FlattenHints(err); hints != "" {
		msg += "\nHint: " + hints
	}
	return msg
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the bridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bridge v%s\n", version)
		},
	}
}
