package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nhle/incident-bridge/internal/format"
	"github.com/nhle/incident-bridge/internal/source"
	"github.com/nhle/incident-bridge/internal/store"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "run <integration> <command> [key=value ...]",
		Short: "Run a command against an integration",
		Example: `  bridge run jira-prod jira-get-issue issueId=10001
  bridge run casb-eu casb-incident-query limit=10 --output yaml`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			e, err := setup(flags)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.app.Execute(cmd.Context(), args[0], args[1], source.ParseArgs(args[2:]))
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), output, res)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	return cmd
}

func newFetchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <integration>",
		Short: "Run one fetch cycle and store new incidents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(flags)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.app.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), outputText, report.Result())
		},
	}
}

func newMirrorCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <integration>",
		Short: "Run one incoming mirror cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(flags)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.app.MirrorIn(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), outputText, report.Result())
		},
	}
}

func newCommandsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "commands <integration>",
		Short: "List the commands an integration accepts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(flags)
			if err != nil {
				return err
			}
			defer e.Close()

			names, err := e.app.Commands(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
			return nil
		},
	}
}

func newIncidentsCmd(flags *globalFlags) *cobra.Command {
	var (
		integrationID string
		limit         int
		query         string
		open          bool
	)
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List stored incidents, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(flags)
			if err != nil {
				return err
			}
			defer e.Close()

			filter := store.IncidentFilter{Limit: limit}
			if integrationID != "" {
				filter.IntegrationID = &integrationID
			}
			if query != "" {
				filter.Query = &query
			}
			if open {
				closed := false
				filter.Closed = &closed
			}

			incidents, err := e.store.GetIncidents(cmd.Context(), filter)
			if err != nil {
				return err
			}

			rows := make([]*format.Record, 0, len(incidents))
			for _, inc := range incidents {
				rows = append(rows, format.NewRecord(
					"Integration", inc.IntegrationID,
					"Remote ID", inc.MirrorID,
					"Name", inc.Name,
					"Severity", inc.Severity,
					"Occurred", inc.Occurred,
					"Closed", inc.Closed,
					"Stored", humanize.Time(inc.CreatedAt),
				))
			}
			fmt.Fprint(cmd.OutOrStdout(), format.Table("Incidents", rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&integrationID, "integration", "", "only incidents of this integration")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of incidents")
	cmd.Flags().StringVar(&query, "query", "", "substring of the name or details")
	cmd.Flags().BoolVar(&open, "open", false, "only incidents that are not closed")
	return cmd
}
