package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nhle/incident-bridge/internal/credential"
	"github.com/nhle/incident-bridge/internal/keys"
	"github.com/nhle/incident-bridge/internal/logging"
	"github.com/nhle/incident-bridge/internal/model"
	appsync "github.com/nhle/incident-bridge/internal/sync"
	configui "github.com/nhle/incident-bridge/internal/ui/config"
	"github.com/nhle/incident-bridge/internal/ui/watch"
)

func newDaemonCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run fetch and mirror cycles on their schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(flags)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logging.Component(e.logger, "daemon")
			sched := appsync.New(e.app, logging.Component(e.logger, "scheduler"))
			if err := sched.RegisterAll(e.cfg.Integrations); err != nil {
				return err
			}

			e.viper.OnConfigChange(func(ev fsnotify.Event) {
				applyConfigChange(e.viper, e.level, log, ev)
			})
			e.viper.WatchConfig()

			sched.Start()
			sched.RefreshAll()
			log.Infow("daemon started", "integrations", len(sched.Statuses()))

			for {
				select {
				case <-ctx.Done():
					log.Info("shutting down, waiting for running cycles")
					<-sched.Stop().Done()
					return nil
				case msg := <-sched.Results():
					logResult(log, msg)
				}
			}
		},
	}
}

// applyConfigChange re-reads the config after a file event and applies
// the new log level. Integration changes take effect on restart.
func applyConfigChange(v *viper.Viper, level zap.AtomicLevel, log *zap.SugaredLogger, ev fsnotify.Event) {
	log.Infow("config file changed", "file", ev.Name, "op", ev.Op.String())

	cfg, err := model.DecodeConfig(v)
	if err != nil {
		log.Warnw("ignoring config change", "error", err)
		return
	}
	lvl, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warnw("ignoring log level change", "level", cfg.Log.Level, "error", err)
		return
	}
	if lvl != level.Level() {
		level.SetLevel(lvl)
		log.Infow("log level changed", "level", lvl.String())
	}
}

func logResult(log *zap.SugaredLogger, msg appsync.SyncResultMsg) {
	if msg.Error != nil {
		log.Warnw("cycle failed",
			"integration", msg.IntegrationID,
			"cycle", msg.Kind,
			"auth", msg.AuthError,
			"error", msg.Error,
		)
		return
	}
	log.Infow("cycle finished",
		"integration", msg.IntegrationID,
		"cycle", msg.Kind,
		"new_incidents", msg.NewIncidents,
		"mirrored", msg.Mirrored,
	)
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the scheduler with a live status dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Log lines would corrupt the dashboard, so they go to a file.
			e, err := setup(flags, func(cfg *model.AppConfig) {
				if cfg.Log.Output == "" || cfg.Log.Output == "stderr" || cfg.Log.Output == "stdout" {
					cfg.Log.Output = filepath.Join(model.ConfigDir(), "bridge.log")
				}
			})
			if err != nil {
				return err
			}
			defer e.Close()

			sched := appsync.New(e.app, logging.Component(e.logger, "scheduler"))
			if err := sched.RegisterAll(e.cfg.Integrations); err != nil {
				return err
			}
			sched.RefreshAll()

			p := tea.NewProgram(watch.New(sched, e.store, keys.DefaultKeyMap()), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return errors.Wrap(err, "running dashboard")
			}
			return nil
		},
	}
}

func newConfigureCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Add an integration and store its secret in the keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(cfg.Integrations))
			for _, ic := range cfg.Integrations {
				ids = append(ids, ic.ID)
			}

			form := configui.New(configui.NewSaver(flags.configPath, cfg, credential.Set), ids, 0)
			final, err := tea.NewProgram(form).Run()
			if err != nil {
				return errors.Wrap(err, "running form")
			}

			done, ok := final.(configui.Model)
			if !ok {
				return nil
			}
			if err := done.Err(); err != nil {
				return err
			}
			if saved := done.Saved(); saved != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s to %s. Test it with: bridge run %s test-module\n",
					saved.ID, flags.configPath, saved.ID)
			}
			return nil
		},
	}
}
