package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nhle/incident-bridge/internal/app"
	"github.com/nhle/incident-bridge/internal/logging"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/store"
)

// env is everything a subcommand needs, built from the config file.
type env struct {
	viper  *viper.Viper
	cfg    *model.AppConfig
	logger *zap.Logger
	level  zap.AtomicLevel
	store  *store.SQLiteStore
	app    *app.App
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig(flags *globalFlags) (*viper.Viper, *model.AppConfig, error) {
	v := model.NewViper(flags.configPath)
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, nil, errors.Wrapf(err, "reading config %s", flags.configPath)
		}
	}
	cfg, err := model.DecodeConfig(v)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return v, cfg, nil
}

// setup loads the config, opens the store and builds the runtime. adjust
// may change the loaded config before anything is built from it.
func setup(flags *globalFlags, adjust ...func(*model.AppConfig)) (*env, error) {
	v, cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	for _, fn := range adjust {
		fn(cfg)
	}

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path, cfg.Store.FilesDir)
	if err != nil {
		_ = logger.Sync()
		return nil, errors.Wrap(err, "opening store")
	}

	return &env{
		viper:  v,
		cfg:    cfg,
		logger: logger,
		level:  level,
		store:  st,
		app:    app.New(cfg, st, logging.Component(logger, "app")),
	}, nil
}

// Close releases the store and flushes the logger.
func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing store", zap.Error(err))
	}
	_ = e.logger.Sync()
}
