// Package app is the host runtime: it builds integrations from config,
// dispatches commands to them, and runs fetch and mirror cycles against
// the local store.
package app

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/nhle/incident-bridge/internal/credential"
	"github.com/nhle/incident-bridge/internal/format"
	"github.com/nhle/incident-bridge/internal/logging"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
	"github.com/nhle/incident-bridge/internal/store"
)

// Built-in command names understood by every integration.
const (
	CmdTestModule            = "test-module"
	CmdFetchIncidents        = "fetch-incidents"
	CmdGetRemoteData         = "get-remote-data"
	CmdGetModifiedRemoteData = "get-modified-remote-data"
	CmdUpdateRemoteSystem    = "update-remote-system"
	CmdGetMappingFields      = "get-mapping-fields"
)

// firstMirrorLookback is how far back the first mirror-in cycle looks.
const firstMirrorLookback = time.Hour

// App owns the configured integrations and the store they feed.
type App struct {
	cfg     *model.AppConfig
	store   store.Store
	log     *zap.SugaredLogger
	resolve SecretResolver
	now     func() time.Time

	mu           gosync.Mutex
	integrations map[string]source.Integration
}

// Option configures an App.
type Option func(*App)

// WithSecretResolver replaces the keyring-backed credential resolver.
func WithSecretResolver(r SecretResolver) Option {
	return func(a *App) { a.resolve = r }
}

// WithIntegration registers a ready-made adapter under id instead of
// building one from config.
func WithIntegration(id string, integration source.Integration) Option {
	return func(a *App) { a.integrations[id] = integration }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New creates an App over cfg and st.
func New(cfg *model.AppConfig, st store.Store, log *zap.SugaredLogger, opts ...Option) *App {
	a := &App{
		cfg:          cfg,
		store:        st,
		log:          logging.OrNop(log),
		resolve:      credential.Resolve,
		now:          time.Now,
		integrations: make(map[string]source.Integration),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the configuration the App was built from.
func (a *App) Config() *model.AppConfig {
	return a.cfg
}

// Store returns the backing store.
func (a *App) Store() store.Store {
	return a.store
}

// Integration returns the adapter for id, building it on first use.
func (a *App) Integration(id string) (source.Integration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if integration, ok := a.integrations[id]; ok {
		return integration, nil
	}
	cfg, ok := a.cfg.Integration(id)
	if !ok {
		return nil, errors.Newf("unknown integration %q", id)
	}
	integration, err := buildIntegration(cfg, a.resolve, a.store, a.log.With("integration", id))
	if err != nil {
		return nil, err
	}
	a.integrations[id] = integration
	return integration, nil
}

// Commands lists every command name an integration accepts, sorted.
func (a *App) Commands(id string) ([]string, error) {
	integration, err := a.Integration(id)
	if err != nil {
		return nil, err
	}
	names := []string{CmdTestModule, CmdFetchIncidents}
	if _, ok := integration.(source.Mirrorer); ok {
		names = append(names, CmdGetRemoteData, CmdGetModifiedRemoteData, CmdUpdateRemoteSystem, CmdGetMappingFields)
	}
	for name := range integration.Commands() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Execute runs a named command against an integration.
func (a *App) Execute(ctx context.Context, id, command string, args source.Args) (*source.Result, error) {
	integration, err := a.Integration(id)
	if err != nil {
		return nil, err
	}
	a.log.Debugw("executing command", "integration", id, "command", command, "args", args.Keys())

	switch command {
	case CmdTestModule:
		msg, err := integration.TestModule(ctx)
		if err != nil {
			return nil, err
		}
		return source.Text(msg), nil

	case CmdFetchIncidents:
		report, err := a.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		return report.Result(), nil
	}

	if mirrorer, ok := integration.(source.Mirrorer); ok {
		if handled, res, err := a.executeMirror(ctx, mirrorer, command, args); handled {
			return res, err
		}
	}

	handler, ok := integration.Commands()[command]
	if !ok {
		return nil, errors.Newf("%s: %s", source.CommandNotImplemented, command)
	}
	return handler(ctx, args)
}

// executeMirror handles the mirroring built-ins. handled is false for any
// other command.
func (a *App) executeMirror(
	ctx context.Context,
	m source.Mirrorer,
	command string,
	args source.Args,
) (handled bool, res *source.Result, err error) {
	switch command {
	case CmdGetRemoteData:
		id, err := args.Required("id")
		if err != nil {
			return true, nil, err
		}
		lastUpdate, err := args.Required("lastUpdate")
		if err != nil {
			return true, nil, err
		}
		data, err := m.GetRemoteData(ctx, id, lastUpdate)
		if err != nil {
			return true, nil, err
		}
		return true, &source.Result{
			ReadableOutput: remoteDataSummary(data),
			Outputs:        data,
			RawResponse:    data,
		}, nil

	case CmdGetModifiedRemoteData:
		lastUpdate, err := args.Required("lastUpdate")
		if err != nil {
			return true, nil, err
		}
		ids, err := m.GetModifiedRemoteData(ctx, lastUpdate)
		if err != nil {
			return true, nil, err
		}
		return true, &source.Result{
			ReadableOutput: format.List("Modified records", "ID", ids),
			Outputs:        ids,
			RawResponse:    ids,
		}, nil

	case CmdUpdateRemoteSystem:
		update, err := updateArgs(args)
		if err != nil {
			return true, nil, err
		}
		remoteID := m.UpdateRemoteSystem(ctx, update)
		return true, &source.Result{ReadableOutput: remoteID, Outputs: remoteID}, nil

	case CmdGetMappingFields:
		fields, err := m.MappingFields(ctx)
		if err != nil {
			return true, nil, err
		}
		return true, &source.Result{
			ReadableOutput: mappingSummary(fields),
			Outputs:        fields,
			RawResponse:    fields,
		}, nil
	}
	return false, nil, nil
}

// updateArgs decodes update-remote-system arguments. delta and entries
// may be JSON text or already decoded values.
func updateArgs(args source.Args) (source.UpdateRemoteArgs, error) {
	remoteID, err := args.Required("remoteId")
	if err != nil {
		return source.UpdateRemoteArgs{}, err
	}
	update := source.UpdateRemoteArgs{
		RemoteID:        remoteID,
		IncidentChanged: args.Bool("incidentChanged"),
	}
	if err := decodeArg(args, "delta", &update.Delta); err != nil {
		return source.UpdateRemoteArgs{}, err
	}
	if err := decodeArg(args, "entries", &update.Entries); err != nil {
		return source.UpdateRemoteArgs{}, err
	}
	return update, nil
}

func decodeArg(args source.Args, key string, dst any) error {
	if !args.Has(key) {
		return nil
	}
	var data []byte
	if s, ok := args[key].(string); ok {
		data = []byte(s)
	} else {
		var err error
		if data, err = json.Marshal(args[key]); err != nil {
			return errors.Wrapf(err, "encoding %s", key)
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return source.Validationf("", "%s must be valid JSON: %v", key, err)
	}
	return nil
}

func remoteDataSummary(data *model.RemoteData) string {
	var sb strings.Builder
	sb.WriteString("### Remote data for " + data.RemoteID + "\n")
	if data.MirrorError != "" {
		sb.WriteString("Mirror error: " + data.MirrorError + "\n")
	}
	if data.HasUpdate() {
		sb.WriteString("Record updated.\n")
	} else {
		sb.WriteString("Record not changed.\n")
	}
	rows := make([]*format.Record, 0, len(data.Entries))
	for _, e := range data.Entries {
		rows = append(rows, format.NewRecord("Type", int(e.Type), "Format", string(e.Format), "Contents", e.Contents))
	}
	if len(rows) > 0 {
		sb.WriteString(format.Table("Entries", rows))
	}
	return sb.String()
}

func mappingSummary(fields *format.Record) string {
	var sb strings.Builder
	for p := fields.Oldest(); p != nil; p = p.Next() {
		schema, ok := p.Value.(*format.Record)
		if !ok {
			continue
		}
		rows := make([]*format.Record, 0, schema.Len())
		for f := schema.Oldest(); f != nil; f = f.Next() {
			rows = append(rows, format.NewRecord("Field", f.Key, "Description", f.Value))
		}
		sb.WriteString(format.Table(p.Key, rows))
	}
	return sb.String()
}
