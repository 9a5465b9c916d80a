// Package casb adapts the CASB incident and DLP policy API.
package casb

import (
	"context"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/nhle/incident-bridge/internal/logging"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// AuthErrorMessage is what test-module reports when the credentials are refused.
const AuthErrorMessage = "Authorization Error: make sure API Key is correctly set"

// Settings are the per-instance options read from the integration config.
type Settings struct {
	// MaxFetch is the incident limit of one fetch query.
	MaxFetch int

	// FirstFetch is how far back the first fetch starts, e.g. "3 days".
	FirstFetch string
}

// SettingsFromConfig reads Settings from an integration config.
func SettingsFromConfig(cfg model.IntegrationConfig) Settings {
	s := Settings{
		MaxFetch:   cast.ToInt(cfg.Setting("max_fetch")),
		FirstFetch: cfg.Setting("first_fetch"),
	}
	if s.MaxFetch <= 0 {
		s.MaxFetch = 50
	}
	if s.FirstFetch == "" {
		s.FirstFetch = "3 days"
	}
	return s
}

// Adapter implements source.Integration for the CASB API.
type Adapter struct {
	client   *Client
	settings Settings
	log      *zap.SugaredLogger
	now      func() time.Time
}

var _ source.Integration = (*Adapter)(nil)

// NewAdapter creates a new CASB adapter.
func NewAdapter(client *Client, settings Settings, log *zap.SugaredLogger) *Adapter {
	return &Adapter{
		client:   client,
		settings: settings,
		log:      logging.OrNop(log),
		now:      time.Now,
	}
}

// Type returns the integration type identifier for CASB.
func (a *Adapter) Type() model.IntegrationType {
	return model.IntegrationTypeCASB
}

// TestModule runs a one-incident query over the last three days.
// Refused credentials are reported as a message rather than an error.
func (a *Adapter) TestModule(ctx context.Context) (string, error) {
	start, err := a.timeArg("3 days")
	if err != nil {
		return "", err
	}
	if _, err := a.client.QueryIncidents(ctx, 1, IncidentQuery{StartTime: start}); err != nil {
		if source.IsUnauthorized(err) {
			return AuthErrorMessage, nil
		}
		return "", err
	}
	return "ok", nil
}

// timeArg resolves an absolute or relative time and formats it for the API.
func (a *Adapter) timeArg(s string) (string, error) {
	t, err := source.ParseTime(s, a.now().UTC(), time.UTC)
	if err != nil {
		return "", source.Validationf(model.IntegrationTypeCASB, "Invalid time value %q: %v", s, err)
	}
	return t.UTC().Format(DateFormat), nil
}
