package app

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
	"github.com/nhle/incident-bridge/internal/source/casb"
	"github.com/nhle/incident-bridge/internal/source/jira"
)

// SecretResolver turns a credential reference into the secret it names.
type SecretResolver func(ref string) (string, error)

// buildIntegration creates the adapter for an integration config,
// resolving its secret through resolve.
func buildIntegration(
	cfg model.IntegrationConfig,
	resolve SecretResolver,
	files source.FileStore,
	log *zap.SugaredLogger,
) (source.Integration, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Newf("integration %q has no base_url", cfg.ID)
	}
	secret, err := resolve(cfg.Credentials.Secret)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving credentials of %q", cfg.ID)
	}
	rateLimit := cast.ToFloat64(cfg.Setting("rate_limit"))

	switch model.IntegrationType(cfg.Type) {
	case model.IntegrationTypeJira:
		client := jira.NewClient(cfg.BaseURL,
			jira.WithAuth(cfg.Credentials.AuthMode, cfg.Credentials.Username, secret),
			jira.WithInsecure(cfg.Insecure),
			jira.WithRateLimit(rateLimit),
			jira.WithLogger(log),
		)
		return jira.NewAdapter(client, jira.SettingsFromConfig(cfg), files, log), nil

	case model.IntegrationTypeCASB:
		client := casb.NewClient(cfg.BaseURL,
			casb.WithCredentials(cfg.Credentials.Username, secret),
			casb.WithInsecure(cfg.Insecure),
			casb.WithRateLimit(rateLimit),
			casb.WithLogger(log),
		)
		return casb.NewAdapter(client, casb.SettingsFromConfig(cfg), log), nil

	default:
		return nil, errors.Newf("integration %q has unknown type %q", cfg.ID, cfg.Type)
	}
}
