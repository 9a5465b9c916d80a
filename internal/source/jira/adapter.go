package jira

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/nhle/incident-bridge/internal/logging"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// Settings are the per-instance options read from the integration config.
type Settings struct {
	// InstanceName is stamped on fetched incidents as mirror_instance.
	InstanceName string

	// Query is the JQL fetch-incidents extends with its position clauses.
	Query string

	// IDOffset is the issue id a first fetch starts after.
	IDOffset int64

	FetchAttachments bool
	FetchComments    bool
	IncomingMirror   bool
	OutgoingMirror   bool
	CommentTag       string
	FileTag          string

	// FetchByCreated polls by creation time instead of by id.
	FetchByCreated bool

	// ProjectKey is the default project for created issues.
	ProjectKey string

	// IsFetch makes test-module also run the fetch query.
	IsFetch bool
}

// SettingsFromConfig reads Settings from an integration config.
func SettingsFromConfig(cfg model.IntegrationConfig) Settings {
	s := Settings{
		InstanceName:     cfg.ID,
		Query:            cfg.Setting("query"),
		IDOffset:         cast.ToInt64(cfg.Setting("id_offset")),
		FetchAttachments: cast.ToBool(cfg.Setting("fetch_attachments")),
		FetchComments:    cast.ToBool(cfg.Setting("fetch_comments")),
		IncomingMirror:   cast.ToBool(cfg.Setting("incoming_mirror")),
		OutgoingMirror:   cast.ToBool(cfg.Setting("outgoing_mirror")),
		CommentTag:       cfg.Setting("comment_tag"),
		FileTag:          cfg.Setting("file_tag"),
		FetchByCreated:   cast.ToBool(cfg.Setting("fetch_by_created")),
		ProjectKey:       cfg.Setting("project_key"),
		IsFetch:          cast.ToBool(cfg.Setting("is_fetch")),
	}
	if s.CommentTag == "" {
		s.CommentTag = "comment"
	}
	if s.FileTag == "" {
		s.FileTag = "attachment"
	}
	return s
}

// Adapter implements source.Mirrorer for Jira Server, Data Center and Cloud.
type Adapter struct {
	client   *Client
	settings Settings
	files    source.FileStore
	log      *zap.SugaredLogger
	now      func() time.Time
}

var _ source.Mirrorer = (*Adapter)(nil)

// NewAdapter creates a new Jira adapter.
func NewAdapter(
	client *Client,
	settings Settings,
	files source.FileStore,
	log *zap.SugaredLogger,
) *Adapter {
	return &Adapter{
		client:   client,
		settings: settings,
		files:    files,
		log:      logging.OrNop(log),
		now:      time.Now,
	}
}

// Type returns the integration type identifier for Jira.
func (a *Adapter) Type() model.IntegrationType {
	return model.IntegrationTypeJira
}

// TestModule verifies credentials by calling GET myself. With fetching
// enabled it also runs the fetch query once.
func (a *Adapter) TestModule(ctx context.Context) (string, error) {
	raw, err := a.client.GetRaw(ctx, "rest/api/latest/myself")
	if err != nil {
		return "", err
	}
	var me Myself
	if err := json.Unmarshal(raw, &me); err != nil {
		return "", errors.Wrap(err, "decoding current user")
	}

	if a.settings.IsFetch {
		params := url.Values{}
		params.Set("jql", a.settings.Query)
		params.Set("maxResults", "1")
		if _, err := a.client.Search(ctx, params); err != nil {
			return "", err
		}
	}

	if !me.Active {
		return "", errors.Newf("Test module for Jira failed for the configured parameters."+
			"please Validate that the user is active. Response: %s", raw)
	}

	if a.settings.OutgoingMirror {
		if _, err := a.fieldList(ctx); err != nil {
			a.log.Warnw("Test module has finished successfully! There was a problem getting the list of "+
				"custom fields for mirror outgoing incidents", "error", err)
		}
	}
	return "ok", nil
}

// fieldList returns every system and custom field.
func (a *Adapter) fieldList(ctx context.Context) ([]Field, error) {
	var fields []Field
	if err := a.client.Get(ctx, "rest/api/latest/field", &fields); err != nil {
		return nil, errors.Wrap(err, "listing fields")
	}
	return fields, nil
}

// fieldNames maps field ids to names. Failures are logged and yield an
// empty map.
func (a *Adapter) fieldNames(ctx context.Context) map[string]string {
	fields, err := a.fieldList(ctx)
	if err != nil {
		a.log.Errorw("could not get custom fields", "error", err)
		return map[string]string{}
	}
	names := make(map[string]string, len(fields))
	for _, f := range fields {
		names[f.ID] = f.Name
	}
	return names
}

func issuePath(id string, rest ...string) string {
	p := "rest/api/latest/issue/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}
