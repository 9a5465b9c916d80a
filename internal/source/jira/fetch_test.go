package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/incident-bridge/internal/model"
)

func searchMux(body string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/latest/search/", jsonHandler(body))
	return mux
}

func lastJQL(t *testing.T, env *testEnv) string {
	t.Helper()
	reqs := env.rec.find(http.MethodGet, "/rest/api/latest/search/")
	require.NotEmpty(t, reqs)
	q, err := url.ParseQuery(reqs[len(reqs)-1].Query)
	require.NoError(t, err)
	return q.Get("jql")
}

func mirrorIDs(incidents []model.Incident) []string {
	ids := make([]string, 0, len(incidents))
	for _, inc := range incidents {
		ids = append(ids, inc.MirrorID)
	}
	return ids
}

func TestFetchIncidentsSkipsIssuesAtOrBelowOffset(t *testing.T) {
	body := searchJSON(
		issueJSON("99", "Open", "2024-02-28T09:00:00.000+0000", "2024-02-28T09:00:00.000+0000"),
		issueJSON("101", "Open", "2024-02-29T09:00:00.000+0000", "2024-02-29T09:00:00.000+0000"),
		issueJSON("105", "Open", "2024-03-01T09:00:00.000+0000", "2024-03-01T09:00:00.000+0000"),
	)
	env := newTestEnv(t, searchMux(body), Settings{Query: "project = SEC"})

	res, err := env.adapter.FetchIncidents(context.Background(), model.Cursor{Version: 1, IDOffset: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{"101", "105"}, mirrorIDs(res.Incidents))
	assert.Equal(t, int64(105), res.Cursor.IDOffset)
	assert.Equal(t, "2024-03-01T09:00:00.000+0000", res.Cursor.LastSeen)
	assert.Equal(t, model.CursorVersion, res.Cursor.Version)
	assert.Equal(t, "project = SEC AND id >= 100", lastJQL(t, env))
}

func TestFetchIncidentsWarnsOnOutOfOrderIDs(t *testing.T) {
	body := searchJSON(
		issueJSON("105", "Open", "2024-03-01T09:00:00.000+0000", "2024-03-01T09:00:00.000+0000"),
		issueJSON("101", "Open", "2024-02-29T09:00:00.000+0000", "2024-02-29T09:00:00.000+0000"),
	)
	env := newTestEnv(t, searchMux(body), Settings{Query: "project = SEC"})

	res, err := env.adapter.FetchIncidents(context.Background(), model.Cursor{Version: 1, IDOffset: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{"105", "101"}, mirrorIDs(res.Incidents))
	assert.Equal(t, int64(105), res.Cursor.IDOffset)
	assert.Equal(t, "2024-03-01T09:00:00.000+0000", res.Cursor.LastSeen)
	assert.Equal(t, 1, env.logs.FilterMessage("issue ids out of order").Len())
}

func TestFetchIncidentsFirstRunUsesConfiguredOffset(t *testing.T) {
	env := newTestEnv(t, searchMux(`{"issues":[]}`), Settings{Query: "project = SEC", IDOffset: 10})

	res, err := env.adapter.FetchIncidents(context.Background(), model.Cursor{})
	require.NoError(t, err)

	assert.Empty(t, res.Incidents)
	assert.Equal(t, model.Cursor{Version: model.CursorVersion, IDOffset: 10}, res.Cursor)
	assert.Equal(t, "project = SEC AND id >= 10", lastJQL(t, env))
}

func TestFetchIncidentsRepollEmitsNothingNew(t *testing.T) {
	body := searchJSON(
		issueJSON("101", "Open", "2024-02-29T09:00:00.000+0000", "2024-02-29T09:00:00.000+0000"),
	)
	env := newTestEnv(t, searchMux(body), Settings{Query: "project = SEC"})
	ctx := context.Background()

	first, err := env.adapter.FetchIncidents(ctx, model.Cursor{})
	require.NoError(t, err)
	require.Len(t, first.Incidents, 1)

	second, err := env.adapter.FetchIncidents(ctx, first.Cursor)
	require.NoError(t, err)
	assert.Empty(t, second.Incidents)
	assert.Equal(t, first.Cursor, second.Cursor)
}

func TestFetchQuery(t *testing.T) {
	tests := []struct {
		name        string
		byCreated   bool
		offset      int64
		lastCreated string
		want        string
	}{
		{name: "no position", want: "project = SEC"},
		{name: "id offset", offset: 5, want: "project = SEC AND id >= 5"},
		{
			name:      "by created without last time",
			byCreated: true,
			offset:    5,
			want:      "project = SEC AND id >= 5 AND created>-1m",
		},
		{
			name:        "by created with last time",
			byCreated:   true,
			offset:      5,
			lastCreated: "2024-03-01T10:05:00.000+0000",
			want:        `project = SEC AND created>="2024-03-01 10:03"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(nil, Settings{Query: "project = SEC", FetchByCreated: tt.byCreated}, nil, nil)
			got, err := a.fetchQuery(tt.offset, tt.lastCreated)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchIncidentsBuildsIncident(t *testing.T) {
	issue := issueJSON("101", "Open", "2024-02-29T09:00:00.000+0000", "2024-02-29T10:00:00.000+0000")
	mux := searchMux(searchJSON(issue))
	mux.HandleFunc("GET /rest/api/latest/issue/101/comment", jsonHandler(
		`{"comments":[{"id":"1","body":"first","updateAuthor":{"name":"ann"},"created":"2024-02-29T09:30:00.000+0000"}]}`))

	env := newTestEnv(t, mux, Settings{
		InstanceName:   "jira-prod",
		Query:          "project = SEC",
		FetchComments:  true,
		IncomingMirror: true,
		OutgoingMirror: true,
		CommentTag:     "comment",
		FileTag:        "attachment",
	})

	res, err := env.adapter.FetchIncidents(context.Background(), model.Cursor{Version: 1, IDOffset: 100})
	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)

	inc := res.Incidents[0]
	assert.Equal(t, "Jira issue: 101", inc.Name)
	assert.Equal(t, "2024-02-29T09:00:00.000+0000", inc.Occurred)
	assert.Equal(t, 3, inc.Severity)
	assert.Equal(t, "desc 101", inc.Details)
	assert.Equal(t, "101", inc.MirrorID)

	labels := make(map[string]string)
	for _, l := range inc.Labels {
		labels[l.Type] = l.Value
	}
	assert.Equal(t, "High", labels["priority"])
	assert.Equal(t, "Open", labels["status"])
	assert.Equal(t, "Security", labels["project"])
	assert.Equal(t, "ann@example.com", labels["reporteremail"])
	assert.Equal(t, "None", labels["lastViewed"])
	assert.JSONEq(t, issue, labels["issue"])
	assert.Contains(t, labels["comments"], `"first"`)

	assert.True(t, strings.HasPrefix(inc.RawJSON, `{"id":"101"`), "key order preserved: %s", inc.RawJSON)
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(inc.RawJSON), &raw))
	assert.Equal(t, "Both", raw["mirror_direction"])
	assert.Equal(t, []any{"comment", "attachment"}, raw["mirror_tags"])
	assert.Equal(t, "jira-prod", raw["mirror_instance"])
}

func TestFetchIncidentsDownloadsAttachments(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/latest/search/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"issues":[{"id":"7","fields":{"created":"2024-02-29T09:00:00.000+0000",`+
			`"attachment":[{"id":"900","filename":"evidence.txt","content":"`+base+`/secure/attachment/900"}]}}]}`)
	})
	mux.HandleFunc("GET /secure/attachment/900", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("payload"))
	})

	env := newTestEnv(t, mux, Settings{Query: "project = SEC", FetchAttachments: true})
	base = env.server.URL

	res, err := env.adapter.FetchIncidents(context.Background(), model.Cursor{})
	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)
	require.Len(t, res.Incidents[0].Attachments, 1)

	ref := res.Incidents[0].Attachments[0]
	assert.Equal(t, "evidence.txt", ref.Name)
	_, data, err := env.store.OpenFile(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, 0, res.Incidents[0].Severity)

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Incidents[0].RawJSON), &raw))
	assert.Nil(t, raw["mirror_direction"])
}
