package casb

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/incident-bridge/internal/format"
	"github.com/nhle/incident-bridge/internal/source"
)

func run(t *testing.T, env *testEnv, command string, args source.Args) (*source.Result, error) {
	t.Helper()
	handler, ok := env.adapter.Commands()[command]
	require.True(t, ok, "command %s registered", command)
	return handler(context.Background(), args)
}

func TestIncidentQuery(t *testing.T) {
	env := newTestEnv(t, replayMux(queryResponse("2024-03-04T10:02:00.000000Z",
		incidentJSON(11, "2024-03-04T10:01:00.000Z"),
		incidentJSON(12, "2024-03-04T10:02:00.000Z"))), Settings{})

	res, err := run(t, env, CmdIncidentQuery, source.Args{
		"limit":         "5",
		"start_time":    "2024-03-01T00:00:00Z",
		"actor_ids":     "ann@example.com",
		"service_names": "Box,Slack",
		"categories":    "Data,InsiderThreat",
	})
	require.NoError(t, err)

	reqs := env.rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "limit=5", reqs[0].Query)
	assert.JSONEq(t, `{
		"startTime": "2024-03-01T00:00:00.000000Z",
		"endTime": "2024-03-04T12:00:00.000000Z",
		"actorIds": ["ann@example.com"],
		"serviceNames": ["Box","Slack"],
		"incidentCriteria": {"categories": [
			{"incidentType": "Alert", "category": "Data"},
			{"incidentType": "Threat", "category": "InsiderThreat"}
		]}
	}`, string(reqs[0].Body))

	assert.Equal(t, "CASB.Incident", res.OutputsPrefix)
	assert.Equal(t, "incidentId", res.OutputsKeyField)
	outputs := res.Outputs.([]*format.Record)
	require.Len(t, outputs, 2)
	assert.Equal(t, json.Number("11"), format.ToMap(outputs[0])["incidentId"])

	assert.Contains(t, res.ReadableOutput, "### CASB Incidents")
	assert.Contains(t, res.ReadableOutput, "Incident ID")
	assert.Contains(t, res.ReadableOutput, "Time(UTC)")
	assert.Contains(t, res.ReadableOutput, "Policy Name")
	assert.NotContains(t, res.ReadableOutput, "Alert Action")
}

func TestIncidentQueryIncidentTypes(t *testing.T) {
	env := newTestEnv(t, replayMux(queryResponse("")), Settings{})

	res, err := run(t, env, CmdIncidentQuery, source.Args{"incident_types": "Alert"})
	require.NoError(t, err)
	assert.Equal(t, "No Incidents were found with the requested filters.", res.ReadableOutput)

	var q IncidentQuery
	require.NoError(t, json.Unmarshal(env.rec.all()[0].Body, &q))
	require.NotNil(t, q.IncidentCriteria)
	assert.Equal(t, []CategoryFilter{{IncidentType: "Alert"}}, q.IncidentCriteria.Categories)
	assert.Equal(t, "2024-03-01T12:00:00.000000Z", q.StartTime)
	assert.Equal(t, "limit=50", env.rec.all()[0].Query)
}

func TestIncidentQueryPaging(t *testing.T) {
	env := newTestEnv(t, replayMux(
		queryResponse("2024-03-02T00:00:00.000000Z", incidentJSON(1, "2024-03-01T13:00:00.000Z")),
		queryResponse("2024-03-03T00:00:00.000000Z", incidentJSON(2, "2024-03-02T13:00:00.000Z")),
		queryResponse("2024-03-04T00:00:00.000000Z", incidentJSON(3, "2024-03-03T13:00:00.000Z")),
	), Settings{})

	res, err := run(t, env, CmdIncidentQuery, source.Args{"page_number": "3", "page_size": "1"})
	require.NoError(t, err)

	bodies := queryBodies(t, env)
	require.Len(t, bodies, 3)
	assert.Equal(t, "2024-03-01T12:00:00.000000Z", bodies[0].StartTime)
	assert.Equal(t, "2024-03-02T00:00:00.000000Z", bodies[1].StartTime)
	assert.Equal(t, "2024-03-03T00:00:00.000000Z", bodies[2].StartTime)
	for _, req := range env.rec.all() {
		assert.Equal(t, "limit=1", req.Query)
	}

	outputs := res.Outputs.([]*format.Record)
	require.Len(t, outputs, 1)
	assert.Equal(t, json.Number("3"), format.ToMap(outputs[0])["incidentId"])
}

func TestStatusUpdate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /external/api/v1/modifyIncidents", jsonHandler(`{"status":"ok"}`))
	env := newTestEnv(t, mux, Settings{})

	res, err := run(t, env, CmdStatusUpdate, source.Args{"incident_ids": "1,2", "status": "RESOLVED"})
	require.NoError(t, err)
	assert.Equal(t, "Status updated for user", res.ReadableOutput)
	assert.JSONEq(t, `[
		{"incidentId":1,"changeRequests":{"WORKFLOW_STATUS":"RESOLVED"}},
		{"incidentId":2,"changeRequests":{"WORKFLOW_STATUS":"RESOLVED"}}
	]`, string(env.rec.all()[0].Body))

	_, err = run(t, env, CmdStatusUpdate, source.Args{"incident_ids": "abc", "status": "RESOLVED"})
	require.Error(t, err)
	assert.True(t, source.IsValidation(err))

	_, err = run(t, env, CmdStatusUpdate, source.Args{"incident_ids": "1"})
	require.Error(t, err)
	assert.True(t, source.IsValidation(err))
	assert.Len(t, env.rec.all(), 1)
}

func TestAnomalyActivityList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /external/api/v1/queryActivities",
		jsonHandler(`[{"id":1,"activity":"download","user":"ann"},{"id":2,"activity":"share","user":"bob"}]`))
	env := newTestEnv(t, mux, Settings{})

	res, err := run(t, env, CmdAnomalyActivity, source.Args{"anomaly_id": "42"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"incident_id":42}`, string(env.rec.all()[0].Body))
	assert.Equal(t, "CASB.AnomalyActivity", res.OutputsPrefix)
	rows := res.Outputs.([]*format.Record)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"id", "activity", "user"}, format.Keys(rows[0]))
	assert.Contains(t, res.ReadableOutput, "download")
	assert.Contains(t, res.ReadableOutput, "share")
}

const dictionaries = `[
	{"id":1,"name":"SSN","last_modified_time":"2024-01-01"},
	{"id":2,"name":"IBAN","last_modified_time":"2024-01-02"},
	{"id":3,"name":"Email"},
	{"id":4,"name":"Phone","last_modified_time":"2024-01-04"}
]`

func TestDictionaryList(t *testing.T) {
	tests := []struct {
		name    string
		args    source.Args
		wantIDs []json.Number
	}{
		{name: "default page", args: source.Args{}, wantIDs: []json.Number{"1", "2", "3", "4"}},
		{name: "limit wins", args: source.Args{"limit": "2", "page": "2", "page_size": "1"}, wantIDs: []json.Number{"1", "2"}},
		{name: "second page", args: source.Args{"page": "2", "page_size": "2"}, wantIDs: []json.Number{"3", "4"}},
		{name: "page past the end", args: source.Args{"page": "5", "page_size": "2"}, wantIDs: nil},
		{name: "name filter", args: source.Args{"name": "IBAN,Phone"}, wantIDs: []json.Number{"2", "4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /dlp/dictionary", jsonHandler(dictionaries))
			env := newTestEnv(t, mux, Settings{})

			res, err := run(t, env, CmdDictionaryList, tt.args)
			require.NoError(t, err)

			var ids []json.Number
			for _, row := range res.Outputs.([]*format.Record) {
				id, _ := row.Get("ID")
				ids = append(ids, id.(json.Number))
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, "CASB.Dictionary", res.OutputsPrefix)
			assert.Equal(t, "ID", res.OutputsKeyField)
			assert.Contains(t, res.ReadableOutput, "### List of CASB Policies")
		})
	}
}

func TestDictionaryListHeaders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /dlp/dictionary", jsonHandler(dictionaries))
	env := newTestEnv(t, mux, Settings{})

	res, err := run(t, env, CmdDictionaryList, source.Args{"name": "Email"})
	require.NoError(t, err)
	assert.Contains(t, res.ReadableOutput, "ID")
	assert.NotContains(t, res.ReadableOutput, "Last Modified")

	res, err = run(t, env, CmdDictionaryList, source.Args{"name": "SSN"})
	require.NoError(t, err)
	assert.Contains(t, res.ReadableOutput, "Last Modified")
}

func TestDictionaryUpdate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /dlp/dictionary", jsonHandler(`{"id":7}`))
	env := newTestEnv(t, mux, Settings{})

	res, err := run(t, env, CmdDictionaryUpdate, source.Args{
		"dictionary_id": "7",
		"name":          "Codes",
		"content":       []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Dictionary id: 7 was updated.", res.ReadableOutput)
	assert.JSONEq(t, `{"id":7,"name":"Codes","content":["a","b"]}`, string(env.rec.all()[0].Body))
}

func TestOffsetAndLimit(t *testing.T) {
	tests := []struct {
		args       source.Args
		wantOffset int
		wantLimit  int
	}{
		{args: source.Args{"limit": "7"}, wantOffset: 0, wantLimit: 7},
		{args: source.Args{"page": "3", "page_size": "10"}, wantOffset: 20, wantLimit: 30},
		{args: source.Args{"page": "3"}, wantOffset: 0, wantLimit: 50},
		{args: source.Args{}, wantOffset: 0, wantLimit: 50},
	}
	for _, tt := range tests {
		offset, limit, err := offsetAndLimit(tt.args)
		require.NoError(t, err)
		assert.Equal(t, tt.wantOffset, offset, "%v", tt.args)
		assert.Equal(t, tt.wantLimit, limit, "%v", tt.args)
	}
}

func TestTestModule(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    string
		wantErr bool
	}{
		{name: "ok", status: http.StatusOK, want: "ok"},
		{name: "unauthorized", status: http.StatusUnauthorized, want: AuthErrorMessage},
		{name: "forbidden", status: http.StatusForbidden, want: AuthErrorMessage},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /external/api/v1/queryIncidents", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, queryResponse(""))
			})
			env := newTestEnv(t, mux, Settings{})

			got, err := env.adapter.TestModule(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			req := env.rec.all()[0]
			assert.Equal(t, "limit=1", req.Query)
			user, pass, ok := (&http.Request{Header: req.Header}).BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "casb-user", user)
			assert.Equal(t, "casb-pass", pass)
		})
	}
}

func TestClientErrorMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /dlp/dictionary", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error":"no"}`)
	})
	env := newTestEnv(t, mux, Settings{})

	_, err := run(t, env, CmdDictionaryList, source.Args{})
	require.Error(t, err)
	assert.Equal(t, "Error in API call [403] - Forbidden\n{\"error\":\"no\"}", err.Error())
	assert.True(t, source.IsUnauthorized(err))
	assert.Equal(t, http.StatusForbidden, source.StatusOf(err))
}
