package jira

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

const lastSync = "2024-03-01T10:00:00Z"

func TestGetRemoteDataDoneYieldsSingleCloseEntry(t *testing.T) {
	tests := []struct {
		name       string
		updated    string
		wantObject bool
	}{
		{name: "not newer", updated: "2024-03-01T09:00:00.000+0000"},
		{name: "newer", updated: "2024-03-01T11:00:00.000+0000", wantObject: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /rest/api/latest/issue/10",
				jsonHandler(issueJSON("10", "Done", "2024-02-01T09:00:00.000+0000", tt.updated)))
			mux.HandleFunc("GET /rest/api/latest/issue/10/comment",
				jsonHandler(`{"comments":[{"body":"late","updated":"2024-03-01T11:30:00.000+0000"}]}`))
			env := newTestEnv(t, mux, Settings{})

			data, err := env.adapter.GetRemoteData(context.Background(), "10", lastSync)
			require.NoError(t, err)

			require.Len(t, data.Entries, 1)
			assert.True(t, data.Entries[0].IsClose())
			assert.Equal(t, `Issue was marked as "Done"`, data.Entries[0].CloseReason())
			assert.Equal(t, model.EntryFormatJSON, data.Entries[0].Format)
			assert.Equal(t, tt.wantObject, data.HasUpdate())
			assert.Empty(t, env.rec.find(http.MethodGet, "/rest/api/latest/issue/10/comment"))
		})
	}
}

func TestGetRemoteDataNotNewer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/latest/issue/10",
		jsonHandler(issueJSON("10", "In Progress", "2024-02-01T09:00:00.000+0000", "2024-03-01T10:00:00.000+0000")))
	env := newTestEnv(t, mux, Settings{})

	data, err := env.adapter.GetRemoteData(context.Background(), "10", lastSync)
	require.NoError(t, err)

	assert.False(t, data.HasUpdate())
	assert.Empty(t, data.Entries)
	assert.Empty(t, data.MirrorError)
	assert.Len(t, env.rec.all(), 1)
}

func TestGetRemoteDataNewerCollectsEntries(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/latest/issue/10", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"10","fields":{"status":{"name":"In Progress"},`+
			`"updated":"2024-03-01T11:00:00.000+0000","attachment":[`+
			`{"id":"1","filename":"old.txt","created":"2024-02-01T09:00:00.000+0000","content":"`+base+`/files/1"},`+
			`{"id":"2","filename":"new.txt","created":"2024-03-01T10:30:00.000+0000","content":"`+base+`/files/2"}]}}`)
	})
	mux.HandleFunc("GET /rest/api/latest/issue/10/comment", jsonHandler(`{"comments":[`+
		`{"id":"1","body":"old comment","updated":"2024-02-01T09:00:00.000+0000"},`+
		`{"id":"2","body":"new comment","updated":"2024-03-01T10:45:00.000+0000"}]}`))
	mux.HandleFunc("GET /files/2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("new bytes"))
	})
	env := newTestEnv(t, mux, Settings{})
	base = env.server.URL

	data, err := env.adapter.GetRemoteData(context.Background(), "10", lastSync)
	require.NoError(t, err)

	require.True(t, data.HasUpdate())
	assert.Equal(t, "10", data.Object["id"])
	require.Len(t, data.Entries, 2)

	note := data.Entries[0]
	assert.Equal(t, model.EntryTypeNote, note.Type)
	assert.Equal(t, model.EntryFormatText, note.Format)
	assert.Equal(t, "new comment", note.Contents)
	assert.True(t, note.Note)

	file := data.Entries[1]
	assert.Equal(t, model.EntryTypeFile, file.Type)
	require.NotNil(t, file.File)
	assert.Equal(t, "new.txt", file.File.Name)
	_, content, err := env.store.OpenFile(context.Background(), file.File.ID)
	require.NoError(t, err)
	assert.Equal(t, "new bytes", string(content))
	assert.Empty(t, env.rec.find(http.MethodGet, "/files/1"))
}

func TestGetRemoteDataFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantAbort bool
	}{
		{name: "server error is recorded", status: http.StatusInternalServerError, body: `{"errorMessages":["boom"]}`},
		{name: "not found is recorded", status: http.StatusNotFound, body: "nope"},
		{name: "unauthorized aborts", status: http.StatusUnauthorized, body: "", wantAbort: true},
		{name: "too many requests aborts", status: http.StatusTooManyRequests, body: `{"message":"slow down"}`, wantAbort: true},
		{name: "rate limit text aborts", status: http.StatusBadRequest, body: `{"errorMessages":["Rate limit exceeded"]}`, wantAbort: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /rest/api/latest/issue/10", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			env := newTestEnv(t, mux, Settings{})

			data, err := env.adapter.GetRemoteData(context.Background(), "10", lastSync)
			if tt.wantAbort {
				require.Error(t, err)
				assert.Nil(t, data)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, data.MirrorError)
			assert.Equal(t, "10", data.RemoteID)
			assert.Empty(t, data.Entries)
		})
	}
}

func TestGetModifiedRemoteData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/latest/myself", jsonHandler(`{"name":"bot","timeZone":"Europe/Berlin"}`))
	mux.HandleFunc("GET /rest/api/latest/search/", jsonHandler(`{"issues":[{"id":"10"},{"id":"11"}]}`))
	env := newTestEnv(t, mux, Settings{})

	ids, err := env.adapter.GetModifiedRemoteData(context.Background(), lastSync)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "11"}, ids)

	reqs := env.rec.find(http.MethodGet, "/rest/api/latest/search/")
	require.Len(t, reqs, 1)
	q, err := url.ParseQuery(reqs[0].Query)
	require.NoError(t, err)
	assert.Equal(t, `updated > "2024-03-01 11:00"`, q.Get("jql"))
	assert.Equal(t, "100", q.Get("maxResults"))
}

func TestGetModifiedRemoteDataFailureYieldsEmptyList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/latest/myself", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"errorMessages":["down"]}`)
	})
	env := newTestEnv(t, mux, Settings{})

	ids, err := env.adapter.GetModifiedRemoteData(context.Background(), lastSync)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NotNil(t, ids)
	assert.Empty(t, env.rec.find(http.MethodGet, "/rest/api/latest/search/"))
}

func TestUpdateRemoteSystemNothingToSend(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux(), Settings{})

	tests := []source.UpdateRemoteArgs{
		{RemoteID: "10"},
		{RemoteID: "10", Delta: map[string]any{}, IncidentChanged: true},
		{RemoteID: "10", Delta: map[string]any{"summary": "x"}, IncidentChanged: false},
	}
	for _, args := range tests {
		assert.Equal(t, "10", env.adapter.UpdateRemoteSystem(context.Background(), args))
	}
	assert.Empty(t, env.rec.all())
}

func TestUpdateRemoteSystemEditsAndPushesEntries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /rest/api/latest/issue/10/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /rest/api/latest/issue/10",
		jsonHandler(issueJSON("10", "Open", "2024-02-01T09:00:00.000+0000", "2024-03-01T11:00:00.000+0000")))
	mux.HandleFunc("POST /rest/api/latest/issue/10/comment", jsonHandler(`{"id":"500","body":"hello"}`))
	mux.HandleFunc("POST /rest/api/latest/issue/10/attachments",
		jsonHandler(`[{"id":"900","filename":"report.txt","self":"https://jira.example.com/attachment/900"}]`))
	env := newTestEnv(t, mux, Settings{})

	ref, err := env.store.SaveFile(context.Background(), "report.txt", []byte("report"))
	require.NoError(t, err)

	id := env.adapter.UpdateRemoteSystem(context.Background(), source.UpdateRemoteArgs{
		RemoteID:        "10",
		Delta:           map[string]any{"summary": "new summary", "customfield_10001": "blue"},
		IncidentChanged: true,
		Entries: []model.Entry{
			{ID: "e1", Type: model.EntryTypeNote, Contents: "hello"},
			{ID: "e2", Type: model.EntryTypeFile, File: &ref},
		},
	})
	assert.Equal(t, "10", id)

	puts := env.rec.find(http.MethodPut, "/rest/api/latest/issue/10/")
	require.Len(t, puts, 1)
	fields := decodeBody(t, puts[0].Body)["fields"].(map[string]any)
	assert.Equal(t, "new summary", fields["summary"])
	assert.Equal(t, "blue", fields["customfield_10001"])

	comments := env.rec.find(http.MethodPost, "/rest/api/latest/issue/10/comment")
	require.Len(t, comments, 1)
	assert.Equal(t, "hello", decodeBody(t, comments[0].Body)["body"])

	uploads := env.rec.find(http.MethodPost, "/rest/api/latest/issue/10/attachments")
	require.Len(t, uploads, 1)
	assert.Equal(t, "no-check", uploads[0].Header.Get("X-Atlassian-Token"))
	assert.True(t, strings.HasPrefix(uploads[0].Header.Get("Content-Type"), "multipart/form-data"))
	assert.Contains(t, string(uploads[0].Body), `filename="report.txt"`)
}

func TestUpdateRemoteSystemSwallowsFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /rest/api/latest/issue/10/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"errors":{"summary":"bad"}}`)
	})
	mux.HandleFunc("POST /rest/api/latest/issue/10/comment", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"errorMessages":["down"]}`)
	})
	env := newTestEnv(t, mux, Settings{})

	id := env.adapter.UpdateRemoteSystem(context.Background(), source.UpdateRemoteArgs{
		RemoteID:        "10",
		Delta:           map[string]any{"summary": "x"},
		IncidentChanged: true,
		Entries: []model.Entry{
			{Type: model.EntryTypeNote, Contents: "one"},
			{Type: model.EntryTypeNote, Contents: "two"},
		},
	})

	assert.Equal(t, "10", id)
	assert.Len(t, env.rec.find(http.MethodPost, "/rest/api/latest/issue/10/comment"), 2)
	assert.Equal(t, 1, env.logs.FilterMessage("outgoing mirror edit failed").Len())
	assert.Equal(t, 2, env.logs.FilterMessage("outgoing mirror entry failed").Len())
}
