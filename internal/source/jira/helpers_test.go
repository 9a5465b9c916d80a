package jira

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest/observer"

	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/store"
	"github.com/nhle/incident-bridge/internal/testutil"
)

// recordedRequest is one request seen by the fake Jira server.
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

// find returns the requests matching method and path.
func (r *recorder) find(method, path string) []recordedRequest {
	var out []recordedRequest
	for _, req := range r.all() {
		if req.Method == method && req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

type testEnv struct {
	adapter *Adapter
	server  *httptest.Server
	rec     *recorder
	logs    *observer.ObservedLogs
	store   *store.SQLiteStore
}

// newTestEnv starts a fake Jira backed by mux and an adapter pointed at it.
// The adapter clock is fixed at 2024-03-01T12:00:00Z.
func newTestEnv(t *testing.T, mux *http.ServeMux, settings Settings) *testEnv {
	t.Helper()

	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		rec.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	log, logs := testutil.NewObservedLogger()
	st := testutil.NewTestStore(t)
	client := NewClient(srv.URL, WithAuth(model.AuthModeBasic, "bot", "token"), WithLogger(log))
	a := NewAdapter(client, settings, st, log)
	a.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	return &testEnv{adapter: a, server: srv, rec: rec, logs: logs, store: st}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch body := v.(type) {
	case string:
		_, _ = io.WriteString(w, body)
	default:
		_ = json.NewEncoder(w).Encode(body)
	}
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}

func issueJSON(id, status, created, updated string) string {
	return fmt.Sprintf(`{"id":%q,"key":"SEC-%s","self":"https://jira.example.com/rest/api/latest/issue/%s",`+
		`"fields":{"summary":"Issue %s","description":"desc %s","status":{"name":%q},"priority":{"name":"High"},`+
		`"project":{"name":"Security","key":"SEC"},"reporter":{"displayName":"Ann","emailAddress":"ann@example.com"},`+
		`"created":%q,"updated":%q}}`, id, id, id, id, id, status, created, updated)
}

func searchJSON(issues ...string) string {
	out := `{"startAt":0,"maxResults":50,"total":` + fmt.Sprint(len(issues)) + `,"issues":[`
	for i, issue := range issues {
		if i > 0 {
			out += ","
		}
		out += issue
	}
	return out + "]}"
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("decoding request body %q: %v", body, err)
	}
	return m
}
