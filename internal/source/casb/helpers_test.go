package casb

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest/observer"

	"github.com/nhle/incident-bridge/internal/testutil"
)

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

type testEnv struct {
	adapter *Adapter
	server  *httptest.Server
	rec     *recorder
	logs    *observer.ObservedLogs
}

// newTestEnv starts a fake CASB API backed by mux. Handlers are mounted
// under the API root. The adapter clock is fixed at 2024-03-04T12:00:00Z.
func newTestEnv(t *testing.T, mux *http.ServeMux, settings Settings) *testEnv {
	t.Helper()

	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			Method: r.Method,
			Path:   strings.TrimPrefix(r.URL.Path, APIRoot),
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		rec.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		http.StripPrefix(APIRoot, mux).ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	log, logs := testutil.NewObservedLogger()
	client := NewClient(srv.URL+"/", WithCredentials("casb-user", "casb-pass"), WithLogger(log))
	a := NewAdapter(client, settings, log)
	a.now = func() time.Time { return time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC) }

	return &testEnv{adapter: a, server: srv, rec: rec, logs: logs}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}

// incidentJSON renders one incident record.
func incidentJSON(id int, modified string) string {
	return fmt.Sprintf(`{"incidentId":%d,"timeCreated":%q,"timeModified":%q,"status":"OPENED",`+
		`"serviceNames":["Box"],"incidentRiskSeverity":"high","actorId":"ann@example.com",`+
		`"policyName":"PII","remediationResponse":null}`, id, modified, modified)
}

// queryResponse renders a queryIncidents reply.
func queryResponse(next string, incidents ...string) string {
	return fmt.Sprintf(`{"body":{"incidents":[%s],"responseInfo":{"nextStartTime":%q}}}`,
		strings.Join(incidents, ","), next)
}
