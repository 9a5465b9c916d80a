package jira

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

func TestClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		upload   bool
		wantMsg  string
		wantKind source.Kind
		wantHint bool
		wantRate bool
	}{
		{
			name:     "error messages",
			status:   http.StatusBadRequest,
			body:     `{"errorMessages":["bad jql","again"]}`,
			wantMsg:  "Status code: 400\nMessage: bad jql,again",
			wantKind: source.KindGeneric,
		},
		{
			name:     "errors object",
			status:   http.StatusBadRequest,
			body:     `{"errorMessages":[],"errors":{"summary":"required"}}`,
			wantMsg:  "Status code: 400\nMessage: required",
			wantKind: source.KindGeneric,
		},
		{
			name:     "other json",
			status:   http.StatusInternalServerError,
			body:     `{"message":"boom"}`,
			wantMsg:  "Status code: 500\nError text: {\"message\":\"boom\"}",
			wantKind: source.KindServerError,
		},
		{
			name:     "unauthorized text",
			status:   http.StatusUnauthorized,
			body:     "go away",
			wantMsg:  "Unauthorized request, please check authentication related parameters.",
			wantKind: source.KindUnauthorized,
			wantHint: true,
		},
		{
			name:     "not found text",
			status:   http.StatusNotFound,
			body:     "<html>nope</html>",
			wantMsg:  "Could not connect to the Jira server. Verify that the server URL is correct.",
			wantKind: source.KindNotFound,
		},
		{
			name:     "upload server error",
			status:   http.StatusInternalServerError,
			body:     "trace",
			upload:   true,
			wantMsg:  "Failed to execute request, status code: 500\nBody: trace\nMake sure file name doesn't contain any special characters",
			wantKind: source.KindServerError,
		},
		{
			name:     "throttled json",
			status:   http.StatusTooManyRequests,
			body:     `{"message":"slow down"}`,
			wantMsg:  "Status code: 429\nError text: {\"message\":\"slow down\"}",
			wantKind: source.KindGeneric,
			wantRate: true,
		},
		{
			name:     "throttled text",
			status:   http.StatusTooManyRequests,
			body:     "slow down",
			wantMsg:  "Failed reaching the server. status code: 429",
			wantKind: source.KindGeneric,
			wantRate: true,
		},
		{
			name:     "rate limit message",
			status:   http.StatusBadRequest,
			body:     `{"errorMessages":["Rate limit exceeded"]}`,
			wantMsg:  "Status code: 400\nMessage: Rate limit exceeded",
			wantKind: source.KindGeneric,
			wantRate: true,
		},
		{
			name:     "fallback",
			status:   http.StatusBadGateway,
			body:     "gateway",
			wantMsg:  "Failed reaching the server. status code: 502",
			wantKind: source.KindServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL)
			var err error
			if tt.upload {
				_, err = c.Upload(context.Background(), "rest/api/latest/issue/1/attachments", "a.txt", []byte("x"))
			} else {
				_, err = c.GetRaw(context.Background(), "rest/api/latest/issue/1")
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantMsg, err.Error())
			assert.Equal(t, tt.wantKind, source.KindOf(err))
			assert.Equal(t, tt.status, source.StatusOf(err))
			assert.Equal(t, tt.wantRate, source.IsRateLimited(err))
			if tt.wantHint {
				assert.Contains(t, errors.GetAllHints(err), BasicAuthHint)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantLen  int
		wantErr  string
		wantKind source.Kind
	}{
		{name: "issues", status: http.StatusOK, body: `{"issues":[{"id":"1"},{"id":"2"}]}`, wantLen: 2},
		{name: "empty", status: http.StatusOK, body: `{"issues":[]}`},
		{
			name:    "error messages",
			status:  http.StatusBadRequest,
			body:    `{"errorMessages":["Field 'x' does not exist"]}`,
			wantErr: "No issues were found, error message from Jira: Field 'x' does not exist",
		},
		{
			name:     "non json",
			status:   http.StatusBadGateway,
			body:     "<html>bad gateway</html>",
			wantErr:  "Failed to send request, reason: Bad Gateway",
			wantKind: source.KindServerError,
		},
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     "",
			wantErr:  "Unauthorized request, please check authentication related parameters.",
			wantKind: source.KindUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotQuery url.Values
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotQuery = r.URL.Query()
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			params := url.Values{}
			params.Set("jql", "project = SEC")
			res, err := NewClient(srv.URL).Search(context.Background(), params)
			assert.Equal(t, "project = SEC", gotQuery.Get("jql"))

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
				assert.Equal(t, tt.wantKind, source.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Len(t, res.Issues, tt.wantLen)
		})
	}
}

func TestClientAuthHeaders(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want string
	}{
		{name: "basic", opts: []ClientOption{WithAuth(model.AuthModeBasic, "bot", "pw")}, want: "Basic Ym90OnB3"},
		{name: "bearer", opts: []ClientOption{WithAuth(model.AuthModeBearer, "", "pat")}, want: "Bearer pat"},
		{name: "oauth2", opts: []ClientOption{WithAuth(model.AuthModeOAuth2, "", "tok")}, want: "Bearer tok"},
		{name: "none", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("Authorization")
				writeJSON(w, http.StatusOK, `{}`)
			}))
			defer srv.Close()

			require.NoError(t, NewClient(srv.URL, tt.opts...).Get(context.Background(), "rest/api/latest/myself", nil))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUploadSendsMultipart(t *testing.T) {
	var (
		gotToken string
		gotName  string
		gotData  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Atlassian-Token")
		f, hdr, err := r.FormFile("file")
		if err == nil {
			gotName = hdr.Filename
			buf := make([]byte, 16)
			n, _ := f.Read(buf)
			gotData = string(buf[:n])
		}
		writeJSON(w, http.StatusOK, `[{"id":"5","filename":"note.txt"}]`)
	}))
	defer srv.Close()

	raw, err := NewClient(srv.URL).Upload(context.Background(), "rest/api/latest/issue/1/attachments", "note.txt", []byte("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"5","filename":"note.txt"}]`, string(raw))
	assert.Equal(t, "no-check", gotToken)
	assert.Equal(t, "note.txt", gotName)
	assert.Equal(t, "hello", gotData)
}
