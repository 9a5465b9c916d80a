package casb

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nhle/incident-bridge/internal/logging"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// APIRoot is appended to the configured server URL.
const APIRoot = "/shnapi/rest"

// Client talks to the CASB REST API with basic authentication.
type Client struct {
	baseURL    string
	httpClient *http.Client
	username   string
	password   string
	insecure   bool
	limiter    *rate.Limiter
	classifier source.Classifier
	log        *zap.SugaredLogger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCredentials sets the basic-auth identifier and password.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithRateLimit paces requests to rps per second. Zero disables pacing.
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithInsecure disables TLS certificate verification.
func WithInsecure(insecure bool) ClientOption {
	return func(c *Client) { c.insecure = insecure }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client for the server at serverURL. The API root
// is appended to it.
func NewClient(serverURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(serverURL, "/") + APIRoot,
		classifier: source.Classifier{
			Integration: model.IntegrationTypeCASB,
			Matchers:    []source.Matcher{matchAPIError},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.OrNop(c.log)

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.insecure && c.httpClient.Transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per integration
		hc := *c.httpClient
		hc.Transport = t
		c.httpClient = &hc
	}
	return c
}

// BaseURL returns the API root the client sends requests to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// QueryIncidents runs one incident query page.
func (c *Client) QueryIncidents(ctx context.Context, limit int, q IncidentQuery) (*IncidentQueryResponse, error) {
	params := url.Values{}
	params.Set("limit", fmt.Sprint(limit))

	var res IncidentQueryResponse
	if err := c.do(ctx, http.MethodPost, "external/api/v1/queryIncidents", params, q, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ModifyIncidents sets the workflow status of each incident.
func (c *Client) ModifyIncidents(ctx context.Context, ids []int64, status string) (json.RawMessage, error) {
	body := make([]StatusChange, 0, len(ids))
	for _, id := range ids {
		body = append(body, StatusChange{
			IncidentID:     id,
			ChangeRequests: ChangeRequests{WorkflowStatus: status},
		})
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "external/api/v1/modifyIncidents", nil, body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// QueryActivities lists the activities behind an anomaly incident.
func (c *Client) QueryActivities(ctx context.Context, incidentID int64) (json.RawMessage, error) {
	var raw json.RawMessage
	body := ActivityQuery{IncidentID: incidentID}
	if err := c.do(ctx, http.MethodPost, "external/api/v1/queryActivities", nil, body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Dictionaries lists every DLP policy dictionary, undecoded.
func (c *Client) Dictionaries(ctx context.Context) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "dlp/dictionary", nil, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateDictionary replaces the name and content of a dictionary.
func (c *Client) UpdateDictionary(ctx context.Context, update DictionaryUpdate) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPut, "dlp/dictionary", nil, update, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// do sends a JSON request and decodes a 2xx reply into result. Other
// statuses are classified.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	params url.Values,
	body interface{},
	result interface{},
) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "waiting for rate limiter")
		}
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshaling request body")
		}
		bodyReader = bytes.NewReader(data)
	}

	endpoint := c.baseURL + "/" + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debugw("casb request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "executing request %s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debugw("casb request failed",
			"method", method, "path", path, "status", resp.StatusCode, "body", string(respBody))
		return c.classifier.Classify(source.NewResponse(resp.StatusCode, resp.Status, respBody, false))
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return errors.Wrapf(err, "unmarshaling response from %s %s", method, path)
	}
	return nil
}

// matchAPIError reports every failure as "Error in API call [N] - reason"
// followed by the body. 401 and 403 are authorization failures.
func matchAPIError(r *source.Response) error {
	reason := http.StatusText(r.StatusCode)
	if reason == "" {
		reason = r.Status
	}
	err := source.NewStatusError(model.IntegrationTypeCASB, r,
		fmt.Sprintf("Error in API call [%d] - %s\n%s", r.StatusCode, reason, r.Body))
	if r.StatusCode == http.StatusForbidden {
		err.Kind = source.KindUnauthorized
	}
	return err
}
