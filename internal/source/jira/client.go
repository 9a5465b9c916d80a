package jira

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/nhle/incident-bridge/internal/logging"
	"github.com/nhle/incident-bridge/internal/model"
	"github.com/nhle/incident-bridge/internal/source"
)

// BasicAuthHint is attached to 401 failures that carry no JSON body.
const BasicAuthHint = "For cloud users: As of June 2019, Basic authentication with passwords for Jira is no" +
	" longer supported, please use an API Token or OAuth 1.0"

// Client is a thin HTTP client for the Jira REST API. It authenticates
// every request, paces calls when a rate limit is configured, and turns
// non-2xx replies into classified source.APIError values. There are no
// retries: a failed call surfaces immediately.
type Client struct {
	baseURL    string
	httpClient *http.Client
	username   string
	secret     string
	authMode   model.AuthMode
	insecure   bool
	limiter    *rate.Limiter
	classifier source.Classifier
	log        *zap.SugaredLogger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAuth sets the credentials and how they are presented.
func WithAuth(mode model.AuthMode, username, secret string) ClientOption {
	return func(c *Client) {
		c.authMode = mode
		c.username = username
		c.secret = secret
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

// NewClient creates a new Jira HTTP client. The baseURL should be the
// root URL of the Jira instance (e.g., https://jira.corp.example.com).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		authMode: model.AuthModeBasic,
		classifier: source.Classifier{
			Integration: model.IntegrationTypeJira,
			Matchers:    errorMatchers,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.OrNop(c.log)

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	transport := c.httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
		if c.insecure {
			t := http.DefaultTransport.(*http.Transport).Clone()
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per integration
			transport = t
		}
	}
	if c.authMode == model.AuthModeOAuth2 {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.secret}),
			Base:   transport,
		}
	}
	hc := *c.httpClient
	hc.Transport = transport
	c.httpClient = &hc
	return c
}

// BaseURL returns the instance root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get performs an HTTP GET request and unmarshals the JSON response
// into result when it is non-nil.
func (c *Client) Get(ctx context.Context, path string, result interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

// Post performs an HTTP POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, result interface{}) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// Put performs an HTTP PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, result interface{}) error {
	return c.doJSON(ctx, http.MethodPut, path, body, result)
}

// Delete performs an HTTP DELETE request.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// GetRaw returns the undecoded response body for path, which may also be
// an absolute URL taken from a previous response.
func (c *Client) GetRaw(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, "", nil)
}

// Upload posts a single file as multipart form data under the "file" field.
func (c *Client) Upload(
	ctx context.Context,
	path string,
	fileName string,
	data []byte,
) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, errors.Wrap(err, "creating multipart part")
	}
	if _, err := part.Write(data); err != nil {
		return nil, errors.Wrap(err, "writing multipart body")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "closing multipart body")
	}

	headers := map[string]string{"X-Atlassian-Token": "no-check"}
	return c.do(ctx, http.MethodPost, path, &buf, w.FormDataContentType(), headers)
}

// doJSON marshals body, performs the request and decodes the reply.
func (c *Client) doJSON(
	ctx context.Context,
	method string,
	path string,
	body interface{},
	result interface{},
) error {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshaling request body")
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}

	respBody, err := c.do(ctx, method, path, bodyReader, contentType, nil)
	if err != nil {
		return err
	}

	// No content to parse (e.g. 204).
	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return errors.Wrapf(err, "unmarshaling response from %s %s", method, path)
	}
	return nil
}

// do performs a request and classifies any non-2xx reply.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body io.Reader,
	contentType string,
	headers map[string]string,
) ([]byte, error) {
	resp, respBody, err := c.send(ctx, method, path, body, contentType, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.classify(resp, respBody, strings.HasPrefix(contentType, "multipart/"))
	}
	return respBody, nil
}

// send is the core HTTP method that builds the request, handles auth and
// pacing, and reads the whole reply. It does not inspect the status.
func (c *Client) send(
	ctx context.Context,
	method string,
	path string,
	body io.Reader,
	contentType string,
	headers map[string]string,
) (*http.Response, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "waiting for rate limiter")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating request")
	}

	c.authorize(req)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.log.Debugw("jira request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "executing request %s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debugw("jira request failed",
			"method", method, "path", path, "status", resp.StatusCode, "body", string(respBody))
	}
	return resp, respBody, nil
}

func (c *Client) classify(resp *http.Response, body []byte, multipartUpload bool) error {
	return c.classifier.Classify(source.NewResponse(resp.StatusCode, resp.Status, body, multipartUpload))
}

// Search runs a JQL query against rest/api/latest/search. A reply with no
// issues and no errorMessages is an empty result rather than a failure.
func (c *Client) Search(ctx context.Context, params url.Values) (*SearchResponse, error) {
	resp, body, err := c.send(ctx, http.MethodGet, withQuery("rest/api/latest/search/", params), nil, "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests {
		return nil, c.classify(resp, body, false)
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &source.APIError{
			Integration: model.IntegrationTypeJira,
			Kind:        source.KindForStatus(resp.StatusCode),
			StatusCode:  resp.StatusCode,
			Message:     "Failed to send request, reason: " + reasonPhrase(resp),
		}
	}
	if len(result.Issues) > 0 {
		return &result, nil
	}
	if len(result.ErrorMessages) > 0 {
		return nil, &source.APIError{
			Integration: model.IntegrationTypeJira,
			Kind:        source.KindForStatus(resp.StatusCode),
			StatusCode:  resp.StatusCode,
			Message:     "No issues were found, error message from Jira: " + strings.Join(result.ErrorMessages, ","),
			RateLimited: isRateLimitMessage(result.ErrorMessages),
		}
	}
	return &SearchResponse{}, nil
}

func reasonPhrase(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

// resolve joins a relative resource path onto the base URL. Absolute URLs
// (links returned by Jira itself) pass through unchanged.
func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) authorize(req *http.Request) {
	switch c.authMode {
	case model.AuthModeBearer:
		req.Header.Set("Authorization", "Bearer "+c.secret)
	case model.AuthModeOAuth2:
		// oauth2.Transport sets the header.
	default:
		if c.username != "" || c.secret != "" {
			req.SetBasicAuth(c.username, c.secret)
		}
	}
}

// withQuery appends encoded query parameters to path.
func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

// errorMatchers recognise Jira's failure shapes, most specific first.
var errorMatchers = []source.Matcher{
	matchRateLimit,
	matchErrorMessages,
	matchErrorsObject,
	matchOtherJSON,
	matchUnauthorizedText,
	matchNotFoundText,
	matchUploadServerError,
}

// rateLimitMessage is how Jira reports throttling without a 429.
const rateLimitMessage = "rate limit exceeded"

func isRateLimitMessage(messages []string) bool {
	for _, m := range messages {
		if strings.Contains(strings.ToLower(m), rateLimitMessage) {
			return true
		}
	}
	return false
}

func errorMessages(body []byte) []string {
	var messages []string
	_, _ = jsonparser.ArrayEach(body, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType == jsonparser.String {
			s, _ := jsonparser.ParseString(value)
			messages = append(messages, s)
		}
	}, "errorMessages")
	return messages
}

// matchRateLimit tags 429 replies and throttling errorMessages as rate
// limited. The message follows the shape the other matchers would give.
func matchRateLimit(r *source.Response) error {
	if r.StatusCode != http.StatusTooManyRequests && !isRateLimitMessage(errorMessages(r.Body)) {
		return nil
	}
	var err error
	for _, m := range []source.Matcher{matchErrorMessages, matchErrorsObject, matchOtherJSON} {
		if err = m(r); err != nil {
			break
		}
	}
	if err == nil {
		err = source.NewStatusError(model.IntegrationTypeJira, r,
			"Failed reaching the server. status code: "+strconv.Itoa(r.StatusCode))
	}
	var apiErr *source.APIError
	if errors.As(err, &apiErr) {
		apiErr.RateLimited = true
	}
	return err
}

func matchErrorMessages(r *source.Response) error {
	if r.JSON == nil {
		return nil
	}
	messages := errorMessages(r.Body)
	if len(messages) == 0 {
		return nil
	}
	return source.NewStatusError(model.IntegrationTypeJira, r,
		"Status code: "+strconv.Itoa(r.StatusCode)+"\nMessage: "+strings.Join(messages, ","))
}

func matchErrorsObject(r *source.Response) error {
	if r.JSON == nil {
		return nil
	}
	var values []string
	_ = jsonparser.ObjectEach(r.Body, func(_, value []byte, dataType jsonparser.ValueType, _ int) error {
		if dataType == jsonparser.String {
			s, _ := jsonparser.ParseString(value)
			values = append(values, s)
		} else {
			values = append(values, string(value))
		}
		return nil
	}, "errors")
	if len(values) == 0 {
		return nil
	}
	return source.NewStatusError(model.IntegrationTypeJira, r,
		"Status code: "+strconv.Itoa(r.StatusCode)+"\nMessage: "+strings.Join(values, ","))
}

func matchOtherJSON(r *source.Response) error {
	if r.JSON == nil {
		return nil
	}
	return source.NewStatusError(model.IntegrationTypeJira, r,
		"Status code: "+strconv.Itoa(r.StatusCode)+"\nError text: "+string(r.Body))
}

func matchUnauthorizedText(r *source.Response) error {
	if r.StatusCode != http.StatusUnauthorized {
		return nil
	}
	err := source.NewStatusError(model.IntegrationTypeJira, r,
		"Unauthorized request, please check authentication related parameters.")
	return errors.WithHint(err, BasicAuthHint)
}

func matchNotFoundText(r *source.Response) error {
	if r.StatusCode != http.StatusNotFound {
		return nil
	}
	return source.NewStatusError(model.IntegrationTypeJira, r,
		"Could not connect to the Jira server. Verify that the server URL is correct.")
}

func matchUploadServerError(r *source.Response) error {
	if r.StatusCode != http.StatusInternalServerError || !r.Multipart {
		return nil
	}
	return source.NewStatusError(model.IntegrationTypeJira, r,
		"Failed to execute request, status code: 500\nBody: "+string(r.Body)+
			"\nMake sure file name doesn't contain any special characters")
}
