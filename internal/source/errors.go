package source

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/nhle/incident-bridge/internal/model"
)

// Kind classifies a failed remote call or rejected input.
type Kind int

const (
	KindGeneric Kind = iota
	KindUnauthorized
	KindNotFound
	KindServerError
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "Unauthorized"
	case KindNotFound:
		return "NotFound"
	case KindServerError:
		return "ServerError"
	case KindValidation:
		return "ValidationError"
	default:
		return "Generic"
	}
}

// KindForStatus maps an HTTP status code onto the error taxonomy.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= http.StatusInternalServerError:
		return KindServerError
	default:
		return KindGeneric
	}
}

// APIError is the tagged error returned by integration clients and handlers.
type APIError struct {
	Integration model.IntegrationType
	Kind        Kind

	// StatusCode is the HTTP status, or 0 when the error was raised locally.
	StatusCode int

	// Message is the user-facing explanation.
	Message string

	// RateLimited is set when the vendor asked the caller to slow down.
	RateLimited bool
}

func (e *APIError) Error() string {
	return e.Message
}

// KindOf returns the Kind of the first APIError in err's chain,
// or KindGeneric when there is none.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindGeneric
}

// IsUnauthorized reports whether err (or any error in its chain) is an
// Unauthorized APIError.
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindUnauthorized
}

// IsNotFound reports whether err is a NotFound APIError.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsRateLimited reports whether err was tagged as rate limited or carries
// HTTP 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.RateLimited || apiErr.StatusCode == http.StatusTooManyRequests
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// NotFoundf builds a NotFound error for an unresolved lookup.
func NotFoundf(integration model.IntegrationType, format string, args ...any) error {
	return &APIError{
		Integration: integration,
		Kind:        KindNotFound,
		Message:     fmt.Sprintf(format, args...),
	}
}

// Validationf builds a ValidationError for malformed caller input.
func Validationf(integration model.IntegrationType, format string, args ...any) error {
	return &APIError{
		Integration: integration,
		Kind:        KindValidation,
		Message:     fmt.Sprintf(format, args...),
	}
}

// Response is the parsed view of a non-2xx reply handed to matchers.
type Response struct {
	StatusCode int
	Status     string
	Body       []byte

	// JSON is the decoded body, or nil when the body is not a JSON object.
	JSON map[string]any

	// Multipart is set when the request carried a file upload.
	Multipart bool
}

// NewResponse decodes body once so matchers can inspect its shape.
func NewResponse(statusCode int, status string, body []byte, multipart bool) *Response {
	r := &Response{
		StatusCode: statusCode,
		Status:     status,
		Body:       body,
		Multipart:  multipart,
	}
	var obj map[string]any
	if json.Unmarshal(body, &obj) == nil {
		r.JSON = obj
	}
	return r
}

// Matcher inspects a failed response and returns an error when it
// recognises the shape, or nil to defer to the next matcher.
type Matcher func(r *Response) error

// Classifier is an ordered set of matchers. The first match wins.
type Classifier struct {
	Integration model.IntegrationType
	Matchers    []Matcher
}

// Classify turns a failed response into a tagged error.
func (c Classifier) Classify(r *Response) error {
	for _, m := range c.Matchers {
		if err := m(r); err != nil {
			return err
		}
	}
	return &APIError{
		Integration: c.Integration,
		Kind:        KindForStatus(r.StatusCode),
		StatusCode:  r.StatusCode,
		Message:     fmt.Sprintf("Failed reaching the server. status code: %d", r.StatusCode),
	}
}

// NewStatusError builds an APIError whose Kind follows the status code.
func NewStatusError(integration model.IntegrationType, r *Response, message string) *APIError {
	return &APIError{
		Integration: integration,
		Kind:        KindForStatus(r.StatusCode),
		StatusCode:  r.StatusCode,
		Message:     message,
	}
}
