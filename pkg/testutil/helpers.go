package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewHTTPRequest creates a new HTTP request for testing handlers
func NewHTTPRequest(method, path string, body interface{}) *http.Request {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// WithActorHeaders adds the gateway identity headers to the request
func WithActorHeaders(req *http.Request, a actor.Actor) *http.Request {
	req.Header.Set(actor.HeaderUserID, a.ID)
	if a.Name != "" {
		req.Header.Set(actor.HeaderUserName, a.Name)
	}
	if a.Role != "" {
		req.Header.Set(actor.HeaderUserRole, a.Role)
	}
	return req
}

// ExecuteRequest executes an HTTP request and returns the response recorder
func ExecuteRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// AssertStatus asserts the response status code
func AssertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	assert.Equal(t, expected, rr.Code, "unexpected status code. Body: %s", rr.Body.String())
}

// ParseJSONBody parses the response body into the target
func ParseJSONBody(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	err := json.Unmarshal(rr.Body.Bytes(), target)
	require.NoError(t, err, "failed to parse response body: %s", rr.Body.String())
}

// Envelope mirrors httputil.Response with the payload left undecoded.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

// ParseData decodes a successful response's data into target.
func ParseData(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	var env Envelope
	ParseJSONBody(t, rr, &env)
	require.True(t, env.Success, "expected success. Body: %s", rr.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, target))
}

// AssertErrorCode checks the error code of a failed response and returns its
// details.
func AssertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, code string) map[string]string {
	t.Helper()
	var env Envelope
	ParseJSONBody(t, rr, &env)
	require.NotNil(t, env.Error, "expected an error body. Body: %s", rr.Body.String())
	assert.False(t, env.Success)
	assert.Equal(t, code, env.Error.Code)
	return env.Error.Details
}
