package httputil

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestError_AppError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, errors.InsufficientStock(10, 4))

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode(t, rec)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INSUFFICIENT_STOCK", resp.Error.Code)
	assert.Equal(t, "10", resp.Error.Details["requested"])
	assert.Equal(t, "4", resp.Error.Details["available"])
}

func TestError_PlainErrorIsHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, stderrors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode(t, rec)
	assert.NotContains(t, resp.Error.Message, "password")
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	var body struct {
		Quantity int `json:"quantity"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":3,"qty":4}`))

	err := DecodeJSON(r, &body)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestValidate(t *testing.T) {
	type item struct {
		Quantity int `json:"quantity" validate:"gt=0"`
	}
	type req struct {
		MedicineID string          `json:"medicine_id" validate:"required,uuid"`
		UnitCost   decimal.Decimal `json:"unit_cost" validate:"gte=0"`
		Items      []item          `json:"items" validate:"required,min=1,dive"`
	}

	err := Validate(req{
		MedicineID: "nope",
		UnitCost:   decimal.RequireFromString("-0.01"),
		Items:      []item{{Quantity: 1}, {Quantity: 0}},
	})
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
	assert.Equal(t, "must be a valid UUID", appErr.Details["medicine_id"])
	assert.Equal(t, "must be at least 0", appErr.Details["unit_cost"])
	assert.Equal(t, "must be greater than 0", appErr.Details["items[1].quantity"])
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	assert.NoError(t, Validate(req{
		MedicineID: "5c7d1e2f-0000-4000-8000-000000000001",
		UnitCost:   decimal.Zero,
		Items:      []item{{Quantity: 3}},
	}))
}

func TestPagination(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?page=0&per_page=500", nil)
	page, perPage := Pagination(r, 20, 100)
	assert.Equal(t, 1, page)
	assert.Equal(t, 100, perPage)

	r = httptest.NewRequest(http.MethodGet, "/?page=3", nil)
	page, perPage = Pagination(r, 20, 100)
	assert.Equal(t, 3, page)
	assert.Equal(t, 20, perPage)
}

func TestRequireActor(t *testing.T) {
	var seen actor.Actor
	h := RequireActor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		NoContent(w)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(actor.HeaderUserID, "u-1")
	req.Header.Set(actor.HeaderUserName, "Apt. Dewi")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u-1", seen.ID)
	assert.Equal(t, "Apt. Dewi", seen.Name)
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(nopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestID_SetsCorrelationID(t *testing.T) {
	var requestID, correlationID string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = GetRequestID(r.Context())
		correlationID = messaging.CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "rx-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "rx-42", requestID)
	assert.Equal(t, "rx-42", correlationID)
	assert.Equal(t, "rx-42", rec.Header().Get("X-Request-ID"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, requestID)
	assert.Equal(t, requestID, correlationID)
}

func TestLogger_RecordsActorFromHeaders(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "pharmacy-service")

	h := RequestID(Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Error(w, errors.StorageFailure(stderrors.New("disk full")))
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pharmacy/dispenses", nil)
	req.Header.Set(actor.HeaderUserID, "u-7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "u-7", entry["actor_id"])
	assert.Equal(t, "error", entry["level"])
	assert.EqualValues(t, 500, entry["status"])
}

func nopLogger() *logger.Logger { return logger.Nop() }
