package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/events"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/handler"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/service"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type api struct {
	t      *testing.T
	router http.Handler
}

func newAPI(t *testing.T) *api {
	t.Helper()
	db := testutil.RequireIntegration(t).NewSchema(t)

	claims := events.NewMemoryClaimer()
	publisher := events.NewPublisherWith(testutil.NewMockPublisher(), claims, time.Hour, logger.Nop())
	svc := service.NewServices(db, publisher, claims, testutil.TestClock, service.Options{
		Ledger:             service.LedgerOptions{MaxRetries: 3, RetryDelay: 5 * time.Millisecond},
		ExpiringWindowDays: 30,
		ExpiryScanInterval: time.Hour,
	}, logger.Nop())

	r := chi.NewRouter()
	handler.Mount(r, svc, logger.Nop())
	return &api{t: t, router: r}
}

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.TerminateContainer(context.Background())
	os.Exit(code)
}

func (a *api) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	a.t.Helper()
	req := testutil.WithActorHeaders(testutil.NewHTTPRequest(method, path, body), testutil.Pharmacist())
	return testutil.ExecuteRequest(a.router, req)
}

func (a *api) createMedicine(code string) *repository.Medicine {
	a.t.Helper()
	rr := a.do(http.MethodPost, "/api/v1/pharmacy/medicines", map[string]interface{}{
		"code":           code,
		"name":           "Amlodipine 5mg",
		"min_stock":      5,
		"purchase_price": "900",
		"selling_price":  "1500",
	})
	testutil.AssertStatus(a.t, rr, http.StatusCreated)

	var m repository.Medicine
	testutil.ParseData(a.t, rr, &m)
	return &m
}

func (a *api) receive(medicineID, lot string, quantity int, expiry string) *repository.Batch {
	a.t.Helper()
	rr := a.do(http.MethodPost, "/api/v1/pharmacy/medicines/"+medicineID+"/batches", map[string]interface{}{
		"lot_number":  lot,
		"expiry_date": expiry,
		"quantity":    quantity,
		"unit_cost":   "1000",
		"ref_id":      "GR-HTTP-1",
	})
	testutil.AssertStatus(a.t, rr, http.StatusCreated)

	var out struct {
		Batch *repository.Batch `json:"batch"`
	}
	testutil.ParseData(a.t, rr, &out)
	return out.Batch
}

func TestAPI_RequiresActorHeaders(t *testing.T) {
	a := newAPI(t)

	rr := testutil.ExecuteRequest(a.router, testutil.NewHTTPRequest(http.MethodGet, "/api/v1/pharmacy/medicines", nil))
	testutil.AssertStatus(t, rr, http.StatusUnauthorized)
}

func TestAPI_ReceiveAndDispense(t *testing.T) {
	a := newAPI(t)
	m := a.createMedicine("AML-5")

	later := a.receive(m.ID, "AML-B", 20, "2025-03-31")
	sooner := a.receive(m.ID, "AML-A", 10, "2024-12-31")

	rr := a.do(http.MethodPost, "/api/v1/pharmacy/dispenses", map[string]interface{}{
		"direction": "SALE",
		"ref_id":    "RX-881",
		"items":     []map[string]interface{}{{"medicine_id": m.ID, "quantity": 15}},
	})
	testutil.AssertStatus(t, rr, http.StatusCreated)

	var result service.DispenseResult
	testutil.ParseData(t, rr, &result)
	require.Len(t, result.Movements, 2)
	assert.Equal(t, sooner.ID, *result.Movements[0].BatchID, "earliest expiry first")
	assert.Equal(t, 10, result.Movements[0].Quantity)
	assert.Equal(t, later.ID, *result.Movements[1].BatchID)
	assert.Equal(t, 5, result.Movements[1].Quantity)
	assert.Equal(t, "1500.00", result.Movements[0].UnitPrice.StringFixed(2), "sales use the selling price")

	rr = a.do(http.MethodGet, "/api/v1/pharmacy/medicines/"+m.ID, nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var stock service.MedicineStock
	testutil.ParseData(t, rr, &stock)
	assert.Equal(t, 15, stock.Medicine.StockOnHand)

	rr = a.do(http.MethodPost, "/api/v1/pharmacy/dispenses", map[string]interface{}{
		"direction": "OUT",
		"items":     []map[string]interface{}{{"medicine_id": m.ID, "quantity": 16}},
	})
	testutil.AssertStatus(t, rr, http.StatusConflict)
	details := testutil.AssertErrorCode(t, rr, "INSUFFICIENT_STOCK")
	assert.Equal(t, "15", details["available"])
}

func TestAPI_RejectsInvalidBodies(t *testing.T) {
	a := newAPI(t)
	m := a.createMedicine("AML-10")

	tests := []struct {
		name string
		path string
		body map[string]interface{}
		code string
	}{
		{
			name: "bad expiry format",
			path: "/api/v1/pharmacy/medicines/" + m.ID + "/batches",
			body: map[string]interface{}{"lot_number": "X1", "expiry_date": "31/12/2025", "quantity": 1, "unit_cost": "10"},
			code: "VALIDATION_ERROR",
		},
		{
			name: "zero quantity",
			path: "/api/v1/pharmacy/medicines/" + m.ID + "/batches",
			body: map[string]interface{}{"lot_number": "X1", "expiry_date": "2025-12-31", "quantity": 0, "unit_cost": "10"},
			code: "VALIDATION_ERROR",
		},
		{
			name: "inbound direction on dispense",
			path: "/api/v1/pharmacy/dispenses",
			body: map[string]interface{}{"direction": "IN", "items": []map[string]interface{}{{"medicine_id": m.ID, "quantity": 1}}},
			code: "VALIDATION_ERROR",
		},
		{
			name: "no items",
			path: "/api/v1/pharmacy/dispenses",
			body: map[string]interface{}{"direction": "OUT", "items": []map[string]interface{}{}},
			code: "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(http.MethodPost, tt.path, tt.body)
			testutil.AssertStatus(t, rr, http.StatusBadRequest)
			testutil.AssertErrorCode(t, rr, tt.code)
		})
	}
}

func TestAPI_UnknownBatchIsNotFound(t *testing.T) {
	a := newAPI(t)

	rr := a.do(http.MethodGet, "/api/v1/pharmacy/batches/7e000000-0000-4000-8000-000000000000", nil)
	testutil.AssertStatus(t, rr, http.StatusNotFound)
	testutil.AssertErrorCode(t, rr, "UNKNOWN_BATCH")
}

func TestAPI_ReconciliationFlow(t *testing.T) {
	a := newAPI(t)
	m := a.createMedicine("AML-RC")
	b := a.receive(m.ID, "AML-RC-1", 12, "2025-01-31")

	rr := a.do(http.MethodPost, "/api/v1/pharmacy/reconciliations", map[string]interface{}{
		"batch_ids": []string{b.ID},
	})
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var c repository.ReconciliationCase
	testutil.ParseData(t, rr, &c)
	require.Len(t, c.Lines, 1)

	base := "/api/v1/pharmacy/reconciliations/" + c.ID
	rr = a.do(http.MethodPut, base+"/lines/"+c.Lines[0].ID, map[string]interface{}{"physical_quantity": 11})
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr = a.do(http.MethodPost, base+"/complete", map[string]interface{}{"report": "one tablet strip missing"})
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr = a.do(http.MethodPost, base+"/approve", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr = a.do(http.MethodPost, base+"/approve", nil)
	testutil.AssertStatus(t, rr, http.StatusConflict)
	testutil.AssertErrorCode(t, rr, "INVALID_STATE")

	rr = a.do(http.MethodGet, base+"/movements", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var movements []*repository.Movement
	testutil.ParseData(t, rr, &movements)
	require.Len(t, movements, 1)
	assert.Equal(t, 1, movements[0].Quantity)
	assert.Equal(t, repository.DirectionOut, movements[0].Direction)
}
