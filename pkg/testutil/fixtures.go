package testutil

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medflow/pharmacy-ledger/internal/pharmacy/repository"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/shopspring/decimal"
)

// Today is the calendar day fixtures and tests treat as "now".
var Today = clock.MustParseDate("2024-06-01")

// TestClock is fixed at noon on Today.
var TestClock = clock.Fixed(Today.Add(12 * time.Hour))

var fixtureSeq atomic.Int64

// Pharmacist is the actor used by tests that mutate stock.
func Pharmacist() actor.Actor {
	return actor.Actor{ID: "8f0c7c1e-1111-4a4a-9c9c-000000000001", Name: "Apt. Rina", Role: "pharmacist"}
}

// Supervisor is the actor used by tests that approve cases.
func Supervisor() actor.Actor {
	return actor.Actor{ID: "8f0c7c1e-1111-4a4a-9c9c-000000000002", Name: "Apt. Budi", Role: "head_pharmacist"}
}

// NewMedicine returns an unsaved medicine with a unique code.
func NewMedicine(name string) *repository.Medicine {
	n := fixtureSeq.Add(1)
	return &repository.Medicine{
		Code:          fmt.Sprintf("OBT-%05d", n),
		Name:          name,
		MinStock:      10,
		PurchasePrice: decimal.RequireFromString("1500.00"),
		SellingPrice:  decimal.RequireFromString("2000.00"),
		IsActive:      true,
	}
}

// NewBatch returns an unsaved batch of medicineID expiring daysFromToday
// days after Today.
func NewBatch(medicineID string, quantity, daysFromToday int) *repository.Batch {
	n := fixtureSeq.Add(1)
	return &repository.Batch{
		MedicineID:       medicineID,
		LotNumber:        fmt.Sprintf("LOT-%05d", n),
		ExpiryDate:       Today.AddDate(0, 0, daysFromToday),
		ReceivedDate:     Today.AddDate(0, 0, -30),
		OriginalQuantity: quantity,
		UnitCost:         decimal.RequireFromString("1250.50"),
	}
}

// SeedMedicine inserts a medicine.
func SeedMedicine(t *testing.T, db *database.DB, name string) *repository.Medicine {
	t.Helper()
	m := NewMedicine(name)
	if err := repository.NewMedicineRepository(db).Create(context.Background(), m); err != nil {
		t.Fatalf("failed to seed medicine: %v", err)
	}
	return m
}

// SeedBatch inserts a batch directly, bypassing the ledger. Callers that
// need stock on hand to match must recompute it afterwards.
func SeedBatch(t *testing.T, db *database.DB, b *repository.Batch) *repository.Batch {
	t.Helper()
	if err := repository.NewBatchRepository(db).Create(context.Background(), b); err != nil {
		t.Fatalf("failed to seed batch: %v", err)
	}
	return b
}

// BatchRow renders b as a sqlmock row in repository column order.
func BatchRow(b *repository.Batch) []driver.Value {
	var retired interface{}
	if b.RetiredAt != nil {
		retired = *b.RetiredAt
	}
	status := b.Status
	if status == "" {
		status = repository.BatchAvailable
	}
	return []driver.Value{
		b.ID, b.MedicineID, b.LotNumber, b.ExpiryDate, b.ReceivedDate, b.OriginalQuantity,
		b.AvailableQuantity, b.UnitCost.String(), string(status), retired, Today, Today,
	}
}

// BatchColumns are the columns returned by batch queries.
var BatchColumns = []string{
	"id", "medicine_id", "lot_number", "expiry_date", "received_date", "original_quantity",
	"available_quantity", "unit_cost", "status", "retired_at", "created_at", "updated_at",
}

// MedicineColumns are the columns returned by medicine queries.
var MedicineColumns = []string{
	"id", "code", "name", "generic_name", "unit", "min_stock", "purchase_price",
	"selling_price", "stock_on_hand", "is_active", "created_at", "updated_at",
}

// MedicineRow renders m as a sqlmock row in repository column order.
func MedicineRow(m *repository.Medicine) []driver.Value {
	return []driver.Value{
		m.ID, m.Code, m.Name, nil, nil, m.MinStock, m.PurchasePrice.String(),
		m.SellingPrice.String(), m.StockOnHand, m.IsActive, Today, Today,
	}
}
