// Package schema holds the pharmacy ledger DDL as ordered statements.
// The service applies it on startup when database.auto_migrate is set and
// the integration tests apply it to a fresh schema per test.
package schema

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Statements returns the pharmacy ledger DDL in dependency order.
// Every statement is idempotent.
func Statements() []string {
	return []string{
		`CREATE OR REPLACE FUNCTION update_updated_at()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = NOW();
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,

		// Medicines. stock_on_hand is derived and written only by the aggregator.
		`CREATE TABLE IF NOT EXISTS medicines (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			code VARCHAR(50) NOT NULL,
			name VARCHAR(255) NOT NULL,
			generic_name VARCHAR(255),
			unit VARCHAR(50),
			min_stock INT NOT NULL DEFAULT 10,
			purchase_price NUMERIC(15,2) NOT NULL DEFAULT 0,
			selling_price NUMERIC(15,2) NOT NULL DEFAULT 0,
			stock_on_hand INT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT medicines_code_key UNIQUE (code),
			CONSTRAINT medicines_min_stock_nonnegative CHECK (min_stock >= 0),
			CONSTRAINT medicines_stock_on_hand_nonnegative CHECK (stock_on_hand >= 0)
		)`,

		`CREATE TABLE IF NOT EXISTS batches (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			medicine_id UUID NOT NULL,
			lot_number VARCHAR(100) NOT NULL,
			expiry_date DATE NOT NULL,
			received_date DATE NOT NULL,
			original_quantity INT NOT NULL,
			available_quantity INT NOT NULL,
			unit_cost NUMERIC(15,2) NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'AVAILABLE',
			retired_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT batches_medicine_fk FOREIGN KEY (medicine_id) REFERENCES medicines(id),
			CONSTRAINT batches_medicine_lot_number_key UNIQUE (medicine_id, lot_number),
			CONSTRAINT batches_available_nonnegative CHECK (available_quantity >= 0),
			CONSTRAINT batches_available_within_original CHECK (available_quantity <= original_quantity),
			CONSTRAINT batches_status_valid CHECK (status IN ('AVAILABLE', 'DEPLETED', 'EXPIRED', 'QUARANTINED', 'RECALLED')),
			CONSTRAINT batches_depleted_means_empty CHECK (status <> 'DEPLETED' OR available_quantity = 0)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_batches_fefo
			ON batches (medicine_id, expiry_date, received_date, id)
			WHERE status = 'AVAILABLE' AND available_quantity > 0`,

		`CREATE TABLE IF NOT EXISTS stock_movements (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			code VARCHAR(30) NOT NULL,
			medicine_id UUID NOT NULL,
			batch_id UUID,
			direction VARCHAR(10) NOT NULL,
			quantity INT NOT NULL,
			unit_price NUMERIC(15,2) NOT NULL DEFAULT 0,
			total_price NUMERIC(15,2) NOT NULL DEFAULT 0,
			balance_after INT NOT NULL,
			actor_id VARCHAR(100) NOT NULL,
			actor_name VARCHAR(255),
			ref_type VARCHAR(50),
			ref_id VARCHAR(100),
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT stock_movements_code_key UNIQUE (code),
			CONSTRAINT stock_movements_medicine_fk FOREIGN KEY (medicine_id) REFERENCES medicines(id),
			CONSTRAINT stock_movements_batch_fk FOREIGN KEY (batch_id) REFERENCES batches(id),
			CONSTRAINT stock_movements_quantity_positive CHECK (quantity > 0),
			CONSTRAINT stock_movements_direction_valid CHECK (direction IN ('IN', 'OUT', 'SALE'))
		)`,

		`CREATE SEQUENCE IF NOT EXISTS stock_movement_code_seq`,

		`CREATE INDEX IF NOT EXISTS idx_stock_movements_batch ON stock_movements (batch_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_movements_ref ON stock_movements (ref_type, ref_id)`,

		// Movements are append-only.
		`CREATE OR REPLACE FUNCTION reject_stock_movement_change()
		RETURNS TRIGGER AS $$
		BEGIN
			RAISE EXCEPTION 'stock_movements is append-only';
		END;
		$$ LANGUAGE plpgsql`,

		`DROP TRIGGER IF EXISTS stock_movements_append_only ON stock_movements`,
		`CREATE TRIGGER stock_movements_append_only
			BEFORE UPDATE OR DELETE ON stock_movements
			FOR EACH ROW EXECUTE FUNCTION reject_stock_movement_change()`,

		// Daily counters behind SO and BA-MUSNAHKAN case numbers.
		`CREATE TABLE IF NOT EXISTS document_sequences (
			prefix VARCHAR(30) NOT NULL,
			day DATE NOT NULL,
			last_value INT NOT NULL,
			PRIMARY KEY (prefix, day)
		)`,

		`CREATE TABLE IF NOT EXISTS reconciliation_cases (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			case_number VARCHAR(30) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'IN_PROGRESS',
			report TEXT,
			notes TEXT,
			created_by_id VARCHAR(100) NOT NULL,
			created_by_name VARCHAR(255),
			completed_at TIMESTAMPTZ,
			approved_by_id VARCHAR(100),
			approved_by_name VARCHAR(255),
			approved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT reconciliation_cases_case_number_key UNIQUE (case_number),
			CONSTRAINT reconciliation_cases_status_valid CHECK (status IN ('IN_PROGRESS', 'COMPLETED', 'APPROVED'))
		)`,

		`CREATE TABLE IF NOT EXISTS reconciliation_lines (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			case_id UUID NOT NULL REFERENCES reconciliation_cases(id) ON DELETE CASCADE,
			batch_id UUID NOT NULL,
			medicine_id UUID NOT NULL,
			system_quantity INT NOT NULL,
			physical_quantity INT,
			note TEXT,
			counted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT reconciliation_lines_batch_fk FOREIGN KEY (batch_id) REFERENCES batches(id),
			CONSTRAINT reconciliation_lines_case_batch_key UNIQUE (case_id, batch_id),
			CONSTRAINT reconciliation_lines_physical_nonnegative CHECK (physical_quantity IS NULL OR physical_quantity >= 0)
		)`,

		`CREATE TABLE IF NOT EXISTS destruction_cases (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			case_number VARCHAR(40) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'DRAFT',
			reason VARCHAR(20) NOT NULL,
			location VARCHAR(255) NOT NULL,
			method VARCHAR(255) NOT NULL,
			witnesses TEXT[] NOT NULL DEFAULT '{}',
			document_ref VARCHAR(500),
			notes TEXT,
			created_by_id VARCHAR(100) NOT NULL,
			created_by_name VARCHAR(255),
			completed_at TIMESTAMPTZ,
			approved_by_id VARCHAR(100),
			approved_by_name VARCHAR(255),
			approved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT destruction_cases_case_number_key UNIQUE (case_number),
			CONSTRAINT destruction_cases_status_valid CHECK (status IN ('DRAFT', 'COMPLETED', 'APPROVED')),
			CONSTRAINT destruction_cases_reason_valid CHECK (reason IN ('EXPIRED', 'DAMAGED', 'RECALLED', 'OTHER'))
		)`,

		`CREATE TABLE IF NOT EXISTS destruction_lines (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			case_id UUID NOT NULL REFERENCES destruction_cases(id) ON DELETE CASCADE,
			batch_id UUID NOT NULL,
			medicine_id UUID NOT NULL,
			quantity INT NOT NULL,
			unit_cost NUMERIC(15,2) NOT NULL,
			acquisition_value NUMERIC(15,2) NOT NULL,
			condition TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT destruction_lines_batch_fk FOREIGN KEY (batch_id) REFERENCES batches(id),
			CONSTRAINT destruction_lines_case_batch_key UNIQUE (case_id, batch_id),
			CONSTRAINT destruction_lines_quantity_positive CHECK (quantity > 0)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			entity_type VARCHAR(50) NOT NULL,
			entity_id VARCHAR(100) NOT NULL,
			action VARCHAR(50) NOT NULL,
			metadata JSONB,
			actor_id VARCHAR(100) NOT NULL,
			actor_name VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log (entity_type, entity_id, created_at)`,
	}
}

// Triggers that maintain updated_at. Kept separate so they can be dropped
// and recreated without touching table definitions.
func triggerStatements() []string {
	tables := []string{"medicines", "batches", "reconciliation_cases", "destruction_cases"}
	stmts := make([]string, 0, len(tables)*2)
	for _, t := range tables {
		stmts = append(stmts,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_updated_at ON %s`, t, t),
			fmt.Sprintf(`CREATE TRIGGER %s_updated_at BEFORE UPDATE ON %s FOR EACH ROW EXECUTE FUNCTION update_updated_at()`, t, t),
		)
	}
	return stmts
}

// All returns every statement, tables first then triggers.
func All() []string {
	return append(Statements(), triggerStatements()...)
}

// Apply executes the full schema against db.
func Apply(ctx context.Context, db sqlx.ExecerContext) error {
	for i, stmt := range All() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
