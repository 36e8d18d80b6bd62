package main

import "gorm.io/gorm"

// bootstrapSchema creates every table the credit facility core depends on
// if it does not already exist, grounded in
// services/escrow-gateway/storage.go's SQLiteStore.init() style of a
// straight-line CREATE TABLE IF NOT EXISTS list run once at startup,
// generalized from SQLite to Postgres and from a handful of gateway tables
// to one table per event-sourced aggregate (events + rollup) plus the
// supporting outbox/inbox/audit/jobs/domain-configuration tables.
func bootstrapSchema(db *gorm.DB) error {
	statements := []string{
		// internal/eventsourcing: one events + rollup table pair per aggregate.
		`CREATE TABLE IF NOT EXISTS credit_facility_events (
			id UUID NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			event_json JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS credit_facility_rollups (
			id UUID PRIMARY KEY,
			customer_id UUID,
			proposal_status TEXT,
			status TEXT,
			collateralization_state TEXT,
			amount_usd_minor BIGINT,
			collateral_sats BIGINT,
			last_cvl DOUBLE PRECISION,
			facility_account_id TEXT,
			collateral_account_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS collateral_events (
			id UUID NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			event_json JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS collateral_rollups (
			id UUID PRIMARY KEY,
			facility_id UUID,
			collateral_account_id TEXT,
			amount_sats BIGINT,
			has_active_liquidation BOOLEAN
		)`,
		`CREATE TABLE IF NOT EXISTS approval_process_events (
			id UUID NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			event_json JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS approval_process_rollups (
			id UUID PRIMARY KEY,
			process_type TEXT,
			target_ref TEXT,
			status TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS customer_events (
			id UUID NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			event_json JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS customer_rollups (
			id UUID PRIMARY KEY,
			email TEXT,
			status TEXT,
			kyc_level TEXT
		)`,

		// internal/outbox
		`CREATE TABLE IF NOT EXISTS outbox_events (
			sequence BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_cursors (
			job_type TEXT NOT NULL,
			subscriber TEXT NOT NULL,
			sequence BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (job_type, subscriber)
		)`,

		// internal/inbox
		`CREATE TABLE IF NOT EXISTS inbox_entries (
			idempotency_key TEXT NOT NULL,
			source TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			payload BYTEA NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (idempotency_key, source)
		)`,

		// internal/audit
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id BIGSERIAL PRIMARY KEY,
			subject_id TEXT NOT NULL,
			object TEXT NOT NULL,
			action TEXT NOT NULL,
			granted BOOLEAN NOT NULL,
			system_entry BOOLEAN NOT NULL DEFAULT FALSE,
			decided_at TIMESTAMPTZ NOT NULL
		)`,

		// internal/ledger
		`CREATE TABLE IF NOT EXISTS ledger_accounts (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			normal_balance TEXT NOT NULL,
			currency TEXT NOT NULL,
			external_ref TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_account_sets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_account_set_members (
			set_id TEXT NOT NULL,
			member_id TEXT NOT NULL,
			member_kind TEXT NOT NULL,
			PRIMARY KEY (set_id, member_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_balances (
			account_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			layer TEXT NOT NULL,
			dr_balance_minor TEXT NOT NULL DEFAULT '0',
			cr_balance_minor TEXT NOT NULL DEFAULT '0',
			PRIMARY KEY (account_id, currency, layer)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_posted_transactions (
			template_id TEXT NOT NULL,
			tx_id TEXT NOT NULL,
			posted_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (template_id, tx_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			template_id TEXT NOT NULL,
			tx_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			layer TEXT NOT NULL,
			side TEXT NOT NULL,
			amount_minor TEXT NOT NULL,
			effective_date TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,

		// internal/jobs
		`CREATE TABLE IF NOT EXISTS job_executions (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			unique_key TEXT,
			payload BYTEA,
			state TEXT NOT NULL,
			attempt_index INTEGER NOT NULL DEFAULT 0,
			reschedule_after TIMESTAMPTZ NOT NULL,
			owner_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS job_executions_job_type_unique_key
			ON job_executions (job_type, unique_key) WHERE unique_key <> ''`,

		// internal/domainconfig
		`CREATE TABLE IF NOT EXISTS domain_configuration_records (
			id BIGSERIAL PRIMARY KEY,
			key TEXT NOT NULL,
			version INTEGER NOT NULL,
			value_json JSONB NOT NULL,
			updated_by TEXT,
			updated_at TIMESTAMPTZ NOT NULL,
			reason TEXT,
			correlation_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS domain_configuration_current (
			key TEXT PRIMARY KEY,
			current_version INTEGER NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
