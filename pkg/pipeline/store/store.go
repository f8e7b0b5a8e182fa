// Package store is the relational persistence layer for the delegated
// payments pipeline. The schema is created at open time and every query
// helper accepts a DBTX, so callers decide whether a call participates in a
// transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx. Query
// helpers take a DBTX so the step engine can run an entire date-group inside
// one transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS reference_file (
	reference_file_id TEXT PRIMARY KEY,
	file_location TEXT NOT NULL UNIQUE,
	reference_file_type_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS import_log (
	import_log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	import_type TEXT NOT NULL,
	status TEXT,
	report TEXT,
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS employee (
	employee_id TEXT PRIMARY KEY,
	tax_identifier TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	date_of_birth DATE,
	fineos_customer_number TEXT NOT NULL DEFAULT '',
	ctr_address_pair_id TEXT
);

CREATE TABLE IF NOT EXISTS address (
	address_id TEXT PRIMARY KEY,
	address_line_one TEXT NOT NULL DEFAULT '',
	address_line_two TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	geo_state_id INTEGER,
	zip_code TEXT NOT NULL DEFAULT '',
	country_id INTEGER
);

CREATE TABLE IF NOT EXISTS ctr_address_pair (
	ctr_address_pair_id TEXT PRIMARY KEY,
	fineos_address_id TEXT NOT NULL,
	ctr_address_id TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS claim (
	claim_id TEXT PRIMARY KEY,
	employee_id TEXT,
	fineos_absence_id TEXT NOT NULL UNIQUE,
	claim_type_id INTEGER,
	fineos_absence_status_id INTEGER,
	absence_period_start_date DATE,
	absence_period_end_date DATE,
	fineos_notification_id TEXT NOT NULL DEFAULT '',
	is_id_proofed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pub_eft (
	pub_eft_id TEXT PRIMARY KEY,
	routing_nbr TEXT NOT NULL,
	account_nbr TEXT NOT NULL,
	bank_account_type_id INTEGER NOT NULL,
	prenote_state_id INTEGER NOT NULL,
	prenote_sent_at DATETIME
);

CREATE TABLE IF NOT EXISTS employee_pub_eft_pair (
	employee_id TEXT NOT NULL,
	pub_eft_id TEXT NOT NULL,
	PRIMARY KEY (employee_id, pub_eft_id)
);

CREATE TABLE IF NOT EXISTS employee_reference_file (
	employee_id TEXT NOT NULL,
	reference_file_id TEXT NOT NULL,
	PRIMARY KEY (employee_id, reference_file_id)
);

CREATE TABLE IF NOT EXISTS payment (
	payment_id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL,
	fineos_pei_c_value TEXT NOT NULL,
	fineos_pei_i_value TEXT NOT NULL,
	amount TEXT NOT NULL,
	period_start_date DATE,
	period_end_date DATE,
	payment_date DATE,
	fineos_extraction_date DATE,
	UNIQUE (fineos_pei_c_value, fineos_pei_i_value)
);

CREATE TABLE IF NOT EXISTS state_log (
	state_log_id TEXT PRIMARY KEY,
	associated_type TEXT NOT NULL,
	employee_id TEXT,
	claim_id TEXT,
	payment_id TEXT,
	reference_file_id TEXT,
	start_state_id INTEGER,
	end_state_id INTEGER NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME NOT NULL,
	outcome TEXT,
	prev_state_log_id TEXT REFERENCES state_log (state_log_id),
	import_log_id INTEGER
);

CREATE TABLE IF NOT EXISTS latest_state_log (
	latest_state_log_id TEXT PRIMARY KEY,
	associated_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	flow_id INTEGER NOT NULL,
	state_log_id TEXT NOT NULL REFERENCES state_log (state_log_id),
	UNIQUE (associated_type, entity_id, flow_id)
);

CREATE TABLE IF NOT EXISTS fineos_extract_vbi_requested_absence_som (
	vbi_requested_absence_som_id INTEGER PRIMARY KEY AUTOINCREMENT,
	absence_casenumber TEXT,
	notification_casenumber TEXT,
	absence_casestatus TEXT,
	absenceperiod_start TEXT,
	absenceperiod_end TEXT,
	absencereason_coverage TEXT,
	employee_customerno TEXT,
	leaverequest_evidenceresulttype TEXT,
	reference_file_id TEXT NOT NULL,
	fineos_extract_import_log_id INTEGER,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fineos_extract_employee_feed (
	employee_feed_id INTEGER PRIMARY KEY AUTOINCREMENT,
	customerno TEXT,
	natinsno TEXT,
	dateofbirth TEXT,
	firstnames TEXT,
	lastname TEXT,
	paymentmethod TEXT,
	defpaymentpref TEXT,
	address1 TEXT,
	address2 TEXT,
	address4 TEXT,
	address6 TEXT,
	postcode TEXT,
	country TEXT,
	sortcode TEXT,
	accountno TEXT,
	accounttype TEXT,
	reference_file_id TEXT NOT NULL,
	fineos_extract_import_log_id INTEGER,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fineos_extract_vpei (
	vpei_id INTEGER PRIMARY KEY AUTOINCREMENT,
	c TEXT,
	i TEXT,
	paymentmethod TEXT,
	paymentdate TEXT,
	amount_monamt TEXT,
	payeesocnumber TEXT,
	payeefullname TEXT,
	paymentaddress1 TEXT,
	paymentaddress2 TEXT,
	paymentaddress4 TEXT,
	paymentaddress6 TEXT,
	paymentpostco TEXT,
	reference_file_id TEXT NOT NULL,
	fineos_extract_import_log_id INTEGER,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fineos_extract_vpei_payment_details (
	vpei_payment_details_id INTEGER PRIMARY KEY AUTOINCREMENT,
	peclassid TEXT,
	peindexid TEXT,
	paymentstartp TEXT,
	paymentendper TEXT,
	balancingamou_monamt TEXT,
	reference_file_id TEXT NOT NULL,
	fineos_extract_import_log_id INTEGER,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS fineos_extract_vpei_claim_details (
	vpei_claim_details_id INTEGER PRIMARY KEY AUTOINCREMENT,
	peclassid TEXT,
	peindexid TEXT,
	absencecasenu TEXT,
	reference_file_id TEXT NOT NULL,
	fineos_extract_import_log_id INTEGER,
	created_at DATETIME NOT NULL
);
`

// Open opens (creating if necessary) the pipeline database at dsn and
// applies the schema. Use ":memory:" for a throwaway database in tests.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
