package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	cpf TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS loans (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	principal TEXT NOT NULL,
	interest_rate TEXT NOT NULL,
	total_amount TEXT NOT NULL,
	modality TEXT NOT NULL,
	start_date TEXT,
	due_date TEXT,
	installment_count INTEGER NOT NULL DEFAULT 1,
	installment_amount TEXT NOT NULL DEFAULT '0',
	custom_due_dates TEXT,
	status TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(client_id) REFERENCES clients(id)
);
CREATE INDEX IF NOT EXISTS idx_loans_client ON loans(client_id);
CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	payment_date DATETIME NOT NULL,
	installment_number INTEGER NOT NULL DEFAULT 0,
	payment_type TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(loan_id) REFERENCES loans(id)
);
CREATE TABLE IF NOT EXISTS receipts (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	payment_id TEXT,
	amount TEXT NOT NULL,
	payment_date DATETIME NOT NULL,
	due_date TEXT,
	settlement BOOLEAN NOT NULL DEFAULT 0,
	receipt_number TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(loan_id) REFERENCES loans(id),
	FOREIGN KEY(payment_id) REFERENCES payments(id)
);
CREATE INDEX IF NOT EXISTS idx_receipts_loan ON receipts(loan_id);
CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id);
`

var sqliteDialect = dialect{name: "sqlite", schema: sqliteSchema}

// NewSQLiteStore opens the SQLite database at dataSourceName and initializes the schema.
func NewSQLiteStore(dataSourceName string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps the pragmas in effect.
	db.SetMaxOpenConns(1)

	// Manually enable foreign keys and WAL mode
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := newSQLStore(db, sqliteDialect, logger)
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("database connection established and schema initialized", zap.String("path", dataSourceName))
	return s, nil
}
