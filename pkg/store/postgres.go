package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS clients (
	id UUID PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	cpf TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS loans (
	id UUID PRIMARY KEY,
	client_id UUID NOT NULL REFERENCES clients(id),
	principal NUMERIC(14,2) NOT NULL,
	interest_rate NUMERIC(8,4) NOT NULL,
	total_amount NUMERIC(14,2) NOT NULL,
	modality TEXT NOT NULL,
	start_date TEXT,
	due_date TEXT,
	installment_count INTEGER NOT NULL DEFAULT 1,
	installment_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	custom_due_dates TEXT,
	status TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_loans_client ON loans(client_id);
CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
CREATE TABLE IF NOT EXISTS payments (
	id UUID PRIMARY KEY,
	loan_id UUID NOT NULL REFERENCES loans(id),
	amount NUMERIC(14,2) NOT NULL,
	payment_date TIMESTAMPTZ NOT NULL,
	installment_number INTEGER NOT NULL DEFAULT 0,
	payment_type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS receipts (
	id UUID PRIMARY KEY,
	loan_id UUID NOT NULL REFERENCES loans(id),
	client_id UUID NOT NULL,
	payment_id UUID REFERENCES payments(id),
	amount NUMERIC(14,2) NOT NULL,
	payment_date TIMESTAMPTZ NOT NULL,
	due_date TEXT,
	settlement BOOLEAN NOT NULL DEFAULT FALSE,
	receipt_number TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_loan ON receipts(loan_id);
CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id);
`

var postgresDialect = dialect{name: "postgres", numbered: true, schema: postgresSchema}

// PostgresOptions configures the connection pool of a PostgreSQL store.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore connects to PostgreSQL and initializes the schema.
func NewPostgresStore(ctx context.Context, opts PostgresOptions, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		db.SetConnMaxIdleTime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to postgres: %w", err)
	}

	s := newSQLStore(db, postgresDialect, logger)
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("database connection established and schema initialized")
	return s, nil
}
