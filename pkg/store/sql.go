package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mcclellann/dinheiroRapido/pkg/models"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	schema   string
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Storage on a database/sql connection. Decimal amounts are
// written as text so no precision is lost.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

func newSQLStore(db *sql.DB, d dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, dialect: d, logger: logger.With(zap.String("store", d.name))}
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("could not initialize schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStore) exec(ctx context.Context, e execer, query string, args ...interface{}) (sql.Result, error) {
	return e.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// money reads a stored amount. NULL or unparseable text reads as zero and the
// column is added to malformed, so the value shows up as a data issue instead
// of failing the whole query.
func money(ns sql.NullString, column string, malformed *[]string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(ns.String))
	if !ns.Valid || err != nil {
		*malformed = append(*malformed, column)
		return decimal.Zero
	}
	return d
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

func checkAffected(result sql.Result, what string, id uuid.UUID) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// Clients

const clientColumns = `id, code, name, email, phone, cpf, address, city, state, notes, created_at`

// CreateClient inserts a new client.
func (s *SQLStore) CreateClient(ctx context.Context, c *models.Client) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.Code, c.Name, c.Email, c.Phone, c.CPF, c.Address, c.City, c.State, c.Notes, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by its ID.
func (s *SQLStore) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	row := s.queryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id.String())
	c, err := scanClient(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return c, nil
}

// UpdateClient updates the mutable fields of a client.
func (s *SQLStore) UpdateClient(ctx context.Context, c *models.Client) error {
	result, err := s.exec(ctx, s.db,
		`UPDATE clients SET name = ?, email = ?, phone = ?, cpf = ?, address = ?, city = ?, state = ?, notes = ? WHERE id = ?`,
		c.Name, c.Email, c.Phone, c.CPF, c.Address, c.City, c.State, c.Notes, c.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return checkAffected(result, "client", c.ID)
}

// DeleteClient removes a client and everything recorded against its loans in one transaction.
func (s *SQLStore) DeleteClient(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ownLoans := `SELECT id FROM loans WHERE client_id = ?`
	if _, err := s.exec(ctx, tx, `DELETE FROM receipts WHERE loan_id IN (`+ownLoans+`)`, id.String()); err != nil {
		return fmt.Errorf("failed to delete client receipts: %w", err)
	}
	if _, err := s.exec(ctx, tx, `DELETE FROM payments WHERE loan_id IN (`+ownLoans+`)`, id.String()); err != nil {
		return fmt.Errorf("failed to delete client payments: %w", err)
	}
	if _, err := s.exec(ctx, tx, `DELETE FROM loans WHERE client_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete client loans: %w", err)
	}
	result, err := s.exec(ctx, tx, `DELETE FROM clients WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if err := checkAffected(result, "client", id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAllClients retrieves all clients ordered by code.
func (s *SQLStore) GetAllClients(ctx context.Context) ([]*models.Client, error) {
	rows, err := s.query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY code ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client row: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return clients, nil
}

func scanClient(sc scanner) (*models.Client, error) {
	var (
		c  models.Client
		id string
	)
	if err := sc.Scan(&id, &c.Code, &c.Name, &c.Email, &c.Phone, &c.CPF, &c.Address, &c.City, &c.State, &c.Notes, &c.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = parseID(id); err != nil {
		return nil, err
	}
	return &c, nil
}

// Loans

const loanColumns = `id, client_id, principal, interest_rate, total_amount, modality, start_date, due_date, installment_count, installment_amount, custom_due_dates, status, notes, created_at, updated_at`

func encodeDueDates(m map[int]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode custom due dates: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// CreateLoan inserts a new loan.
func (s *SQLStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	custom, err := encodeDueDates(loan.CustomDueDates)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.ClientID.String(), loan.Principal, loan.InterestRatePercent, loan.TotalAmount,
		string(loan.Modality), nullable(loan.StartDate), nullable(loan.DueDate), loan.InstallmentCount,
		loan.InstallmentAmount, custom, string(loan.Status), loan.Notes, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan writes the mutable fields of a loan: anchors, overrides, status and notes.
func (s *SQLStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	custom, err := encodeDueDates(loan.CustomDueDates)
	if err != nil {
		return err
	}
	result, err := s.exec(ctx, s.db,
		`UPDATE loans SET start_date = ?, due_date = ?, custom_due_dates = ?, status = ?, notes = ?, updated_at = ? WHERE id = ?`,
		nullable(loan.StartDate), nullable(loan.DueDate), custom, string(loan.Status), loan.Notes, loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return checkAffected(result, "loan", loan.ID)
}

// UpdateLoanStatus writes only the cached status of a loan.
func (s *SQLStore) UpdateLoanStatus(ctx context.Context, id uuid.UUID, status models.LoanStatus, updatedAt time.Time) error {
	result, err := s.exec(ctx, s.db,
		`UPDATE loans SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), updatedAt, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan status: %w", err)
	}
	return checkAffected(result, "loan", id)
}

// DeleteLoan removes a loan and its payments and receipts within a transaction.
func (s *SQLStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx, `DELETE FROM receipts WHERE loan_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete associated receipts: %w", err)
	}
	if _, err := s.exec(ctx, tx, `DELETE FROM payments WHERE loan_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete associated payments: %w", err)
	}
	result, err := s.exec(ctx, tx, `DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	if err := checkAffected(result, "loan", id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAllLoans retrieves all loans, newest first.
func (s *SQLStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at DESC`)
}

// GetLoansByStatus retrieves the loans whose cached status is status.
func (s *SQLStore) GetLoansByStatus(ctx context.Context, status models.LoanStatus) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE status = ? ORDER BY created_at DESC`, string(status))
}

// GetLoansForClient retrieves the loans of a client.
func (s *SQLStore) GetLoansForClient(ctx context.Context, clientID uuid.UUID) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE client_id = ? ORDER BY created_at DESC`, clientID.String())
}

func (s *SQLStore) queryLoans(ctx context.Context, query string, args ...interface{}) ([]*models.Loan, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

func scanLoan(sc scanner) (*models.Loan, error) {
	var (
		loan                       models.Loan
		id, clientID               string
		modality, status           string
		startDate, dueDate, custom sql.NullString
		principal, rate, total     sql.NullString
		installmentAmount          sql.NullString
	)
	err := sc.Scan(&id, &clientID, &principal, &rate, &total, &modality,
		&startDate, &dueDate, &loan.InstallmentCount, &installmentAmount, &custom, &status, &loan.Notes,
		&loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loan.Principal = money(principal, "principal", &loan.Malformed)
	loan.InterestRatePercent = money(rate, "interest_rate", &loan.Malformed)
	loan.TotalAmount = money(total, "total_amount", &loan.Malformed)
	loan.InstallmentAmount = money(installmentAmount, "installment_amount", &loan.Malformed)
	if loan.ID, err = parseID(id); err != nil {
		return nil, err
	}
	if loan.ClientID, err = parseID(clientID); err != nil {
		return nil, err
	}
	loan.Modality = models.Modality(modality)
	loan.Status = models.LoanStatus(status)
	loan.StartDate = startDate.String
	loan.DueDate = dueDate.String
	if custom.Valid && custom.String != "" {
		// malformed overrides read as none
		if err := json.Unmarshal([]byte(custom.String), &loan.CustomDueDates); err != nil {
			loan.CustomDueDates = nil
		}
	}
	return &loan, nil
}

// Payments and receipts

const paymentColumns = `id, loan_id, amount, payment_date, installment_number, payment_type, created_at`

const receiptColumns = `id, loan_id, client_id, payment_id, amount, payment_date, due_date, settlement, receipt_number, created_at`

// RecordPayment inserts a payment and its receipts in one transaction. Nothing
// is written if any insert fails.
func (s *SQLStore) RecordPayment(ctx context.Context, p *models.Payment, receipts []*models.Receipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = s.exec(ctx, tx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.Amount, p.Date, p.InstallmentNumber, string(p.Type), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	for _, r := range receipts {
		_, err = s.exec(ctx, tx,
			`INSERT INTO receipts (`+receiptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID.String(), r.LoanID.String(), r.ClientID.String(), nullableID(r.PaymentID), r.Amount, r.PaymentDate,
			nullable(r.DueDate), r.Settlement, r.ReceiptNumber, r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create receipt %s: %w", r.ReceiptNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment: %w", err)
	}
	s.logger.Debug("payment recorded",
		zap.String("payment_id", p.ID.String()),
		zap.String("loan_id", p.LoanID.String()),
		zap.Int("receipts", len(receipts)))
	return nil
}

// GetPaymentsForLoan retrieves the payments of a loan in date order.
func (s *SQLStore) GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	return s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? ORDER BY payment_date ASC, created_at ASC`, loanID.String())
}

// GetAllPayments retrieves every payment.
func (s *SQLStore) GetAllPayments(ctx context.Context) ([]*models.Payment, error) {
	return s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments ORDER BY payment_date ASC, created_at ASC`)
}

func (s *SQLStore) queryPayments(ctx context.Context, query string, args ...interface{}) ([]*models.Payment, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var (
			p          models.Payment
			id, loanID string
			typ        string
			amount     sql.NullString
		)
		if err := rows.Scan(&id, &loanID, &amount, &p.Date, &p.InstallmentNumber, &typ, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.Amount = money(amount, "amount", &p.Malformed)
		if p.ID, err = parseID(id); err != nil {
			return nil, err
		}
		if p.LoanID, err = parseID(loanID); err != nil {
			return nil, err
		}
		p.Type = models.PaymentType(typ)
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return payments, nil
}

// GetReceipt retrieves a receipt by its ID.
func (s *SQLStore) GetReceipt(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	row := s.queryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id.String())
	r, err := scanReceipt(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return r, nil
}

// GetReceiptsForLoan retrieves the receipts of a loan in payment order.
func (s *SQLStore) GetReceiptsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Receipt, error) {
	return s.queryReceipts(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE loan_id = ? ORDER BY payment_date ASC, created_at ASC`, loanID.String())
}

// GetAllReceipts retrieves every receipt.
func (s *SQLStore) GetAllReceipts(ctx context.Context) ([]*models.Receipt, error) {
	return s.queryReceipts(ctx, `SELECT `+receiptColumns+` FROM receipts ORDER BY payment_date ASC, created_at ASC`)
}

// DeleteReceipt removes a receipt, and its payment once no receipt references it.
func (s *SQLStore) DeleteReceipt(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+receiptColumns+` FROM receipts WHERE id = ?`), id.String())
	r, err := scanReceipt(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	if _, err := s.exec(ctx, tx, `DELETE FROM receipts WHERE id = ?`, id.String()); err != nil {
		return nil, fmt.Errorf("failed to delete receipt: %w", err)
	}
	if r.PaymentID != uuid.Nil {
		_, err := s.exec(ctx, tx,
			`DELETE FROM payments WHERE id = ? AND NOT EXISTS (SELECT 1 FROM receipts WHERE payment_id = ?)`,
			r.PaymentID.String(), r.PaymentID.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to delete orphaned payment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit receipt deletion: %w", err)
	}
	return r, nil
}

func (s *SQLStore) queryReceipts(ctx context.Context, query string, args ...interface{}) ([]*models.Receipt, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*models.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return receipts, nil
}

func scanReceipt(sc scanner) (*models.Receipt, error) {
	var (
		r                    models.Receipt
		id, loanID, clientID string
		paymentID, dueDate   sql.NullString
		amount               sql.NullString
	)
	err := sc.Scan(&id, &loanID, &clientID, &paymentID, &amount, &r.PaymentDate, &dueDate, &r.Settlement, &r.ReceiptNumber, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Amount = money(amount, "amount", &r.Malformed)
	if r.ID, err = parseID(id); err != nil {
		return nil, err
	}
	if r.LoanID, err = parseID(loanID); err != nil {
		return nil, err
	}
	if r.ClientID, err = parseID(clientID); err != nil {
		return nil, err
	}
	if paymentID.Valid && paymentID.String != "" {
		if r.PaymentID, err = parseID(paymentID.String); err != nil {
			return nil, err
		}
	}
	r.DueDate = dueDate.String
	return &r, nil
}
