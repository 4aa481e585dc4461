package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mcclellann/dinheiroRapido/pkg/models"
)

// ErrNotFound is returned, wrapped, when a record does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines the persistence operations for clients, loans, payments and receipts.
type Storage interface {
	CreateClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error)
	UpdateClient(ctx context.Context, client *models.Client) error
	// DeleteClient removes the client together with its loans, payments and receipts.
	DeleteClient(ctx context.Context, id uuid.UUID) error
	GetAllClients(ctx context.Context) ([]*models.Client, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	UpdateLoanStatus(ctx context.Context, id uuid.UUID, status models.LoanStatus, updatedAt time.Time) error
	// DeleteLoan removes the loan together with its payments and receipts.
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	GetLoansByStatus(ctx context.Context, status models.LoanStatus) ([]*models.Loan, error)
	GetLoansForClient(ctx context.Context, clientID uuid.UUID) ([]*models.Loan, error)

	// RecordPayment stores a payment and its receipts atomically.
	RecordPayment(ctx context.Context, payment *models.Payment, receipts []*models.Receipt) error
	GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error)
	GetAllPayments(ctx context.Context) ([]*models.Payment, error)

	GetReceipt(ctx context.Context, id uuid.UUID) (*models.Receipt, error)
	GetReceiptsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Receipt, error)
	GetAllReceipts(ctx context.Context) ([]*models.Receipt, error)
	// DeleteReceipt removes the receipt, and its payment when no other receipt
	// references it. The deleted receipt is returned.
	DeleteReceipt(ctx context.Context, id uuid.UUID) (*models.Receipt, error)

	Close() error
}
