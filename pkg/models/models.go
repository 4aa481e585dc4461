package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Modality is the repayment structure of a loan.
type Modality string

const (
	ModalityInstallments Modality = "installments"
	ModalityDaily        Modality = "daily"
	ModalityInterestOnly Modality = "interest_only"
)

// Valid reports whether m is one of the known modalities.
func (m Modality) Valid() bool {
	switch m {
	case ModalityInstallments, ModalityDaily, ModalityInterestOnly:
		return true
	}
	return false
}

// LoanStatus is the derived state of a loan, cached on the record by the host.
type LoanStatus string

const (
	StatusActive    LoanStatus = "active"
	StatusCompleted LoanStatus = "completed"
	StatusOverdue   LoanStatus = "overdue"
)

// PaymentType distinguishes interest-only payments from a full settlement.
type PaymentType string

const (
	PaymentTypeInterestOnly PaymentType = "interest_only"
	PaymentTypeFull         PaymentType = "full"
)

type Client struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"` // 5-digit sequence, zero padded
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CPF       string    `json:"cpf"`
	Address   string    `json:"address"`
	City      string    `json:"city"`
	State     string    `json:"state"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Loan dates are kept as stored text (YYYY-MM-DD, RFC 3339 or DD/MM/YYYY) and
// only interpreted by the schedule generator, which tolerates bad values.
type Loan struct {
	ID                  uuid.UUID       `json:"id"`
	ClientID            uuid.UUID       `json:"client_id"`
	Principal           decimal.Decimal `json:"principal"`
	InterestRatePercent decimal.Decimal `json:"interest_rate_percent"` // monthly
	TotalAmount         decimal.Decimal `json:"total_amount"`          // principal plus interest
	Modality            Modality        `json:"modality"`
	StartDate           string          `json:"start_date,omitempty"`
	DueDate             string          `json:"due_date,omitempty"` // anchor for installments and interest-only
	InstallmentCount    int             `json:"installment_count"`
	InstallmentAmount   decimal.Decimal `json:"installment_amount"`
	CustomDueDates      map[int]string  `json:"custom_due_dates,omitempty"` // 1-based installment -> date
	Status              LoanStatus      `json:"status"`
	Notes               string          `json:"notes,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`

	// Malformed lists stored amount columns that could not be read and were
	// taken as zero.
	Malformed []string `json:"-"`
}

// Receipt proves that a schedule slot was paid. A receipt with no due date, or
// flagged as a settlement, is a payoff note and does not cover any slot.
type Receipt struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	ClientID      uuid.UUID       `json:"client_id"`
	PaymentID     uuid.UUID       `json:"payment_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentDate   time.Time       `json:"payment_date"`
	DueDate       string          `json:"due_date,omitempty"`
	Settlement    bool            `json:"settlement,omitempty"`
	ReceiptNumber string          `json:"receipt_number"`
	CreatedAt     time.Time       `json:"created_at"`
	Malformed     []string        `json:"-"`
}

// IsSettlement reports whether r is excluded from slot and balance accounting.
func (r *Receipt) IsSettlement() bool {
	return r.Settlement || r.DueDate == ""
}

// Payment is the money-received event a receipt references.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	LoanID            uuid.UUID       `json:"loan_id"`
	Amount            decimal.Decimal `json:"amount"`
	Date              time.Time       `json:"date"`
	InstallmentNumber int             `json:"installment_number"`
	Type              PaymentType     `json:"type"`
	CreatedAt         time.Time       `json:"created_at"`
	Malformed         []string        `json:"-"`
}
