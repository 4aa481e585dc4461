package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mcclellann/dinheiroRapido/pkg/apperrors"
	"github.com/mcclellann/dinheiroRapido/pkg/dates"
	"github.com/mcclellann/dinheiroRapido/pkg/loanstate"
	"github.com/mcclellann/dinheiroRapido/pkg/models"
	"github.com/mcclellann/dinheiroRapido/pkg/schedule"
)

// defaultTermDays is how far ahead the first due date of an installments or
// interest-only loan falls when none is given.
const defaultTermDays = 30

var hundred = decimal.NewFromInt(100)

// NewLoan holds the operator's input for a loan. Dates are optional.
type NewLoan struct {
	ClientID            uuid.UUID
	Principal           decimal.Decimal
	InterestRatePercent decimal.Decimal
	Modality            models.Modality
	StartDate           string
	DueDate             string
	InstallmentCount    int
	InstallmentAmount   decimal.Decimal // daily loans only
	Notes               string
}

func (n NewLoan) validate() error {
	if !n.Principal.IsPositive() {
		return apperrors.InvalidInput("principal must be positive")
	}
	if n.InterestRatePercent.IsNegative() {
		return apperrors.InvalidInput("interest rate must not be negative")
	}
	if !n.Modality.Valid() {
		return apperrors.InvalidInput("unknown modality %q", n.Modality)
	}
	for _, d := range []string{n.StartDate, n.DueDate} {
		if d == "" {
			continue
		}
		if _, err := dates.Parse(d); err != nil {
			return apperrors.InvalidInput("invalid date %q", d)
		}
	}
	switch n.Modality {
	case models.ModalityInstallments:
		if n.InstallmentCount < 1 {
			return apperrors.InvalidInput("installment count must be at least 1")
		}
	case models.ModalityDaily:
		if n.InstallmentCount < 1 {
			return apperrors.InvalidInput("installment count must be at least 1")
		}
		if !n.InstallmentAmount.IsPositive() {
			return apperrors.InvalidInput("daily installment amount must be positive")
		}
	}
	return nil
}

// CreateLoan computes the totals of a new loan from its modality and stores it
// as active.
//
//   - installments: total is principal plus one period of interest, split
//     evenly over the installments. The first due date defaults to 30 days out.
//   - interest_only: total is principal plus one period of interest; each
//     monthly slot is due the interest. The due date defaults to 30 days out.
//   - daily: total is count times the daily amount, starting today unless
//     given, and the due date is the last day.
func (l *Ledger) CreateLoan(ctx context.Context, in NewLoan) (*models.Loan, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.storage.GetClient(ctx, in.ClientID); err != nil {
		return nil, translate("get client", err)
	}

	now := l.now()
	today := dates.Today(now)
	interest := in.Principal.Mul(in.InterestRatePercent).Div(hundred).Round(2)

	loan := &models.Loan{
		ID:                  uuid.New(),
		ClientID:            in.ClientID,
		Principal:           in.Principal,
		InterestRatePercent: in.InterestRatePercent,
		Modality:            in.Modality,
		StartDate:           normalizeDate(in.StartDate, today),
		Status:              models.StatusActive,
		Notes:               in.Notes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	switch in.Modality {
	case models.ModalityInstallments:
		loan.TotalAmount = in.Principal.Add(interest)
		loan.InstallmentCount = in.InstallmentCount
		loan.InstallmentAmount = loan.TotalAmount.Div(decimal.NewFromInt(int64(in.InstallmentCount))).Round(2)
		loan.DueDate = normalizeDate(in.DueDate, dates.AddDays(today, defaultTermDays))
	case models.ModalityInterestOnly:
		loan.TotalAmount = in.Principal.Add(interest)
		loan.InstallmentCount = 1
		loan.InstallmentAmount = interest
		loan.DueDate = normalizeDate(in.DueDate, dates.AddDays(today, defaultTermDays))
	case models.ModalityDaily:
		loan.InstallmentCount = in.InstallmentCount
		loan.InstallmentAmount = in.InstallmentAmount
		loan.TotalAmount = in.InstallmentAmount.Mul(decimal.NewFromInt(int64(in.InstallmentCount)))
		start := dates.MustParse(loan.StartDate)
		loan.DueDate = dates.Format(dates.AddDays(start, in.InstallmentCount-1))
	}

	if err := l.storage.CreateLoan(ctx, loan); err != nil {
		return nil, translate("create loan", err)
	}

	l.logger.Info("loan created",
		zap.String("loan_id", loan.ID.String()),
		zap.String("client_id", loan.ClientID.String()),
		zap.String("modality", string(loan.Modality)),
		zap.String("total", loan.TotalAmount.StringFixed(2)))
	return loan, nil
}

// normalizeDate stores a valid input as YYYY-MM-DD, or fallback when empty.
// Inputs are validated before this is called.
func normalizeDate(value string, fallback time.Time) string {
	if value == "" {
		return dates.Format(fallback)
	}
	return dates.Format(dates.MustParse(value))
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, translate("get loan", err)
	}
	return loan, nil
}

// ListLoans returns all loans, or those whose stored status is status.
func (l *Ledger) ListLoans(ctx context.Context, status models.LoanStatus) ([]*models.Loan, error) {
	if status == "" {
		loans, err := l.storage.GetAllLoans(ctx)
		return loans, translate("get loans", err)
	}
	switch status {
	case models.StatusActive, models.StatusCompleted, models.StatusOverdue:
	default:
		return nil, apperrors.InvalidInput("unknown loan status %q", status)
	}
	loans, err := l.storage.GetLoansByStatus(ctx, status)
	return loans, translate("get loans", err)
}

// DeleteLoan deletes a loan with its payments and receipts.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.storage.DeleteLoan(ctx, id); err != nil {
		return translate("delete loan", err)
	}
	l.cache.Invalidate(ctx, id)
	l.logger.Info("loan deleted", zap.String("loan_id", id.String()))
	return nil
}

// Schedule returns the due-date schedule of a loan.
func (l *Ledger) Schedule(ctx context.Context, id uuid.UUID) (schedule.Schedule, error) {
	f, err := l.loadFacts(ctx, id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return schedule.Generate(f.loan, f.receipts, f.payments), nil
}

// SetDueDateOverride moves one installment to a new due date. The date may
// not be the due date of another installment.
func (l *Ledger) SetDueDateOverride(ctx context.Context, loanID uuid.UUID, installment int, date string) (loanstate.State, error) {
	day, err := dates.Parse(date)
	if err != nil {
		return loanstate.State{}, apperrors.InvalidInput("invalid due date %q", date)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.loadFacts(ctx, loanID)
	if err != nil {
		return loanstate.State{}, err
	}
	slots := schedule.Generate(f.loan, f.receipts, f.payments).Slots
	if installment < 1 || installment > len(slots) {
		return loanstate.State{}, apperrors.InvalidInput("installment %d is not in the schedule of %d", installment, len(slots))
	}
	// one receipt would otherwise pay both slots
	for _, slot := range slots {
		if slot.Number != installment && dates.SameDay(slot.DueDate, day) {
			return loanstate.State{}, apperrors.Conflict("installment %d is already due on %s", slot.Number, dates.Format(day))
		}
	}

	if f.loan.CustomDueDates == nil {
		f.loan.CustomDueDates = make(map[int]string)
	}
	f.loan.CustomDueDates[installment] = dates.Format(day)
	if err := l.saveLoan(ctx, f.loan); err != nil {
		return loanstate.State{}, err
	}
	l.logger.Info("due date override set",
		zap.String("loan_id", loanID.String()),
		zap.Int("installment", installment),
		zap.String("due_date", dates.Format(day)))
	st, _, err := l.commit(ctx, f)
	return st, err
}

// ClearDueDateOverride returns an installment to its computed due date.
// Clearing an installment without an override is a no-op.
func (l *Ledger) ClearDueDateOverride(ctx context.Context, loanID uuid.UUID, installment int) (loanstate.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.loadFacts(ctx, loanID)
	if err != nil {
		return loanstate.State{}, err
	}
	if _, ok := f.loan.CustomDueDates[installment]; ok {
		delete(f.loan.CustomDueDates, installment)
		if err := l.saveLoan(ctx, f.loan); err != nil {
			return loanstate.State{}, err
		}
		l.logger.Info("due date override cleared", zap.String("loan_id", loanID.String()), zap.Int("installment", installment))
	}
	st, _, err := l.commit(ctx, f)
	return st, err
}

// Reschedule moves the anchor of the schedule: the start date of a daily loan,
// the first due date otherwise. Overrides are kept.
func (l *Ledger) Reschedule(ctx context.Context, loanID uuid.UUID, date string) (loanstate.State, error) {
	day, err := dates.Parse(date)
	if err != nil {
		return loanstate.State{}, apperrors.InvalidInput("invalid due date %q", date)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.loadFacts(ctx, loanID)
	if err != nil {
		return loanstate.State{}, err
	}
	if f.loan.Modality == models.ModalityDaily {
		f.loan.StartDate = dates.Format(day)
		f.loan.DueDate = dates.Format(dates.AddDays(day, f.loan.InstallmentCount-1))
	} else {
		f.loan.DueDate = dates.Format(day)
	}
	if err := l.saveLoan(ctx, f.loan); err != nil {
		return loanstate.State{}, err
	}
	l.logger.Info("loan rescheduled", zap.String("loan_id", loanID.String()), zap.String("anchor", dates.Format(day)))
	st, _, err := l.commit(ctx, f)
	return st, err
}

func (l *Ledger) saveLoan(ctx context.Context, loan *models.Loan) error {
	loan.UpdatedAt = l.now()
	if err := l.storage.UpdateLoan(ctx, loan); err != nil {
		return translate("update loan", err)
	}
	l.cache.Invalidate(ctx, loan.ID)
	return nil
}
