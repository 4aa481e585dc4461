package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mcclellann/dinheiroRapido/pkg/apperrors"
	"github.com/mcclellann/dinheiroRapido/pkg/dates"
	"github.com/mcclellann/dinheiroRapido/pkg/loanstate"
	"github.com/mcclellann/dinheiroRapido/pkg/metrics"
	"github.com/mcclellann/dinheiroRapido/pkg/models"
	"github.com/mcclellann/dinheiroRapido/pkg/schedule"
)

// PaymentRequest selects the slot a payment covers by due date, then by
// installment number, and otherwise takes the first unpaid slot.
type PaymentRequest struct {
	Amount            decimal.Decimal
	Date              time.Time // defaults to now
	DueDate           string
	InstallmentNumber int
	Type              models.PaymentType // interest-only loans; defaults to interest_only
}

// SettlementRequest pays off a loan. A zero Amount means the outstanding balance.
type SettlementRequest struct {
	Amount decimal.Decimal
	Date   time.Time
}

// PaymentResult is what a recorded payment produced.
type PaymentResult struct {
	Payment  *models.Payment   `json:"payment"`
	Receipts []*models.Receipt `json:"receipts"`
	State    loanstate.State   `json:"state"`
}

// RecordPayment records a payment and its receipt against one schedule slot,
// then recomputes the loan status.
func (l *Ledger) RecordPayment(ctx context.Context, loanID uuid.UUID, req PaymentRequest) (*PaymentResult, error) {
	if !req.Amount.IsPositive() {
		return nil, apperrors.InvalidInput("payment amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.loadFacts(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if f.loan.Modality == models.ModalityInterestOnly && schedule.HasFullPayment(f.loan, f.payments) {
		return nil, apperrors.Conflict("loan %s is already settled", loanID)
	}

	paymentType, err := paymentTypeFor(f.loan, req.Type)
	if err != nil {
		return nil, err
	}

	st := l.derive(f)
	slot, err := pickSlot(st.Installments, req)
	if err != nil {
		return nil, err
	}

	date := req.Date
	if date.IsZero() {
		date = l.now()
	}
	payment, receipts := l.newPayment(f.loan, paymentType, req.Amount, date, []loanstate.Installment{slot}, []decimal.Decimal{req.Amount})
	return l.store(ctx, f, payment, receipts)
}

func paymentTypeFor(loan *models.Loan, requested models.PaymentType) (models.PaymentType, error) {
	if loan.Modality != models.ModalityInterestOnly {
		if requested == models.PaymentTypeInterestOnly {
			return "", apperrors.InvalidInput("interest-only payments apply only to interest-only loans")
		}
		return models.PaymentTypeFull, nil
	}
	switch requested {
	case "":
		return models.PaymentTypeInterestOnly, nil
	case models.PaymentTypeInterestOnly, models.PaymentTypeFull:
		return requested, nil
	}
	return "", apperrors.InvalidInput("unknown payment type %q", requested)
}

func pickSlot(installments []loanstate.Installment, req PaymentRequest) (loanstate.Installment, error) {
	var (
		slot  *loanstate.Installment
		label string
	)
	switch {
	case req.DueDate != "":
		day, err := dates.Parse(req.DueDate)
		if err != nil {
			return loanstate.Installment{}, apperrors.InvalidInput("invalid due date %q", req.DueDate)
		}
		label = "due " + dates.Format(day)
		for i := range installments {
			if dates.SameDay(installments[i].DueDate, day) {
				slot = &installments[i]
				break
			}
		}
		if slot == nil {
			return loanstate.Installment{}, apperrors.InvalidInput("no installment is due on %s", dates.Format(day))
		}
	case req.InstallmentNumber > 0:
		label = fmt.Sprintf("%d", req.InstallmentNumber)
		for i := range installments {
			if installments[i].Number == req.InstallmentNumber {
				slot = &installments[i]
				break
			}
		}
		if slot == nil {
			return loanstate.Installment{}, apperrors.InvalidInput("installment %d is not in the schedule", req.InstallmentNumber)
		}
	default:
		for i := range installments {
			if !installments[i].Paid {
				return installments[i], nil
			}
		}
		return loanstate.Installment{}, apperrors.Conflict("loan has no unpaid installment")
	}
	if slot.Paid {
		return loanstate.Installment{}, apperrors.Conflict("installment %s is already paid", label)
	}
	return *slot, nil
}

// Settle pays off a loan. An interest-only loan gets a full payment on its
// upcoming slot, which closes the schedule. Other loans get one full payment
// with a receipt for every unpaid slot, the amount split across them.
func (l *Ledger) Settle(ctx context.Context, loanID uuid.UUID, req SettlementRequest) (*PaymentResult, error) {
	if req.Amount.IsNegative() {
		return nil, apperrors.InvalidInput("settlement amount must not be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.loadFacts(ctx, loanID)
	if err != nil {
		return nil, err
	}
	st := l.derive(f)
	if st.Settled {
		return nil, apperrors.Conflict("loan %s is already settled", loanID)
	}

	unpaid := make([]loanstate.Installment, 0, len(st.Installments))
	for _, inst := range st.Installments {
		if !inst.Paid {
			unpaid = append(unpaid, inst)
		}
	}
	if len(unpaid) == 0 {
		return nil, apperrors.Conflict("loan %s has no unpaid installment", loanID)
	}

	amount := req.Amount
	if amount.IsZero() {
		amount = st.OutstandingBalance
	}
	if f.loan.Modality == models.ModalityInterestOnly {
		unpaid = unpaid[len(unpaid)-1:]
	}
	if !amount.IsPositive() {
		return nil, apperrors.Conflict("loan %s has no outstanding balance to settle", loanID).
			WithDetails("pass an explicit amount to close the remaining installments")
	}
	if amount.LessThan(minPart.Mul(decimal.NewFromInt(int64(len(unpaid))))) {
		return nil, apperrors.InvalidInput("settlement amount %s cannot cover %d installments", amount.StringFixed(2), len(unpaid))
	}

	date := req.Date
	if date.IsZero() {
		date = l.now()
	}
	payment, receipts := l.newPayment(f.loan, models.PaymentTypeFull, amount, date, unpaid, split(amount, len(unpaid)))
	return l.store(ctx, f, payment, receipts)
}

// minPart is the smallest amount a settlement receipt may carry.
var minPart = decimal.New(1, -2)

// split divides amount into n parts rounded to cents; the last part takes the
// remainder so the parts always add up to amount. With amount of at least n
// cents no part is zero.
func split(amount decimal.Decimal, n int) []decimal.Decimal {
	parts := make([]decimal.Decimal, n)
	each := amount.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	rest := amount
	for i := 0; i < n-1; i++ {
		parts[i] = each
		rest = rest.Sub(each)
	}
	parts[n-1] = rest
	return parts
}

func (l *Ledger) newPayment(loan *models.Loan, typ models.PaymentType, amount decimal.Decimal, date time.Time,
	slots []loanstate.Installment, amounts []decimal.Decimal) (*models.Payment, []*models.Receipt) {
	now := l.now()
	payment := &models.Payment{
		ID:                uuid.New(),
		LoanID:            loan.ID,
		Amount:            amount,
		Date:              date,
		InstallmentNumber: slots[0].Number,
		Type:              typ,
		CreatedAt:         now,
	}
	receipts := make([]*models.Receipt, len(slots))
	for i, slot := range slots {
		receipts[i] = &models.Receipt{
			ID:            uuid.New(),
			LoanID:        loan.ID,
			ClientID:      loan.ClientID,
			PaymentID:     payment.ID,
			Amount:        amounts[i],
			PaymentDate:   date,
			DueDate:       dates.Format(slot.DueDate),
			ReceiptNumber: receiptNumber(loan.ID, now, i),
			CreatedAt:     now,
		}
	}
	return payment, receipts
}

// receiptNumber is REC- followed by the last four digits of the millisecond
// clock and the last four characters of the loan id.
func receiptNumber(loanID uuid.UUID, at time.Time, seq int) string {
	id := loanID.String()
	return fmt.Sprintf("REC-%04d%s", (at.UnixMilli()+int64(seq))%10000, id[len(id)-4:])
}

// store writes the payment with its receipts in one transaction and
// recomputes the loan. Callers hold mu.
func (l *Ledger) store(ctx context.Context, f *facts, payment *models.Payment, receipts []*models.Receipt) (*PaymentResult, error) {
	if err := l.storage.RecordPayment(ctx, payment, receipts); err != nil {
		l.logger.Error("failed to record payment",
			zap.String("loan_id", f.loan.ID.String()),
			zap.String("amount", payment.Amount.StringFixed(2)),
			zap.Error(err))
		return nil, translate("record payment", err)
	}
	l.cache.Invalidate(ctx, f.loan.ID)
	metrics.PaymentsRecorded.WithLabelValues(string(f.loan.Modality), string(payment.Type)).Inc()

	l.logger.Info("payment recorded",
		zap.String("loan_id", f.loan.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("type", string(payment.Type)),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.Int("receipts", len(receipts)))

	f.payments = append(f.payments, payment)
	f.receipts = append(f.receipts, receipts...)
	st, _, err := l.commit(ctx, f)
	if err != nil {
		return nil, err
	}
	return &PaymentResult{Payment: payment, Receipts: receipts, State: st}, nil
}

// DeleteReceipt removes a receipt, and its payment once no receipt references
// it, then recomputes the loan it belonged to.
func (l *Ledger) DeleteReceipt(ctx context.Context, id uuid.UUID) (loanstate.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deleted, err := l.storage.DeleteReceipt(ctx, id)
	if err != nil {
		return loanstate.State{}, translate("delete receipt", err)
	}
	l.logger.Info("receipt deleted",
		zap.String("receipt_id", id.String()),
		zap.String("loan_id", deleted.LoanID.String()),
		zap.String("due_date", deleted.DueDate))
	st, _, err := l.refresh(ctx, deleted.LoanID)
	return st, err
}

// GetReceipt retrieves a receipt by its ID.
func (l *Ledger) GetReceipt(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	r, err := l.storage.GetReceipt(ctx, id)
	if err != nil {
		return nil, translate("get receipt", err)
	}
	return r, nil
}

// Receipts lists the receipts of a loan in payment order.
func (l *Ledger) Receipts(ctx context.Context, loanID uuid.UUID) ([]*models.Receipt, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, translate("get loan", err)
	}
	receipts, err := l.storage.GetReceiptsForLoan(ctx, loanID)
	if err != nil {
		return nil, translate("get receipts", err)
	}
	return receipts, nil
}

// ReceiptEntry is a receipt listed with the name of its client.
type ReceiptEntry struct {
	*models.Receipt
	ClientName string `json:"client_name"`
}

// SearchReceipts lists every receipt whose client name or receipt number
// contains query, ignoring case. An empty query lists all receipts. Newest
// payments come first.
func (l *Ledger) SearchReceipts(ctx context.Context, query string) ([]ReceiptEntry, error) {
	clients, err := l.storage.GetAllClients(ctx)
	if err != nil {
		return nil, translate("get clients", err)
	}
	names := make(map[uuid.UUID]string, len(clients))
	for _, c := range clients {
		names[c.ID] = c.Name
	}
	receipts, err := l.storage.GetAllReceipts(ctx)
	if err != nil {
		return nil, translate("get receipts", err)
	}

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]ReceiptEntry, 0, len(receipts))
	for _, r := range receipts {
		name := names[r.ClientID]
		if q != "" && !strings.Contains(strings.ToLower(name), q) && !strings.Contains(strings.ToLower(r.ReceiptNumber), q) {
			continue
		}
		out = append(out, ReceiptEntry{Receipt: r, ClientName: name})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.After(out[j].PaymentDate)
		}
		return out[i].ReceiptNumber < out[j].ReceiptNumber
	})
	return out, nil
}

// Payments lists the payments of a loan in payment order.
func (l *Ledger) Payments(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, translate("get loan", err)
	}
	payments, err := l.storage.GetPaymentsForLoan(ctx, loanID)
	if err != nil {
		return nil, translate("get payments", err)
	}
	return payments, nil
}
