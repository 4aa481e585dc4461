// Package loanstate derives the status and outstanding balance of a loan from
// its schedule and the receipts and payments recorded against it.
package loanstate

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcclellann/dinheiroRapido/pkg/dates"
	"github.com/mcclellann/dinheiroRapido/pkg/models"
	"github.com/mcclellann/dinheiroRapido/pkg/schedule"
)

// Installment is one schedule slot together with its payment state.
type Installment struct {
	Number     int       `json:"number"`
	DueDate    time.Time `json:"due_date"`
	Overridden bool      `json:"overridden,omitempty"`
	Paid       bool      `json:"paid"`
	Overdue    bool      `json:"overdue"`
	ReceiptID  *uuid.UUID `json:"receipt_id,omitempty"`
}

type Summary struct {
	Paid     int `json:"paid"`
	Overdue  int `json:"overdue"`
	Upcoming int `json:"upcoming"`
}

// State is everything derived about a loan at a given day.
type State struct {
	Status             models.LoanStatus `json:"status"`
	TotalPaid          decimal.Decimal   `json:"total_paid"`
	TargetAmount       decimal.Decimal   `json:"target_amount"`
	OutstandingBalance decimal.Decimal   `json:"outstanding_balance"`
	Installments       []Installment     `json:"installments"`
	Summary            Summary           `json:"summary"`
	Settled            bool              `json:"settled"`
	Issues             []schedule.Issue  `json:"issues,omitempty"`
}

// NeedsReview reports whether the loan record should be looked at by an
// operator: it is completed but still shows a balance, or its data is malformed.
func (s State) NeedsReview() bool {
	if s.Status == models.StatusCompleted && s.OutstandingBalance.IsPositive() {
		return true
	}
	return len(s.Issues) > 0
}

// Derive computes the state of loan as of the calendar day of asOf.
func Derive(loan *models.Loan, receipts []*models.Receipt, payments []*models.Payment, asOf time.Time) State {
	st := State{
		Status:             models.StatusActive,
		TotalPaid:          decimal.Zero,
		TargetAmount:       decimal.Zero,
		OutstandingBalance: decimal.Zero,
	}
	if loan == nil {
		return st
	}

	own := ownReceipts(loan, receipts)
	ownPayments := ownPayments(loan, payments)
	st.TotalPaid = totalPaid(own, ownPayments)
	st.TargetAmount = targetAmount(loan)

	sched := schedule.Generate(loan, own, ownPayments)
	st.Issues = append(sched.Issues, amountIssues(loan, own, ownPayments)...)
	today := dates.Today(asOf)

	switch loan.Modality {
	case models.ModalityInterestOnly:
		st.Settled = sched.Closed
		if st.Settled {
			st.Status = models.StatusCompleted
		} else {
			st.OutstandingBalance = loan.TotalAmount
		}
		// an interest-only slot is never overdue
		st.Installments = mark(sched, own, today, false)
	case models.ModalityInstallments, models.ModalityDaily:
		st.OutstandingBalance = decimal.Max(st.TargetAmount.Sub(st.TotalPaid), decimal.Zero)
		st.Installments = mark(sched, own, today, true)
		st.Status = statusOf(st.Installments)
		st.Settled = st.Status == models.StatusCompleted
	default:
		st.OutstandingBalance = decimal.Max(st.TargetAmount.Sub(st.TotalPaid), decimal.Zero)
	}

	for _, inst := range st.Installments {
		switch {
		case inst.Paid:
			st.Summary.Paid++
		case inst.Overdue:
			st.Summary.Overdue++
		default:
			st.Summary.Upcoming++
		}
	}
	return st
}

// amountIssues reports the stored amounts that were read as zero.
func amountIssues(loan *models.Loan, receipts []*models.Receipt, payments []*models.Payment) []schedule.Issue {
	var issues []schedule.Issue
	for _, col := range loan.Malformed {
		issues = append(issues, schedule.Issue{Code: schedule.IssueMalformedAmount, Value: "loan " + col})
	}
	for _, r := range receipts {
		for _, col := range r.Malformed {
			issues = append(issues, schedule.Issue{Code: schedule.IssueMalformedAmount, Value: "receipt " + r.ReceiptNumber + " " + col})
		}
	}
	for _, p := range payments {
		for _, col := range p.Malformed {
			issues = append(issues, schedule.Issue{Code: schedule.IssueMalformedAmount, Value: "payment " + p.ID.String() + " " + col})
		}
	}
	return issues
}

// Status is shorthand for Derive(...).Status.
func Status(loan *models.Loan, receipts []*models.Receipt, payments []*models.Payment, asOf time.Time) models.LoanStatus {
	return Derive(loan, receipts, payments, asOf).Status
}

func statusOf(installments []Installment) models.LoanStatus {
	if len(installments) == 0 {
		return models.StatusActive
	}
	paid, overdue := 0, false
	for _, inst := range installments {
		if inst.Paid {
			paid++
		}
		if inst.Overdue {
			overdue = true
		}
	}
	switch {
	case paid == len(installments):
		return models.StatusCompleted
	case overdue:
		return models.StatusOverdue
	}
	return models.StatusActive
}

func mark(sched schedule.Schedule, receipts []*models.Receipt, today time.Time, canBeOverdue bool) []Installment {
	out := make([]Installment, 0, len(sched.Slots))
	for _, slot := range sched.Slots {
		inst := Installment{Number: slot.Number, DueDate: slot.DueDate, Overridden: slot.Overridden}
		if r := receiptForDay(receipts, slot.DueDate); r != nil {
			id := r.ID
			inst.Paid = true
			inst.ReceiptID = &id
		} else if canBeOverdue && dates.Before(slot.DueDate, today) {
			inst.Overdue = true
		}
		out = append(out, inst)
	}
	return out
}

// receiptForDay finds a non-settlement receipt whose due date is day. Receipts
// with unparseable due dates cover no slot.
func receiptForDay(receipts []*models.Receipt, day time.Time) *models.Receipt {
	for _, r := range receipts {
		if r.IsSettlement() {
			continue
		}
		due, err := dates.Parse(r.DueDate)
		if err != nil {
			continue
		}
		if dates.SameDay(due, day) {
			return r
		}
	}
	return nil
}

// totalPaid sums non-settlement receipts, plus payments that no counted receipt
// references. A payment with receipts is counted through them only.
func totalPaid(receipts []*models.Receipt, payments []*models.Payment) decimal.Decimal {
	total := decimal.Zero
	referenced := make(map[uuid.UUID]bool)
	for _, r := range receipts {
		if r.IsSettlement() {
			continue
		}
		total = total.Add(r.Amount)
		if r.PaymentID != uuid.Nil {
			referenced[r.PaymentID] = true
		}
	}
	for _, p := range payments {
		if referenced[p.ID] {
			continue
		}
		total = total.Add(p.Amount)
	}
	return total
}

func targetAmount(loan *models.Loan) decimal.Decimal {
	if loan.Modality == models.ModalityInterestOnly {
		return loan.TotalAmount
	}
	if loan.InstallmentCount > 0 && loan.InstallmentAmount.IsPositive() {
		return loan.InstallmentAmount.Mul(decimal.NewFromInt(int64(loan.InstallmentCount)))
	}
	return loan.TotalAmount
}

func ownReceipts(loan *models.Loan, receipts []*models.Receipt) []*models.Receipt {
	out := make([]*models.Receipt, 0, len(receipts))
	for _, r := range receipts {
		if r != nil && r.LoanID == loan.ID {
			out = append(out, r)
		}
	}
	return out
}

func ownPayments(loan *models.Loan, payments []*models.Payment) []*models.Payment {
	out := make([]*models.Payment, 0, len(payments))
	for _, p := range payments {
		if p != nil && p.LoanID == loan.ID {
			out = append(out, p)
		}
	}
	return out
}

// Transition reports whether a loan may move from one derived status to
// another. Installment and daily loans move freely as receipts are recorded
// and deleted; an interest-only loan only ever goes from active to completed,
// or back when its settlement receipt is removed.
func Transition(modality models.Modality, from, to models.LoanStatus) bool {
	if from == to {
		return true
	}
	switch modality {
	case models.ModalityInterestOnly:
		return (from == models.StatusActive && to == models.StatusCompleted) ||
			(from == models.StatusCompleted && to == models.StatusActive)
	case models.ModalityInstallments, models.ModalityDaily:
		return valid(from) && valid(to)
	}
	return false
}

func valid(s models.LoanStatus) bool {
	switch s {
	case models.StatusActive, models.StatusCompleted, models.StatusOverdue:
		return true
	}
	return false
}
