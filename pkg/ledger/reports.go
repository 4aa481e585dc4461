package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcclellann/dinheiroRapido/pkg/apperrors"
	"github.com/mcclellann/dinheiroRapido/pkg/dates"
	"github.com/mcclellann/dinheiroRapido/pkg/models"
)

type Dashboard struct {
	ClientCount    int             `json:"client_count"`
	OpenLoans      int             `json:"open_loans"` // active plus overdue
	CompletedLoans int             `json:"completed_loans"`
	OverdueLoans   int             `json:"overdue_loans"`
	NeedsReview    int             `json:"needs_review"`
	TotalLoaned    decimal.Decimal `json:"total_loaned"`
	TotalReceived  decimal.Decimal `json:"total_received"`
	PendingAmount  decimal.Decimal `json:"pending_amount"`
}

// everything loads all loans with their receipts and payments, grouped by loan.
func (l *Ledger) everything(ctx context.Context) ([]*facts, []*models.Receipt, error) {
	loans, err := l.storage.GetAllLoans(ctx)
	if err != nil {
		return nil, nil, translate("get loans", err)
	}
	receipts, err := l.storage.GetAllReceipts(ctx)
	if err != nil {
		return nil, nil, translate("get receipts", err)
	}
	payments, err := l.storage.GetAllPayments(ctx)
	if err != nil {
		return nil, nil, translate("get payments", err)
	}

	byLoan := make(map[uuid.UUID]*facts, len(loans))
	out := make([]*facts, 0, len(loans))
	for _, loan := range loans {
		f := &facts{loan: loan}
		byLoan[loan.ID] = f
		out = append(out, f)
	}
	for _, r := range receipts {
		if f, ok := byLoan[r.LoanID]; ok {
			f.receipts = append(f.receipts, r)
		}
	}
	for _, p := range payments {
		if f, ok := byLoan[p.LoanID]; ok {
			f.payments = append(f.payments, p)
		}
	}
	return out, receipts, nil
}

// Dashboard aggregates every loan using freshly derived statuses.
func (l *Ledger) Dashboard(ctx context.Context) (*Dashboard, error) {
	clients, err := l.storage.GetAllClients(ctx)
	if err != nil {
		return nil, translate("get clients", err)
	}
	all, receipts, err := l.everything(ctx)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		ClientCount:   len(clients),
		TotalLoaned:   decimal.Zero,
		TotalReceived: decimal.Zero,
		PendingAmount: decimal.Zero,
	}
	for _, r := range receipts {
		d.TotalReceived = d.TotalReceived.Add(r.Amount)
	}

	today := l.Today()
	for _, f := range all {
		d.TotalLoaned = d.TotalLoaned.Add(f.loan.Principal)
		st := l.stateOf(ctx, f, today)
		if st.NeedsReview() {
			d.NeedsReview++
		}
		switch st.Status {
		case models.StatusCompleted:
			d.CompletedLoans++
			continue
		case models.StatusOverdue:
			d.OverdueLoans++
		}
		d.OpenLoans++
		d.PendingAmount = d.PendingAmount.Add(st.OutstandingBalance)
	}
	return d, nil
}

// CalendarEntry is one schedule slot falling on a calendar day.
type CalendarEntry struct {
	LoanID      uuid.UUID       `json:"loan_id"`
	ClientID    uuid.UUID       `json:"client_id"`
	ClientName  string          `json:"client_name"`
	Modality    models.Modality `json:"modality"`
	Installment int             `json:"installment"`
	Amount      decimal.Decimal `json:"amount"`
	Paid        bool            `json:"paid"`
	Overdue     bool            `json:"overdue"`
}

type CalendarDay struct {
	Date    string          `json:"date"`
	Entries []CalendarEntry `json:"entries"`
}

// Calendar lists the schedule slots of every loan that fall between from and
// to, both inclusive, grouped by day in date order.
func (l *Ledger) Calendar(ctx context.Context, from, to time.Time) ([]CalendarDay, error) {
	from, to = dates.Normalize(from), dates.Normalize(to)
	if to.Before(from) {
		return nil, apperrors.InvalidInput("calendar range ends before it starts")
	}

	clients, err := l.storage.GetAllClients(ctx)
	if err != nil {
		return nil, translate("get clients", err)
	}
	names := make(map[uuid.UUID]string, len(clients))
	for _, c := range clients {
		names[c.ID] = c.Name
	}
	all, _, err := l.everything(ctx)
	if err != nil {
		return nil, err
	}

	today := l.Today()
	days := make(map[string][]CalendarEntry)
	for _, f := range all {
		st := l.stateOf(ctx, f, today)
		for _, inst := range st.Installments {
			if inst.DueDate.Before(from) || inst.DueDate.After(to) {
				continue
			}
			key := dates.Format(inst.DueDate)
			days[key] = append(days[key], CalendarEntry{
				LoanID:      f.loan.ID,
				ClientID:    f.loan.ClientID,
				ClientName:  names[f.loan.ClientID],
				Modality:    f.loan.Modality,
				Installment: inst.Number,
				Amount:      f.loan.InstallmentAmount,
				Paid:        inst.Paid,
				Overdue:     inst.Overdue,
			})
		}
	}

	out := make([]CalendarDay, 0, len(days))
	for day, entries := range days {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].ClientName != entries[j].ClientName {
				return entries[i].ClientName < entries[j].ClientName
			}
			return entries[i].Installment < entries[j].Installment
		})
		out = append(out, CalendarDay{Date: day, Entries: entries})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// ReportFilter narrows a report. Zero values do not filter: From and To are
// open ends, a nil ClientID means every client and an empty Status every status.
type ReportFilter struct {
	From     time.Time
	To       time.Time
	ClientID uuid.UUID
	Status   models.LoanStatus
}

// MonthTotal is the number and sum of loans or receipts in one month (YYYY-MM).
type MonthTotal struct {
	Month  string          `json:"month"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type Report struct {
	LoansByMonth    []MonthTotal    `json:"loans_by_month"`
	ReceiptsByMonth []MonthTotal    `json:"receipts_by_month"`
	LoanCount       int             `json:"loan_count"`
	OpenLoans       int             `json:"open_loans"`
	CompletedLoans  int             `json:"completed_loans"`
	OverdueLoans    int             `json:"overdue_loans"`
	TotalLoaned     decimal.Decimal `json:"total_loaned"`
	TotalReceived   decimal.Decimal `json:"total_received"`
	PendingAmount   decimal.Decimal `json:"pending_amount"`
}

func (f ReportFilter) inRange(t time.Time) bool {
	day := dates.Normalize(t)
	if !f.From.IsZero() && day.Before(dates.Normalize(f.From)) {
		return false
	}
	if !f.To.IsZero() && day.After(dates.Normalize(f.To)) {
		return false
	}
	return true
}

// Reports groups loans by the month they were created and receipts by the
// month they were paid. Loans are filtered by creation day, client and derived
// status; receipts by payment day and client, and only those of the selected
// loans count when a status is given. The totals cover the filtered records.
func (l *Ledger) Reports(ctx context.Context, filter ReportFilter) (*Report, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && dates.Normalize(filter.To).Before(dates.Normalize(filter.From)) {
		return nil, apperrors.InvalidInput("report range ends before it starts")
	}
	switch filter.Status {
	case "", models.StatusActive, models.StatusCompleted, models.StatusOverdue:
	default:
		return nil, apperrors.InvalidInput("unknown loan status %q", filter.Status)
	}

	all, receipts, err := l.everything(ctx)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		TotalLoaned:   decimal.Zero,
		TotalReceived: decimal.Zero,
		PendingAmount: decimal.Zero,
	}
	loans := make(map[string]*MonthTotal)
	selected := make(map[uuid.UUID]bool)
	today := l.Today()
	for _, f := range all {
		if filter.ClientID != uuid.Nil && f.loan.ClientID != filter.ClientID {
			continue
		}
		st := l.stateOf(ctx, f, today)
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		selected[f.loan.ID] = true
		if !filter.inRange(f.loan.CreatedAt) {
			continue
		}

		addMonth(loans, f.loan.CreatedAt, f.loan.Principal)
		rep.LoanCount++
		rep.TotalLoaned = rep.TotalLoaned.Add(f.loan.Principal)
		switch st.Status {
		case models.StatusCompleted:
			rep.CompletedLoans++
			continue
		case models.StatusOverdue:
			rep.OverdueLoans++
		}
		rep.OpenLoans++
		rep.PendingAmount = rep.PendingAmount.Add(st.OutstandingBalance)
	}

	paid := make(map[string]*MonthTotal)
	for _, r := range receipts {
		if filter.ClientID != uuid.Nil && r.ClientID != filter.ClientID {
			continue
		}
		if filter.Status != "" && !selected[r.LoanID] {
			continue
		}
		if !filter.inRange(r.PaymentDate) {
			continue
		}
		addMonth(paid, r.PaymentDate, r.Amount)
		rep.TotalReceived = rep.TotalReceived.Add(r.Amount)
	}

	rep.LoansByMonth = sortedMonths(loans)
	rep.ReceiptsByMonth = sortedMonths(paid)
	return rep, nil
}

func addMonth(months map[string]*MonthTotal, at time.Time, amount decimal.Decimal) {
	key := dates.Normalize(at).Format("2006-01")
	m, ok := months[key]
	if !ok {
		m = &MonthTotal{Month: key, Amount: decimal.Zero}
		months[key] = m
	}
	m.Count++
	m.Amount = m.Amount.Add(amount)
}

func sortedMonths(months map[string]*MonthTotal) []MonthTotal {
	out := make([]MonthTotal, 0, len(months))
	for _, m := range months {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}
