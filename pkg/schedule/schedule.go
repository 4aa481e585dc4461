// Package schedule generates the due dates of a loan.
//
// Generation is a pure function of the loan record and the receipts and
// payments recorded against it. Bad dates never cause a failure: they produce
// an empty or partially computed schedule plus an Issue describing the record.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/mcclellann/dinheiroRapido/pkg/dates"
	"github.com/mcclellann/dinheiroRapido/pkg/models"
)

// IssueCode classifies a data problem found on a loan or its records.
type IssueCode string

const (
	IssueMissingAnchor     IssueCode = "missing_anchor"
	IssueInvalidAnchor     IssueCode = "invalid_anchor"
	IssueInvalidOverride   IssueCode = "invalid_override"
	IssueOverrideOutOfPlan IssueCode = "override_out_of_schedule"
	IssueUnknownModality   IssueCode = "unknown_modality"
	// a stored amount could not be read and counts as zero
	IssueMalformedAmount IssueCode = "malformed_amount"
)

// Issue describes a malformed value on a loan record. Installment is 0 when the
// problem is not tied to a particular slot.
type Issue struct {
	Code        IssueCode `json:"code"`
	Installment int       `json:"installment,omitempty"`
	Value       string    `json:"value,omitempty"`
}

func (i Issue) String() string {
	if i.Installment > 0 {
		return fmt.Sprintf("%s (installment %d: %q)", i.Code, i.Installment, i.Value)
	}
	if i.Value != "" {
		return fmt.Sprintf("%s (%q)", i.Code, i.Value)
	}
	return string(i.Code)
}

// Slot is one due date of a loan, numbered from 1.
type Slot struct {
	Number     int       `json:"number"`
	DueDate    time.Time `json:"due_date"`
	Overridden bool      `json:"overridden,omitempty"`
}

// Schedule is the ordered list of slots of a loan. Closed is set for an
// interest-only loan that has been settled in full: no further slot is open.
type Schedule struct {
	Slots  []Slot  `json:"slots"`
	Closed bool    `json:"closed,omitempty"`
	Issues []Issue `json:"issues,omitempty"`
}

// Dates returns the due dates of the schedule in slot order.
func (s Schedule) Dates() []time.Time {
	out := make([]time.Time, len(s.Slots))
	for i, slot := range s.Slots {
		out[i] = slot.DueDate
	}
	return out
}

// DueDates is shorthand for Generate(...).Dates().
func DueDates(loan *models.Loan, receipts []*models.Receipt, payments []*models.Payment) []time.Time {
	return Generate(loan, receipts, payments).Dates()
}

// Generate builds the schedule of loan. Receipts and payments belonging to other
// loans are ignored, so callers may pass unfiltered collections.
func Generate(loan *models.Loan, receipts []*models.Receipt, payments []*models.Payment) Schedule {
	var s Schedule
	if loan == nil {
		return s
	}

	var (
		count            int
		step             func(anchor time.Time, i int) time.Time
		anchorCandidates []anchorCandidate
	)

	switch loan.Modality {
	case models.ModalityDaily:
		count = loan.InstallmentCount
		step = dates.AddDays
		anchorCandidates = []anchorCandidate{
			{value: loan.StartDate},
			{at: loan.CreatedAt},
		}
	case models.ModalityInstallments:
		count = loan.InstallmentCount
		step = dates.AddMonths
		anchorCandidates = []anchorCandidate{
			{value: loan.DueDate},
			{value: loan.StartDate},
			{at: loan.CreatedAt},
		}
	case models.ModalityInterestOnly:
		// open-ended: every paid slot plus the next one, unless settled in full
		paid := countReceipts(loan, receipts)
		s.Closed = hasFullPayment(loan, payments)
		count = paid + 1
		if s.Closed {
			count = paid
		}
		step = dates.AddMonths
		anchorCandidates = []anchorCandidate{{value: loan.DueDate}}
	default:
		s.Issues = append(s.Issues, Issue{Code: IssueUnknownModality, Value: string(loan.Modality)})
		return s
	}

	anchor, ok, issue := resolveAnchor(anchorCandidates)
	if issue != nil {
		s.Issues = append(s.Issues, *issue)
	}
	if !ok || count <= 0 {
		return s
	}

	s.Slots = make([]Slot, 0, count)
	for i := 0; i < count; i++ {
		s.Slots = append(s.Slots, Slot{Number: i + 1, DueDate: step(anchor, i)})
	}
	s.Issues = append(s.Issues, applyOverrides(s.Slots, loan.CustomDueDates)...)
	return s
}

type anchorCandidate struct {
	value string
	at    time.Time
}

// resolveAnchor returns the first present candidate. A present but unparseable
// value stops the search; later fallbacks are not consulted.
func resolveAnchor(candidates []anchorCandidate) (time.Time, bool, *Issue) {
	for _, c := range candidates {
		if c.value != "" {
			day, err := dates.Parse(c.value)
			if err != nil {
				return time.Time{}, false, &Issue{Code: IssueInvalidAnchor, Value: c.value}
			}
			return day, true, nil
		}
		if !c.at.IsZero() {
			return dates.Normalize(c.at), true, nil
		}
	}
	return time.Time{}, false, &Issue{Code: IssueMissingAnchor}
}

func applyOverrides(slots []Slot, overrides map[int]string) []Issue {
	if len(overrides) == 0 {
		return nil
	}
	// sorted so issues come out in a stable order
	keys := make([]int, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var issues []Issue
	for _, n := range keys {
		value := overrides[n]
		if n < 1 || n > len(slots) {
			issues = append(issues, Issue{Code: IssueOverrideOutOfPlan, Installment: n, Value: value})
			continue
		}
		day, err := dates.Parse(value)
		if err != nil {
			issues = append(issues, Issue{Code: IssueInvalidOverride, Installment: n, Value: value})
			continue
		}
		slots[n-1].DueDate = day
		slots[n-1].Overridden = true
	}
	return issues
}

func countReceipts(loan *models.Loan, receipts []*models.Receipt) int {
	n := 0
	for _, r := range receipts {
		if r != nil && r.LoanID == loan.ID {
			n++
		}
	}
	return n
}

func hasFullPayment(loan *models.Loan, payments []*models.Payment) bool {
	for _, p := range payments {
		if p != nil && p.LoanID == loan.ID && p.Type == models.PaymentTypeFull {
			return true
		}
	}
	return false
}

// HasFullPayment reports whether a full settlement was recorded for loan.
func HasFullPayment(loan *models.Loan, payments []*models.Payment) bool {
	if loan == nil {
		return false
	}
	return hasFullPayment(loan, payments)
}
