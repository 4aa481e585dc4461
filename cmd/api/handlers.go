package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mcclellann/dinheiroRapido/pkg/apperrors"
	"github.com/mcclellann/dinheiroRapido/pkg/dates"
	"github.com/mcclellann/dinheiroRapido/pkg/ledger"
	"github.com/mcclellann/dinheiroRapido/pkg/loanstate"
	"github.com/mcclellann/dinheiroRapido/pkg/models"
	"github.com/mcclellann/dinheiroRapido/pkg/validation"
)

// calendarDefaultDays is the window /calendar covers when no end is given.
const calendarDefaultDays = 30

// stateResponse adds the review flag to a derived state.
type stateResponse struct {
	LoanID uuid.UUID `json:"loan_id"`
	loanstate.State
	NeedsReview bool `json:"needs_review"`
}

func newStateResponse(loanID uuid.UUID, st loanstate.State) stateResponse {
	return stateResponse{LoanID: loanID, State: st, NeedsReview: st.NeedsReview()}
}

type paymentResponse struct {
	Payment  *models.Payment   `json:"payment"`
	Receipts []*models.Receipt `json:"receipts"`
	State    stateResponse     `json:"state"`
}

func newPaymentResponse(res *ledger.PaymentResult) paymentResponse {
	return paymentResponse{
		Payment:  res.Payment,
		Receipts: res.Receipts,
		State:    newStateResponse(res.Payment.LoanID, res.State),
	}
}

// parseTimestamp accepts RFC 3339 timestamps and any date format the schedule
// accepts.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return dates.Parse(s)
}

// Clients

func (s *Server) listClientsHandler(w http.ResponseWriter, r *http.Request) {
	clients, err := s.ledger.ListClients(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) createClientHandler(w http.ResponseWriter, r *http.Request) {
	var req models.Client
	if !s.decode(w, r, validation.Client, &req) {
		return
	}
	client, err := s.ledger.CreateClient(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

func (s *Server) getClientHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "client")
	if !ok {
		return
	}
	client, err := s.ledger.GetClient(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) updateClientHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "client")
	if !ok {
		return
	}
	var req models.Client
	if !s.decode(w, r, validation.Client, &req) {
		return
	}
	client, err := s.ledger.UpdateClient(r.Context(), id, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) deleteClientHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "client")
	if !ok {
		return
	}
	if err := s.ledger.DeleteClient(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clientLoansHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "client")
	if !ok {
		return
	}
	loans, err := s.ledger.ClientLoans(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) completedClientsHandler(w http.ResponseWriter, r *http.Request) {
	clients, err := s.ledger.CompletedClients(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

// Loans

type createLoanRequest struct {
	ClientID            uuid.UUID       `json:"client_id"`
	Principal           decimal.Decimal `json:"principal"`
	InterestRatePercent decimal.Decimal `json:"interest_rate_percent"`
	Modality            models.Modality `json:"modality"`
	InstallmentCount    int             `json:"installment_count"`
	InstallmentAmount   decimal.Decimal `json:"installment_amount"`
	StartDate           string          `json:"start_date"`
	DueDate             string          `json:"due_date"`
	Notes               string          `json:"notes"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if !s.decode(w, r, validation.Loan, &req) {
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), ledger.NewLoan{
		ClientID:            req.ClientID,
		Principal:           req.Principal,
		InterestRatePercent: req.InterestRatePercent,
		Modality:            req.Modality,
		StartDate:           req.StartDate,
		DueDate:             req.DueDate,
		InstallmentCount:    req.InstallmentCount,
		InstallmentAmount:   req.InstallmentAmount,
		Notes:               req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// listLoansHandler filters on the status stored on each loan, which the sweep
// and every write keep current.
func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	status := models.LoanStatus(r.URL.Query().Get("status"))
	loans, err := s.ledger.ListLoans(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	if err := s.ledger.DeleteLoan(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loanStateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	st, err := s.ledger.LoanState(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(id, st))
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	sched, err := s.ledger.Schedule(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// Payments and receipts

type paymentRequest struct {
	Amount            decimal.Decimal    `json:"amount"`
	PaymentDate       string             `json:"payment_date"`
	InstallmentNumber int                `json:"installment_number"`
	DueDate           string             `json:"due_date"`
	Type              models.PaymentType `json:"type"`
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	var req paymentRequest
	if !s.decode(w, r, validation.Payment, &req) {
		return
	}

	in := ledger.PaymentRequest{
		Amount:            req.Amount,
		DueDate:           req.DueDate,
		InstallmentNumber: req.InstallmentNumber,
		Type:              req.Type,
	}
	if req.PaymentDate != "" {
		t, err := parseTimestamp(req.PaymentDate)
		if err != nil {
			s.writeError(w, r, apperrors.InvalidInput("invalid payment date %q", req.PaymentDate))
			return
		}
		in.Date = t
	}

	res, err := s.ledger.RecordPayment(r.Context(), id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPaymentResponse(res))
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	payments, err := s.ledger.Payments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

type settlementRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate string          `json:"payment_date"`
}

func (s *Server) settleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	var req settlementRequest
	if !s.decode(w, r, validation.Settlement, &req) {
		return
	}

	in := ledger.SettlementRequest{Amount: req.Amount}
	if req.PaymentDate != "" {
		t, err := parseTimestamp(req.PaymentDate)
		if err != nil {
			s.writeError(w, r, apperrors.InvalidInput("invalid payment date %q", req.PaymentDate))
			return
		}
		in.Date = t
	}

	res, err := s.ledger.Settle(r.Context(), id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPaymentResponse(res))
}

func (s *Server) listReceiptsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	receipts, err := s.ledger.Receipts(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) searchReceiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.ledger.SearchReceipts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) getReceiptHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "receipt")
	if !ok {
		return
	}
	receipt, err := s.ledger.GetReceipt(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) deleteReceiptHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "receipt")
	if !ok {
		return
	}
	receipt, err := s.ledger.GetReceipt(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.ledger.DeleteReceipt(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(receipt.LoanID, st))
}

// Schedule edits

type dueDateRequest struct {
	DueDate string `json:"due_date"`
}

func (s *Server) setDueDateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	installment, _ := strconv.Atoi(mux.Vars(r)["installment"])
	var req dueDateRequest
	if !s.decode(w, r, validation.DueDate, &req) {
		return
	}
	st, err := s.ledger.SetDueDateOverride(r.Context(), id, installment, req.DueDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(id, st))
}

func (s *Server) clearDueDateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	installment, _ := strconv.Atoi(mux.Vars(r)["installment"])
	st, err := s.ledger.ClearDueDateOverride(r.Context(), id, installment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(id, st))
}

func (s *Server) rescheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "loan")
	if !ok {
		return
	}
	var req dueDateRequest
	if !s.decode(w, r, validation.DueDate, &req) {
		return
	}
	st, err := s.ledger.Reschedule(r.Context(), id, req.DueDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(id, st))
}

// Reports

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.ledger.Dashboard(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// calendarHandler serves ?from=&to=. from defaults to today and to to thirty
// days after from.
func (s *Server) calendarHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := s.ledger.Today()
	if v := q.Get("from"); v != "" {
		d, err := dates.Parse(v)
		if err != nil {
			s.writeError(w, r, apperrors.InvalidInput("invalid from date %q", v))
			return
		}
		from = d
	}
	to := dates.AddDays(from, calendarDefaultDays)
	if v := q.Get("to"); v != "" {
		d, err := dates.Parse(v)
		if err != nil {
			s.writeError(w, r, apperrors.InvalidInput("invalid to date %q", v))
			return
		}
		to = d
	}

	days, err := s.ledger.Calendar(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, days)
}

// reportsHandler serves ?from=&to=&client_id=&status=, all optional.
func (s *Server) reportsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ledger.ReportFilter
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		d, err := dates.Parse(v)
		if err != nil {
			s.writeError(w, r, apperrors.InvalidInput("invalid %s date %q", name, v))
			return
		}
		*dst = d
	}
	if v := q.Get("client_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeError(w, r, apperrors.InvalidInput("invalid client ID"))
			return
		}
		filter.ClientID = id
	}
	filter.Status = models.LoanStatus(q.Get("status"))

	rep, err := s.ledger.Reports(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) recomputeHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.RefreshAllStatuses(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
