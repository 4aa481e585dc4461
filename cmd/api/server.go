package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mcclellann/dinheiroRapido/pkg/apperrors"
	"github.com/mcclellann/dinheiroRapido/pkg/ledger"
	"github.com/mcclellann/dinheiroRapido/pkg/validation"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server holds the ledger instance and what the handlers need around it.
type Server struct {
	ledger    *ledger.Ledger
	validator *validation.Validator
	logger    *zap.Logger
	health    func(ctx context.Context) error
}

func NewServer(l *ledger.Ledger, v *validation.Validator, logger *zap.Logger, health func(ctx context.Context) error) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ledger: l, validator: v, logger: logger, health: health}
}

// Router registers every route. /clients/completed is registered ahead of
// /clients/{id} so it is not taken for an id.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/clients", s.listClientsHandler).Methods("GET")
	router.HandleFunc("/clients", s.createClientHandler).Methods("POST")
	router.HandleFunc("/clients/completed", s.completedClientsHandler).Methods("GET")
	router.HandleFunc("/clients/{id}", s.getClientHandler).Methods("GET")
	router.HandleFunc("/clients/{id}", s.updateClientHandler).Methods("PUT")
	router.HandleFunc("/clients/{id}", s.deleteClientHandler).Methods("DELETE")
	router.HandleFunc("/clients/{id}/loans", s.clientLoansHandler).Methods("GET")

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/state", s.loanStateHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/schedule", s.scheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/settlement", s.settleHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/due-dates/{installment:[0-9]+}", s.setDueDateHandler).Methods("PUT")
	router.HandleFunc("/loans/{id}/due-dates/{installment:[0-9]+}", s.clearDueDateHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/due-date", s.rescheduleHandler).Methods("PUT")
	router.HandleFunc("/loans/{id}/receipts", s.listReceiptsHandler).Methods("GET")

	router.HandleFunc("/receipts", s.searchReceiptsHandler).Methods("GET")
	router.HandleFunc("/receipts/{id}", s.getReceiptHandler).Methods("GET")
	router.HandleFunc("/receipts/{id}", s.deleteReceiptHandler).Methods("DELETE")

	router.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")
	router.HandleFunc("/calendar", s.calendarHandler).Methods("GET")
	router.HandleFunc("/reports", s.reportsHandler).Methods("GET")
	router.HandleFunc("/maintenance/recompute", s.recomputeHandler).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", s.healthHandler).Methods("GET")

	return router
}

type errorResponse struct {
	Error *apperrors.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status its code maps to. Unclassified errors
// are logged and hidden behind a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	e, ok := apperrors.As(err)
	if !ok {
		e = &apperrors.Error{Code: apperrors.CodeStoreFailure, Message: "internal error"}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: e})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, apperrors.InvalidInput("invalid %s ID", what))
		return uuid.Nil, false
	}
	return id, true
}

// decode validates the body against schema and unmarshals it into dst. An
// empty body is read as an empty object.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema validation.Schema, dst interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, apperrors.InvalidInput("could not read request body").WithDetails(err.Error()))
		return false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := s.validator.Validate(schema, body); err != nil {
		s.writeError(w, r, err)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.writeError(w, r, apperrors.InvalidInput("malformed request body").WithDetails(err.Error()))
		return false
	}
	return true
}
