// Package ledger performs the operator actions on loans and keeps the status
// cached on each loan record in line with the facts recorded against it.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcclellann/dinheiroRapido/pkg/apperrors"
	"github.com/mcclellann/dinheiroRapido/pkg/cache"
	"github.com/mcclellann/dinheiroRapido/pkg/dates"
	"github.com/mcclellann/dinheiroRapido/pkg/loanstate"
	"github.com/mcclellann/dinheiroRapido/pkg/metrics"
	"github.com/mcclellann/dinheiroRapido/pkg/models"
	"github.com/mcclellann/dinheiroRapido/pkg/store"
)

// Ledger handles the business logic for clients, loans, payments and receipts.
type Ledger struct {
	storage store.Storage
	cache   cache.StateCache
	logger  *zap.Logger
	now     func() time.Time

	// mu serializes writes, so a reader never sees a receipt without the
	// status recompute that follows it.
	mu sync.Mutex
}

type Option func(*Ledger)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces time.Now. Tests use it to pin "today".
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithCache(c cache.StateCache) Option {
	return func(l *Ledger) {
		if c != nil {
			l.cache = c
		}
	}
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage: s,
		cache:   cache.Nop{},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Today is the current calendar day on the ledger's clock.
func (l *Ledger) Today() time.Time {
	return dates.Today(l.now())
}

// translate turns a storage error into an apperrors value. Errors that are
// already classified pass through.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound("%s", err.Error())
	}
	return apperrors.StoreFailure(op, err)
}

// facts is everything the engine needs about one loan.
type facts struct {
	loan     *models.Loan
	receipts []*models.Receipt
	payments []*models.Payment
}

func (l *Ledger) loadFacts(ctx context.Context, loanID uuid.UUID) (*facts, error) {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, translate("get loan", err)
	}
	receipts, err := l.storage.GetReceiptsForLoan(ctx, loanID)
	if err != nil {
		return nil, translate("get receipts", err)
	}
	payments, err := l.storage.GetPaymentsForLoan(ctx, loanID)
	if err != nil {
		return nil, translate("get payments", err)
	}
	return &facts{loan: loan, receipts: receipts, payments: payments}, nil
}

func (l *Ledger) derive(f *facts) loanstate.State {
	st := loanstate.Derive(f.loan, f.receipts, f.payments, l.now())
	if len(st.Issues) > 0 {
		issues := make([]string, len(st.Issues))
		for i, issue := range st.Issues {
			issues[i] = issue.String()
			metrics.LoanDataIssues.WithLabelValues(string(issue.Code)).Inc()
		}
		l.logger.Warn("loan has malformed schedule data",
			zap.String("loan_id", f.loan.ID.String()),
			zap.Strings("issues", issues))
	}
	return st
}

// persistStatus writes the derived status onto the loan record when it
// differs from the stored one. It reports whether a write happened.
func (l *Ledger) persistStatus(ctx context.Context, loan *models.Loan, st loanstate.State) (bool, error) {
	if loan.Status == st.Status {
		metrics.StatusRecomputations.WithLabelValues("unchanged").Inc()
		return false, nil
	}
	if !loanstate.Transition(loan.Modality, loan.Status, st.Status) {
		l.logger.Warn("unexpected loan status transition",
			zap.String("loan_id", loan.ID.String()),
			zap.String("modality", string(loan.Modality)),
			zap.String("from", string(loan.Status)),
			zap.String("to", string(st.Status)))
	}
	if err := l.storage.UpdateLoanStatus(ctx, loan.ID, st.Status, l.now()); err != nil {
		metrics.StatusRecomputations.WithLabelValues("failed").Inc()
		return false, translate("update loan status", err)
	}
	metrics.StatusRecomputations.WithLabelValues("changed").Inc()
	metrics.StatusTransitions.WithLabelValues(string(loan.Status), string(st.Status)).Inc()
	l.logger.Info("loan status changed",
		zap.String("loan_id", loan.ID.String()),
		zap.String("from", string(loan.Status)),
		zap.String("to", string(st.Status)))
	loan.Status = st.Status
	return true, nil
}

// commit derives the state of f, persists the status and refreshes the cache.
// Callers hold mu.
func (l *Ledger) commit(ctx context.Context, f *facts) (loanstate.State, bool, error) {
	st := l.derive(f)
	changed, err := l.persistStatus(ctx, f.loan, st)
	if err != nil {
		return st, false, err
	}
	l.cache.Set(ctx, f.loan.ID, l.Today(), st)
	return st, changed, nil
}

// refresh reloads the loan and recomputes its status. Callers hold mu.
func (l *Ledger) refresh(ctx context.Context, loanID uuid.UUID) (loanstate.State, bool, error) {
	l.cache.Invalidate(ctx, loanID)
	f, err := l.loadFacts(ctx, loanID)
	if err != nil {
		return loanstate.State{}, false, err
	}
	return l.commit(ctx, f)
}

// RefreshStatus recomputes the status of a loan and stores it if it changed.
func (l *Ledger) RefreshStatus(ctx context.Context, loanID uuid.UUID) (loanstate.State, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refresh(ctx, loanID)
}

// LoanState returns the derived state of a loan as of today. A cached state is
// served when present; otherwise the state is recomputed and the status persisted.
func (l *Ledger) LoanState(ctx context.Context, loanID uuid.UUID) (loanstate.State, error) {
	if st, ok := l.cache.Get(ctx, loanID, l.Today()); ok {
		metrics.StateCacheLookups.WithLabelValues("hit").Inc()
		return *st, nil
	}
	metrics.StateCacheLookups.WithLabelValues("miss").Inc()

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.loadFacts(ctx, loanID)
	if err != nil {
		return loanstate.State{}, err
	}
	st, _, err := l.commit(ctx, f)
	return st, err
}

// stateOf derives state for read-only views. It never writes the loan record.
func (l *Ledger) stateOf(ctx context.Context, f *facts, today time.Time) loanstate.State {
	if st, ok := l.cache.Get(ctx, f.loan.ID, today); ok {
		metrics.StateCacheLookups.WithLabelValues("hit").Inc()
		return *st
	}
	metrics.StateCacheLookups.WithLabelValues("miss").Inc()
	st := l.derive(f)
	l.cache.Set(ctx, f.loan.ID, today, st)
	return st
}

// SweepResult summarizes a RefreshAllStatuses run.
type SweepResult struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// RefreshAllStatuses recomputes the status of every loan. A failure on one
// loan is logged and does not stop the sweep.
func (l *Ledger) RefreshAllStatuses(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	loans, err := l.storage.GetAllLoans(ctx)
	if err != nil {
		return SweepResult{}, translate("get loans", err)
	}

	var res SweepResult
	counts := map[models.LoanStatus]int{
		models.StatusActive:    0,
		models.StatusCompleted: 0,
		models.StatusOverdue:   0,
	}
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		l.mu.Lock()
		st, changed, err := l.refresh(ctx, loan.ID)
		l.mu.Unlock()
		if err != nil {
			res.Failed++
			l.logger.Error("failed to refresh loan status", zap.String("loan_id", loan.ID.String()), zap.Error(err))
			continue
		}
		if changed {
			res.Changed++
		}
		counts[st.Status]++
	}
	for status, n := range counts {
		metrics.LoansByStatus.WithLabelValues(string(status)).Set(float64(n))
	}

	l.logger.Info("loan status sweep finished",
		zap.Int("checked", res.Checked),
		zap.Int("changed", res.Changed),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}
