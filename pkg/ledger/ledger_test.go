package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mcclellann/dinheiroRapido/pkg/apperrors"
	"github.com/mcclellann/dinheiroRapido/pkg/cache"
	"github.com/mcclellann/dinheiroRapido/pkg/dates"
	"github.com/mcclellann/dinheiroRapido/pkg/models"
	"github.com/mcclellann/dinheiroRapido/pkg/store"
)

// 2025-03-15 10:00 in the reference offset
var testNow = time.Date(2025, 3, 15, 10, 0, 0, 0, dates.Reference)

type testEnv struct {
	ledger *Ledger
	store  *store.MemoryStore
	now    *time.Time
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	s := store.NewMemoryStore()
	now := testNow
	opts = append([]Option{
		WithClock(func() time.Time { return now }),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	return &testEnv{ledger: NewLedger(s, opts...), store: s, now: &now}
}

func (e *testEnv) client(t *testing.T, name string) *models.Client {
	t.Helper()
	c, err := e.ledger.CreateClient(context.Background(), &models.Client{Name: name})
	require.NoError(t, err)
	return c
}

func (e *testEnv) installments(t *testing.T, clientID uuid.UUID, principal, rate string, count int, due string) *models.Loan {
	t.Helper()
	loan, err := e.ledger.CreateLoan(context.Background(), NewLoan{
		ClientID:            clientID,
		Principal:           decimal.RequireFromString(principal),
		InterestRatePercent: decimal.RequireFromString(rate),
		Modality:            models.ModalityInstallments,
		InstallmentCount:    count,
		DueDate:             due,
	})
	require.NoError(t, err)
	return loan
}

func (e *testEnv) interestOnly(t *testing.T, clientID uuid.UUID, principal, rate, due string) *models.Loan {
	t.Helper()
	loan, err := e.ledger.CreateLoan(context.Background(), NewLoan{
		ClientID:            clientID,
		Principal:           decimal.RequireFromString(principal),
		InterestRatePercent: decimal.RequireFromString(rate),
		Modality:            models.ModalityInterestOnly,
		DueDate:             due,
	})
	require.NoError(t, err)
	return loan
}

func (e *testEnv) storedStatus(t *testing.T, id uuid.UUID) models.LoanStatus {
	t.Helper()
	loan, err := e.store.GetLoan(context.Background(), id)
	require.NoError(t, err)
	return loan.Status
}

func pay(amount string) PaymentRequest {
	return PaymentRequest{Amount: decimal.RequireFromString(amount)}
}

func TestCreateClientAssignsSequentialCodes(t *testing.T) {
	env := newTestEnv(t)

	a := env.client(t, "Ana")
	b := env.client(t, " Bruno ")
	assert.Equal(t, "00001", a.Code)
	assert.Equal(t, "00002", b.Code)
	assert.Equal(t, "Bruno", b.Name)
	assert.True(t, testNow.Equal(a.CreatedAt))

	_, err := env.ledger.CreateClient(context.Background(), &models.Client{Name: "  "})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))
}

func TestUpdateClientKeepsCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client(t, "Ana")

	updated, err := env.ledger.UpdateClient(ctx, c.ID, &models.Client{Name: "Ana Souza", Phone: "11 99999-0000", Code: "99999"})
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", updated.Name)
	assert.Equal(t, "11 99999-0000", updated.Phone)
	assert.Equal(t, c.Code, updated.Code)

	_, err = env.ledger.UpdateClient(ctx, uuid.New(), &models.Client{Name: "x"})
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestCreateLoanTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client(t, "Ana")

	tests := []struct {
		name        string
		in          NewLoan
		total       string
		installment string
		count       int
		startDate   string
		dueDate     string
	}{
		{
			name: "installments with default due date",
			in: NewLoan{
				Principal:           decimal.NewFromInt(1000),
				InterestRatePercent: decimal.NewFromInt(20),
				Modality:            models.ModalityInstallments,
				InstallmentCount:    3,
			},
			total:       "1200.00",
			installment: "400.00",
			count:       3,
			startDate:   "2025-03-15",
			dueDate:     "2025-04-14",
		},
		{
			name: "interest only",
			in: NewLoan{
				Principal:           decimal.NewFromInt(1000),
				InterestRatePercent: decimal.NewFromInt(10),
				Modality:            models.ModalityInterestOnly,
				DueDate:             "10/04/2025",
			},
			total:       "1100.00",
			installment: "100.00",
			count:       1,
			startDate:   "2025-03-15",
			dueDate:     "2025-04-10",
		},
		{
			name: "daily",
			in: NewLoan{
				Principal:           decimal.NewFromInt(1000),
				InterestRatePercent: decimal.NewFromInt(10),
				Modality:            models.ModalityDaily,
				StartDate:           "2025-03-16",
				InstallmentCount:    10,
				InstallmentAmount:   decimal.NewFromInt(110),
			},
			total:       "1100.00",
			installment: "110.00",
			count:       10,
			startDate:   "2025-03-16",
			dueDate:     "2025-03-25",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.ClientID = c.ID
			loan, err := env.ledger.CreateLoan(ctx, tt.in)
			require.NoError(t, err)

			assert.Equal(t, tt.total, loan.TotalAmount.StringFixed(2))
			assert.Equal(t, tt.installment, loan.InstallmentAmount.StringFixed(2))
			assert.Equal(t, tt.count, loan.InstallmentCount)
			assert.Equal(t, tt.startDate, loan.StartDate)
			assert.Equal(t, tt.dueDate, loan.DueDate)
			assert.Equal(t, models.StatusActive, loan.Status)

			stored, err := env.ledger.GetLoan(ctx, loan.ID)
			require.NoError(t, err)
			assert.Equal(t, loan.DueDate, stored.DueDate)
		})
	}
}

func TestCreateLoanRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client(t, "Ana")

	valid := func() NewLoan {
		return NewLoan{
			ClientID:            c.ID,
			Principal:           decimal.NewFromInt(500),
			InterestRatePercent: decimal.NewFromInt(10),
			Modality:            models.ModalityInstallments,
			InstallmentCount:    2,
		}
	}

	tests := []struct {
		name   string
		mutate func(*NewLoan)
		code   apperrors.Code
	}{
		{"unknown client", func(n *NewLoan) { n.ClientID = uuid.New() }, apperrors.CodeNotFound},
		{"zero principal", func(n *NewLoan) { n.Principal = decimal.Zero }, apperrors.CodeInvalidInput},
		{"negative rate", func(n *NewLoan) { n.InterestRatePercent = decimal.NewFromInt(-1) }, apperrors.CodeInvalidInput},
		{"unknown modality", func(n *NewLoan) { n.Modality = "weekly" }, apperrors.CodeInvalidInput},
		{"no installments", func(n *NewLoan) { n.InstallmentCount = 0 }, apperrors.CodeInvalidInput},
		{"bad due date", func(n *NewLoan) { n.DueDate = "2025-13-40" }, apperrors.CodeInvalidInput},
		{"daily without amount", func(n *NewLoan) { n.Modality = models.ModalityDaily }, apperrors.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.mutate(&in)
			_, err := env.ledger.CreateLoan(ctx, in)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}

	loans, err := env.ledger.ListLoans(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestRefreshStatusWritesOnlyOnChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client(t, "Ana")
	loan := env.installments(t, c.ID, "1000", "20", 2, "2025-03-01")

	st, changed, err := env.ledger.RefreshStatus(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusOverdue, st.Status)
	assert.Equal(t, models.StatusOverdue, env.storedStatus(t, loan.ID))

	before, err := env.store.GetLoan(ctx, loan.ID)
	require.NoError(t, err)

	*env.now = env.now.Add(time.Hour)
	_, changed, err = env.ledger.RefreshStatus(ctx, loan.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	after, err := env.store.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "unchanged status must not be rewritten")

	_, _, err = env.ledger.RefreshStatus(ctx, uuid.New())
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestListLoansByStoredStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client(t, "Ana")
	late := env.installments(t, c.ID, "100", "0", 1, "2025-03-01")
	env.installments(t, c.ID, "100", "0", 1, "2025-04-01")

	_, err := env.ledger.RefreshAllStatuses(ctx)
	require.NoError(t, err)

	overdue, err := env.ledger.ListLoans(ctx, models.StatusOverdue)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)

	all, err := env.ledger.ListLoans(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = env.ledger.ListLoans(ctx, "defaulted")
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidInput))
}

func TestRefreshAllStatuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client(t, "Ana")
	late := env.installments(t, c.ID, "100", "0", 1, "2025-03-01")
	onTime := env.installments(t, c.ID, "100", "0", 1, "2025-04-01")

	res, err := env.ledger.RefreshAllStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 2, Changed: 1}, res)
	assert.Equal(t, models.StatusOverdue, env.storedStatus(t, late.ID))
	assert.Equal(t, models.StatusActive, env.storedStatus(t, onTime.ID))

	res, err = env.ledger.RefreshAllStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Changed)

	// the second loan falls due and passes
	*env.now = time.Date(2025, 4, 2, 9, 0, 0, 0, dates.Reference)
	res, err = env.ledger.RefreshAllStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, models.StatusOverdue, env.storedStatus(t, onTime.ID))
}

func TestRefreshAllStatusesStopsOnCancelledContext(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "Ana")
	env.installments(t, c.ID, "100", "0", 1, "2025-03-01")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.ledger.RefreshAllStatuses(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoanStateReportsMalformedData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client(t, "Ana")
	loan := env.installments(t, c.ID, "100", "0", 2, "2025-04-01")

	loan.DueDate = "31/02/20x5"
	require.NoError(t, env.store.UpdateLoan(ctx, loan))

	st, err := env.ledger.LoanState(ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, st.Installments)
	require.Len(t, st.Issues, 1)
	assert.True(t, st.NeedsReview())
	assert.Equal(t, models.StatusActive, st.Status)
}

func TestMalformedStoredAmountDoesNotBreakViews(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := store.NewSQLiteStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := NewLedger(s, WithClock(func() time.Time { return testNow }), WithLogger(zaptest.NewLogger(t)))

	c, err := l.CreateClient(ctx, &models.Client{Name: "Ana"})
	require.NoError(t, err)
	loan, err := l.CreateLoan(ctx, NewLoan{
		ClientID:            c.ID,
		Principal:           decimal.NewFromInt(1000),
		InterestRatePercent: decimal.NewFromInt(20),
		Modality:            models.ModalityInstallments,
		InstallmentCount:    2,
		DueDate:             "2025-04-10",
	})
	require.NoError(t, err)
	_, err = l.RecordPayment(ctx, loan.ID, pay("600"))
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`UPDATE receipts SET amount = 'abc'`)
	require.NoError(t, err)

	st, err := l.LoanState(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, st.Status)
	assert.True(t, st.TotalPaid.IsZero())
	assert.Equal(t, "1200.00", st.OutstandingBalance.StringFixed(2))
	require.Len(t, st.Issues, 1)
	assert.True(t, st.NeedsReview())

	d, err := l.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.OpenLoans)
	assert.Equal(t, 1, d.NeedsReview)

	res, err := l.RefreshAllStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 1}, res)
}

func TestLoanStateServedFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := newTestEnv(t, WithCache(cache.NewRedisStateCache(client, time.Hour, zaptest.NewLogger(t))))
	ctx := context.Background()
	c := env.client(t, "Ana")
	loan := env.installments(t, c.ID, "1000", "20", 2, "2025-04-10")

	st, err := env.ledger.LoanState(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "1200.00", st.OutstandingBalance.StringFixed(2))
	assert.True(t, mr.Exists("loanstate:"+loan.ID.String()))

	_, err = env.ledger.RecordPayment(ctx, loan.ID, pay("600"))
	require.NoError(t, err)

	st, err = env.ledger.LoanState(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "600.00", st.OutstandingBalance.StringFixed(2))
	assert.Equal(t, 1, st.Summary.Paid)

	require.NoError(t, env.ledger.DeleteLoan(ctx, loan.ID))
	assert.False(t, mr.Exists("loanstate:"+loan.ID.String()))
}

func TestDeleteLoanCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.client(t, "Ana")
	loan := env.installments(t, c.ID, "1000", "20", 2, "2025-04-10")
	res, err := env.ledger.RecordPayment(ctx, loan.ID, pay("600"))
	require.NoError(t, err)

	require.NoError(t, env.ledger.DeleteLoan(ctx, loan.ID))

	_, err = env.ledger.GetLoan(ctx, loan.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	_, err = env.ledger.GetReceipt(ctx, res.Receipts[0].ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	payments, err := env.store.GetAllPayments(ctx)
	require.NoError(t, err)
	assert.Empty(t, payments)

	err = env.ledger.DeleteLoan(ctx, loan.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestDeleteClientCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ana := env.client(t, "Ana")
	bruno := env.client(t, "Bruno")
	anaLoan := env.installments(t, ana.ID, "1000", "20", 2, "2025-04-10")
	brunoLoan := env.installments(t, bruno.ID, "500", "20", 1, "2025-04-10")
	_, err := env.ledger.RecordPayment(ctx, anaLoan.ID, pay("600"))
	require.NoError(t, err)

	require.NoError(t, env.ledger.DeleteClient(ctx, ana.ID))

	_, err = env.ledger.GetClient(ctx, ana.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	_, err = env.ledger.GetLoan(ctx, anaLoan.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	receipts, err := env.store.GetAllReceipts(ctx)
	require.NoError(t, err)
	assert.Empty(t, receipts)

	loans, err := env.ledger.ClientLoans(ctx, bruno.ID)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, brunoLoan.ID, loans[0].ID)

	_, err = env.ledger.ClientLoans(ctx, ana.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestCompletedClients(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	done := env.client(t, "Ana")
	open := env.client(t, "Bruno")
	env.client(t, "Carla")

	paidOff := env.installments(t, done.ID, "100", "0", 1, "2025-04-10")
	_, err := env.ledger.RecordPayment(ctx, paidOff.ID, pay("100"))
	require.NoError(t, err)

	paidOff2 := env.installments(t, open.ID, "100", "0", 1, "2025-04-10")
	_, err = env.ledger.RecordPayment(ctx, paidOff2.ID, pay("100"))
	require.NoError(t, err)
	env.installments(t, open.ID, "300", "0", 3, "2025-04-10")

	clients, err := env.ledger.CompletedClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, done.ID, clients[0].ID)
}
