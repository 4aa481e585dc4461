package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mcclellann/dinheiroRapido/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testClient(code string) *models.Client {
	return &models.Client{
		ID:        uuid.New(),
		Code:      code,
		Name:      "Maria Souza",
		Phone:     "+55 11 99999-0000",
		CPF:       "123.456.789-00",
		City:      "São Paulo",
		State:     "SP",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func testLoan(clientID uuid.UUID) *models.Loan {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Loan{
		ID:                  uuid.New(),
		ClientID:            clientID,
		Principal:           decimal.RequireFromString("1000.00"),
		InterestRatePercent: decimal.RequireFromString("20"),
		TotalAmount:         decimal.RequireFromString("1200.00"),
		Modality:            models.ModalityInstallments,
		StartDate:           "2025-01-10",
		DueDate:             "2025-02-10",
		InstallmentCount:    3,
		InstallmentAmount:   decimal.RequireFromString("400.00"),
		CustomDueDates:      map[int]string{2: "2025-03-15"},
		Status:              models.StatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func testPayment(loan *models.Loan, amount string) *models.Payment {
	return &models.Payment{
		ID:                uuid.New(),
		LoanID:            loan.ID,
		Amount:            decimal.RequireFromString(amount),
		Date:              time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC),
		InstallmentNumber: 1,
		Type:              models.PaymentTypeFull,
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
	}
}

func testReceipt(loan *models.Loan, p *models.Payment, due string) *models.Receipt {
	return &models.Receipt{
		ID:            uuid.New(),
		LoanID:        loan.ID,
		ClientID:      loan.ClientID,
		PaymentID:     p.ID,
		Amount:        p.Amount,
		PaymentDate:   p.Date,
		DueDate:       due,
		ReceiptNumber: "REC-0001-" + loan.ID.String()[:4],
		CreatedAt:     p.CreatedAt,
	}
}

// runStorageContract exercises the behavior every Storage implementation shares.
func runStorageContract(t *testing.T, s Storage) {
	ctx := context.Background()

	client := testClient("00001")
	require.NoError(t, s.CreateClient(ctx, client))

	t.Run("client round trip", func(t *testing.T) {
		fetched, err := s.GetClient(ctx, client.ID)
		require.NoError(t, err)
		assert.Equal(t, client.Name, fetched.Name)
		assert.Equal(t, "00001", fetched.Code)

		fetched.City = "Campinas"
		require.NoError(t, s.UpdateClient(ctx, fetched))
		again, err := s.GetClient(ctx, client.ID)
		require.NoError(t, err)
		assert.Equal(t, "Campinas", again.City)
	})

	t.Run("loan round trip keeps decimals and overrides", func(t *testing.T) {
		loan := testLoan(client.ID)
		require.NoError(t, s.CreateLoan(ctx, loan))

		fetched, err := s.GetLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.True(t, fetched.Principal.Equal(loan.Principal), "principal %s", fetched.Principal)
		assert.True(t, fetched.TotalAmount.Equal(loan.TotalAmount))
		assert.True(t, fetched.InstallmentAmount.Equal(loan.InstallmentAmount))
		assert.Equal(t, models.ModalityInstallments, fetched.Modality)
		assert.Equal(t, "2025-02-10", fetched.DueDate)
		assert.Equal(t, map[int]string{2: "2025-03-15"}, fetched.CustomDueDates)

		fetched.CustomDueDates = nil
		fetched.DueDate = "2025-02-20"
		fetched.UpdatedAt = time.Now().UTC()
		require.NoError(t, s.UpdateLoan(ctx, fetched))

		again, err := s.GetLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Empty(t, again.CustomDueDates)
		assert.Equal(t, "2025-02-20", again.DueDate)

		require.NoError(t, s.UpdateLoanStatus(ctx, loan.ID, models.StatusOverdue, time.Now().UTC()))
		overdue, err := s.GetLoansByStatus(ctx, models.StatusOverdue)
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, loan.ID, overdue[0].ID)

		forClient, err := s.GetLoansForClient(ctx, client.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, forClient)
	})

	t.Run("payment with receipts and receipt deletion", func(t *testing.T) {
		loan := testLoan(client.ID)
		require.NoError(t, s.CreateLoan(ctx, loan))

		p := testPayment(loan, "800.00")
		r1 := testReceipt(loan, p, "2025-02-10")
		r2 := testReceipt(loan, p, "2025-03-10")
		require.NoError(t, s.RecordPayment(ctx, p, []*models.Receipt{r1, r2}))

		receipts, err := s.GetReceiptsForLoan(ctx, loan.ID)
		require.NoError(t, err)
		require.Len(t, receipts, 2)
		assert.Equal(t, p.ID, receipts[0].PaymentID)

		got, err := s.GetReceipt(ctx, r1.ID)
		require.NoError(t, err)
		assert.Equal(t, "2025-02-10", got.DueDate)
		assert.False(t, got.IsSettlement())

		// payment survives while another receipt references it
		deleted, err := s.DeleteReceipt(ctx, r1.ID)
		require.NoError(t, err)
		assert.Equal(t, r1.ID, deleted.ID)
		payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)

		_, err = s.DeleteReceipt(ctx, r2.ID)
		require.NoError(t, err)
		payments, err = s.GetPaymentsForLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Empty(t, payments)

		_, err = s.DeleteReceipt(ctx, r2.ID)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("settlement receipt without due date", func(t *testing.T) {
		loan := testLoan(client.ID)
		require.NoError(t, s.CreateLoan(ctx, loan))
		p := testPayment(loan, "1200.00")
		r := testReceipt(loan, p, "")
		r.Settlement = true
		require.NoError(t, s.RecordPayment(ctx, p, []*models.Receipt{r}))

		got, err := s.GetReceipt(ctx, r.ID)
		require.NoError(t, err)
		assert.Empty(t, got.DueDate)
		assert.True(t, got.Settlement)
		assert.True(t, got.IsSettlement())
	})

	t.Run("delete loan cascades", func(t *testing.T) {
		loan := testLoan(client.ID)
		require.NoError(t, s.CreateLoan(ctx, loan))
		p := testPayment(loan, "400.00")
		require.NoError(t, s.RecordPayment(ctx, p, []*models.Receipt{testReceipt(loan, p, "2025-02-10")}))

		require.NoError(t, s.DeleteLoan(ctx, loan.ID))

		_, err := s.GetLoan(ctx, loan.ID)
		assert.True(t, errors.Is(err, ErrNotFound))
		receipts, err := s.GetReceiptsForLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Empty(t, receipts)
		payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Empty(t, payments)

		assert.True(t, errors.Is(s.DeleteLoan(ctx, loan.ID), ErrNotFound))
	})

	t.Run("delete client cascades to loans", func(t *testing.T) {
		other := testClient("00002")
		require.NoError(t, s.CreateClient(ctx, other))
		loan := testLoan(other.ID)
		require.NoError(t, s.CreateLoan(ctx, loan))
		p := testPayment(loan, "400.00")
		r := testReceipt(loan, p, "2025-02-10")
		require.NoError(t, s.RecordPayment(ctx, p, []*models.Receipt{r}))

		require.NoError(t, s.DeleteClient(ctx, other.ID))

		_, err := s.GetClient(ctx, other.ID)
		assert.True(t, errors.Is(err, ErrNotFound))
		loans, err := s.GetLoansForClient(ctx, other.ID)
		require.NoError(t, err)
		assert.Empty(t, loans)
		_, err = s.GetReceipt(ctx, r.ID)
		assert.True(t, errors.Is(err, ErrNotFound))

		clients, err := s.GetAllClients(ctx)
		require.NoError(t, err)
		require.Len(t, clients, 1)
		assert.Equal(t, client.ID, clients[0].ID)
	})

	t.Run("missing records", func(t *testing.T) {
		_, err := s.GetLoan(ctx, uuid.New())
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.GetClient(ctx, uuid.New())
		assert.True(t, errors.Is(err, ErrNotFound))
		err = s.UpdateLoanStatus(ctx, uuid.New(), models.StatusActive, time.Now())
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStorageContract(t, newTestSQLiteStore(t))
}

func TestSQLiteStore_ForeignKeys(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	err := s.CreateLoan(ctx, testLoan(uuid.New()))
	assert.Error(t, err, "loan for an unknown client must be rejected")
}

func TestSQLiteStore_MalformedOverridesReadAsNone(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	client := testClient("00001")
	require.NoError(t, s.CreateClient(ctx, client))
	loan := testLoan(client.ID)
	require.NoError(t, s.CreateLoan(ctx, loan))

	_, err := s.db.Exec(`UPDATE loans SET custom_due_dates = 'not json' WHERE id = ?`, loan.ID.String())
	require.NoError(t, err)

	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Nil(t, fetched.CustomDueDates)
}

func TestSQLiteStore_MalformedAmountsReadAsZero(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	client := testClient("00001")
	require.NoError(t, s.CreateClient(ctx, client))
	loan := testLoan(client.ID)
	require.NoError(t, s.CreateLoan(ctx, loan))
	p := testPayment(loan, "400.00")
	require.NoError(t, s.RecordPayment(ctx, p, []*models.Receipt{testReceipt(loan, p, "2025-02-10")}))

	_, err := s.db.Exec(`UPDATE receipts SET amount = 'abc'`)
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE payments SET amount = ''`)
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE loans SET total_amount = '1.200,00' WHERE id = ?`, loan.ID.String())
	require.NoError(t, err)

	receipts, err := s.GetReceiptsForLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.True(t, receipts[0].Amount.IsZero())
	assert.Equal(t, []string{"amount"}, receipts[0].Malformed)

	payments, err := s.GetAllPayments(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Amount.IsZero())
	assert.Equal(t, []string{"amount"}, payments[0].Malformed)

	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, fetched.TotalAmount.IsZero())
	assert.Equal(t, "1000", fetched.Principal.String())
	assert.Equal(t, []string{"total_amount"}, fetched.Malformed)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	client := testClient("00007")
	require.NoError(t, s.CreateClient(ctx, client))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()
	fetched, err := s.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, "00007", fetched.Code)
}

func TestMemoryStore_Contract(t *testing.T) {
	runStorageContract(t, NewMemoryStore())
}

func TestMemoryStore_FailedReceiptInsertWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	client := testClient("00001")
	require.NoError(t, s.CreateClient(ctx, client))
	loan := testLoan(client.ID)
	require.NoError(t, s.CreateLoan(ctx, loan))

	s.FailReceiptInsert = true
	p := testPayment(loan, "400.00")
	err := s.RecordPayment(ctx, p, []*models.Receipt{testReceipt(loan, p, "2025-02-10")})
	require.Error(t, err)

	payments, _ := s.GetPaymentsForLoan(ctx, loan.ID)
	assert.Empty(t, payments)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	client := testClient("00001")
	require.NoError(t, s.CreateClient(ctx, client))
	loan := testLoan(client.ID)
	require.NoError(t, s.CreateLoan(ctx, loan))

	fetched, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	fetched.CustomDueDates[1] = "2030-01-01"
	fetched.Status = models.StatusCompleted

	again, err := s.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.NotContains(t, again.CustomDueDates, 1)
	assert.Equal(t, models.StatusActive, again.Status)
}
