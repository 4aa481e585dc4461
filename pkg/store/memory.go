package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcclellann/dinheiroRapido/pkg/models"
)

// MemoryStore is an in-memory implementation of the Storage interface. Records
// are copied on the way in and out, so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	clients  map[uuid.UUID]*models.Client
	loans    map[uuid.UUID]*models.Loan
	payments []*models.Payment
	receipts []*models.Receipt

	// FailReceiptInsert makes RecordPayment fail after validating the payment,
	// leaving the store unchanged. Used to exercise rollback paths.
	FailReceiptInsert bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[uuid.UUID]*models.Client),
		loans:   make(map[uuid.UUID]*models.Loan),
	}
}

func copyClient(c *models.Client) *models.Client {
	cp := *c
	return &cp
}

func copyLoan(l *models.Loan) *models.Loan {
	cp := *l
	if l.CustomDueDates != nil {
		cp.CustomDueDates = make(map[int]string, len(l.CustomDueDates))
		for k, v := range l.CustomDueDates {
			cp.CustomDueDates[k] = v
		}
	}
	return &cp
}

func copyPayment(p *models.Payment) *models.Payment {
	cp := *p
	return &cp
}

func copyReceipt(r *models.Receipt) *models.Receipt {
	cp := *r
	return &cp
}

func (m *MemoryStore) CreateClient(_ context.Context, c *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.ID]; ok {
		return fmt.Errorf("client %s already exists", c.ID)
	}
	m.clients[c.ID] = copyClient(c)
	return nil
}

func (m *MemoryStore) GetClient(_ context.Context, id uuid.UUID) (*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return copyClient(c), nil
}

func (m *MemoryStore) UpdateClient(_ context.Context, c *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.clients[c.ID]
	if !ok {
		return fmt.Errorf("client %s: %w", c.ID, ErrNotFound)
	}
	updated := copyClient(c)
	updated.Code = existing.Code
	updated.CreatedAt = existing.CreatedAt
	m.clients[c.ID] = updated
	return nil
}

func (m *MemoryStore) DeleteClient(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[id]; !ok {
		return fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	for loanID, l := range m.loans {
		if l.ClientID == id {
			m.deleteLoanLocked(loanID)
		}
	}
	delete(m.clients, id)
	return nil
}

func (m *MemoryStore) GetAllClients(_ context.Context) ([]*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clients := make([]*models.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, copyClient(c))
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Code < clients[j].Code })
	return clients, nil
}

func (m *MemoryStore) CreateLoan(_ context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[loan.ClientID]; !ok {
		return fmt.Errorf("failed to create loan: client %s: %w", loan.ClientID, ErrNotFound)
	}
	m.loans[loan.ID] = copyLoan(loan)
	return nil
}

func (m *MemoryStore) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	return copyLoan(loan), nil
}

func (m *MemoryStore) UpdateLoan(_ context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.loans[loan.ID]
	if !ok {
		return fmt.Errorf("loan %s: %w", loan.ID, ErrNotFound)
	}
	updated := copyLoan(existing)
	updated.StartDate = loan.StartDate
	updated.DueDate = loan.DueDate
	updated.CustomDueDates = copyLoan(loan).CustomDueDates
	updated.Status = loan.Status
	updated.Notes = loan.Notes
	updated.UpdatedAt = loan.UpdatedAt
	m.loans[loan.ID] = updated
	return nil
}

func (m *MemoryStore) UpdateLoanStatus(_ context.Context, id uuid.UUID, status models.LoanStatus, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	loan.Status = status
	loan.UpdatedAt = updatedAt
	return nil
}

func (m *MemoryStore) DeleteLoan(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[id]; !ok {
		return fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	m.deleteLoanLocked(id)
	return nil
}

func (m *MemoryStore) deleteLoanLocked(id uuid.UUID) {
	receipts := m.receipts[:0]
	for _, r := range m.receipts {
		if r.LoanID != id {
			receipts = append(receipts, r)
		}
	}
	m.receipts = receipts

	payments := m.payments[:0]
	for _, p := range m.payments {
		if p.LoanID != id {
			payments = append(payments, p)
		}
	}
	m.payments = payments
	delete(m.loans, id)
}

func (m *MemoryStore) GetAllLoans(_ context.Context) ([]*models.Loan, error) {
	return m.filterLoans(func(*models.Loan) bool { return true }), nil
}

func (m *MemoryStore) GetLoansByStatus(_ context.Context, status models.LoanStatus) ([]*models.Loan, error) {
	return m.filterLoans(func(l *models.Loan) bool { return l.Status == status }), nil
}

func (m *MemoryStore) GetLoansForClient(_ context.Context, clientID uuid.UUID) ([]*models.Loan, error) {
	return m.filterLoans(func(l *models.Loan) bool { return l.ClientID == clientID }), nil
}

// filterLoans returns matching loans newest first.
func (m *MemoryStore) filterLoans(keep func(*models.Loan) bool) []*models.Loan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		if keep(l) {
			loans = append(loans, copyLoan(l))
		}
	}
	sort.Slice(loans, func(i, j int) bool {
		if loans[i].CreatedAt.Equal(loans[j].CreatedAt) {
			return loans[i].ID.String() < loans[j].ID.String()
		}
		return loans[i].CreatedAt.After(loans[j].CreatedAt)
	})
	return loans
}

func (m *MemoryStore) RecordPayment(_ context.Context, p *models.Payment, receipts []*models.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[p.LoanID]; !ok {
		return fmt.Errorf("failed to create payment: loan %s: %w", p.LoanID, ErrNotFound)
	}
	if m.FailReceiptInsert {
		return fmt.Errorf("failed to create receipt: insert rejected")
	}
	m.payments = append(m.payments, copyPayment(p))
	for _, r := range receipts {
		m.receipts = append(m.receipts, copyReceipt(r))
	}
	return nil
}

func (m *MemoryStore) GetPaymentsForLoan(_ context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payments := []*models.Payment{}
	for _, p := range m.payments {
		if p.LoanID == loanID {
			payments = append(payments, copyPayment(p))
		}
	}
	return payments, nil
}

func (m *MemoryStore) GetAllPayments(_ context.Context) ([]*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payments := make([]*models.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		payments = append(payments, copyPayment(p))
	}
	return payments, nil
}

func (m *MemoryStore) GetReceipt(_ context.Context, id uuid.UUID) (*models.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.receipts {
		if r.ID == id {
			return copyReceipt(r), nil
		}
	}
	return nil, fmt.Errorf("receipt %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) GetReceiptsForLoan(_ context.Context, loanID uuid.UUID) ([]*models.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	receipts := []*models.Receipt{}
	for _, r := range m.receipts {
		if r.LoanID == loanID {
			receipts = append(receipts, copyReceipt(r))
		}
	}
	return receipts, nil
}

func (m *MemoryStore) GetAllReceipts(_ context.Context) ([]*models.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	receipts := make([]*models.Receipt, 0, len(m.receipts))
	for _, r := range m.receipts {
		receipts = append(receipts, copyReceipt(r))
	}
	return receipts, nil
}

func (m *MemoryStore) DeleteReceipt(_ context.Context, id uuid.UUID) (*models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, r := range m.receipts {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("receipt %s: %w", id, ErrNotFound)
	}
	deleted := m.receipts[idx]
	m.receipts = append(m.receipts[:idx], m.receipts[idx+1:]...)

	if deleted.PaymentID != uuid.Nil {
		for _, r := range m.receipts {
			if r.PaymentID == deleted.PaymentID {
				return copyReceipt(deleted), nil
			}
		}
		for i, p := range m.payments {
			if p.ID == deleted.PaymentID {
				m.payments = append(m.payments[:i], m.payments[i+1:]...)
				break
			}
		}
	}
	return copyReceipt(deleted), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
