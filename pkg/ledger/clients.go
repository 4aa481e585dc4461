package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcclellann/dinheiroRapido/pkg/apperrors"
	"github.com/mcclellann/dinheiroRapido/pkg/models"
)

const clientCodeDigits = 5

// CreateClient stores a new client and assigns it the next sequential code.
func (l *Ledger) CreateClient(ctx context.Context, client *models.Client) (*models.Client, error) {
	if strings.TrimSpace(client.Name) == "" {
		return nil, apperrors.InvalidInput("client name is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	code, err := l.nextClientCode(ctx)
	if err != nil {
		return nil, err
	}

	c := *client
	c.ID = uuid.New()
	c.Code = code
	c.Name = strings.TrimSpace(c.Name)
	c.CreatedAt = l.now()
	if err := l.storage.CreateClient(ctx, &c); err != nil {
		return nil, translate("create client", err)
	}
	l.logger.Info("client created", zap.String("client_id", c.ID.String()), zap.String("code", c.Code))
	return &c, nil
}

// nextClientCode returns one past the highest numeric code in use.
func (l *Ledger) nextClientCode(ctx context.Context) (string, error) {
	clients, err := l.storage.GetAllClients(ctx)
	if err != nil {
		return "", translate("get clients", err)
	}
	highest := 0
	for _, c := range clients {
		n, err := strconv.Atoi(c.Code)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%0*d", clientCodeDigits, highest+1), nil
}

func (l *Ledger) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	c, err := l.storage.GetClient(ctx, id)
	if err != nil {
		return nil, translate("get client", err)
	}
	return c, nil
}

func (l *Ledger) ListClients(ctx context.Context) ([]*models.Client, error) {
	clients, err := l.storage.GetAllClients(ctx)
	if err != nil {
		return nil, translate("get clients", err)
	}
	return clients, nil
}

// UpdateClient replaces the contact details of a client. The code and creation
// time are kept.
func (l *Ledger) UpdateClient(ctx context.Context, id uuid.UUID, client *models.Client) (*models.Client, error) {
	if strings.TrimSpace(client.Name) == "" {
		return nil, apperrors.InvalidInput("client name is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := *client
	c.ID = id
	c.Name = strings.TrimSpace(c.Name)
	if err := l.storage.UpdateClient(ctx, &c); err != nil {
		return nil, translate("update client", err)
	}
	updated, err := l.storage.GetClient(ctx, id)
	if err != nil {
		return nil, translate("get client", err)
	}
	return updated, nil
}

// DeleteClient removes a client with all of its loans, payments and receipts.
func (l *Ledger) DeleteClient(ctx context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	loans, err := l.storage.GetLoansForClient(ctx, id)
	if err != nil {
		return translate("get client loans", err)
	}
	if err := l.storage.DeleteClient(ctx, id); err != nil {
		return translate("delete client", err)
	}
	for _, loan := range loans {
		l.cache.Invalidate(ctx, loan.ID)
	}
	l.logger.Info("client deleted", zap.String("client_id", id.String()), zap.Int("loans", len(loans)))
	return nil
}

// ClientLoans lists the loans of a client, newest first.
func (l *Ledger) ClientLoans(ctx context.Context, id uuid.UUID) ([]*models.Loan, error) {
	if _, err := l.storage.GetClient(ctx, id); err != nil {
		return nil, translate("get client", err)
	}
	loans, err := l.storage.GetLoansForClient(ctx, id)
	if err != nil {
		return nil, translate("get client loans", err)
	}
	return loans, nil
}

// CompletedClients returns the clients that have borrowed and whose loans are
// all completed, judged by the status stored on each loan.
func (l *Ledger) CompletedClients(ctx context.Context) ([]*models.Client, error) {
	clients, err := l.storage.GetAllClients(ctx)
	if err != nil {
		return nil, translate("get clients", err)
	}
	loans, err := l.storage.GetAllLoans(ctx)
	if err != nil {
		return nil, translate("get loans", err)
	}

	hasLoan := make(map[uuid.UUID]bool)
	open := make(map[uuid.UUID]bool)
	for _, loan := range loans {
		hasLoan[loan.ClientID] = true
		if loan.Status != models.StatusCompleted {
			open[loan.ClientID] = true
		}
	}

	out := make([]*models.Client, 0)
	for _, c := range clients {
		if hasLoan[c.ID] && !open[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}
