// Package withdrawal moves a freelancer's available balance out of the
// platform: request, approve, mark paid or reject.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/freelance-dispatch/internal/events"
	"github.com/example/freelance-dispatch/internal/ledger"
	"github.com/example/freelance-dispatch/internal/lock"
	"github.com/example/freelance-dispatch/internal/models"
	"github.com/example/freelance-dispatch/internal/observability"
	"github.com/example/freelance-dispatch/internal/storage"
)

type Pipeline struct {
	store  storage.WithdrawalStore
	ledger *ledger.Ledger
	locker lock.Locker
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

func New(store storage.WithdrawalStore, l *ledger.Ledger, locker lock.Locker, pub events.Publisher, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		ledger: l,
		locker: locker,
		events: pub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func isOperator(a models.Actor) bool {
	return a.Role == models.RoleAdmin || a.Role == models.RoleSystem
}

// Request files a withdrawal. The balance check and the insert run under the
// freelancer's lock, and amounts already requested but not yet paid count
// against the balance, so concurrent requests cannot overdraw.
func (p *Pipeline) Request(ctx context.Context, actor models.Actor, freelancerID string, amount int64, method string) (*models.WithdrawalRequest, error) {
	if !actor.Is(models.RoleFreelancer, freelancerID) && !isOperator(actor) {
		return nil, models.ErrForbidden
	}
	if amount <= 0 {
		return nil, models.Invalid("amount must be positive, got %d", amount)
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, models.Invalid("payment method is required")
	}

	unlock, err := p.locker.Lock(ctx, lock.BalanceKey(freelancerID))
	if err != nil {
		return nil, fmt.Errorf("lock balance %s: %w", freelancerID, err)
	}
	defer unlock()

	available, err := p.ledger.AvailableBalance(ctx, freelancerID)
	if err != nil {
		return nil, err
	}
	open, err := p.store.ListWithdrawals(ctx, freelancerID, models.WithdrawalPending, models.WithdrawalApproved)
	if err != nil {
		return nil, fmt.Errorf("list outstanding withdrawals: %w", err)
	}
	var outstanding int64
	for _, w := range open {
		outstanding += w.Amount
	}
	if amount > available-outstanding {
		p.logger.Info("withdrawal refused", "freelancer_id", freelancerID, "amount", amount, "available", available, "outstanding", outstanding)
		return nil, models.ErrInsufficientBalance
	}

	w := &models.WithdrawalRequest{
		ID:            uuid.NewString(),
		FreelancerID:  freelancerID,
		Amount:        amount,
		PaymentMethod: method,
		Status:        models.WithdrawalPending,
		RequestedAt:   p.now(),
	}
	if err := p.store.CreateWithdrawal(ctx, w); err != nil {
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}
	p.changed(ctx, w)
	return w, nil
}

// Approve moves pending to approved. Approving twice is a no-op.
func (p *Pipeline) Approve(ctx context.Context, actor models.Actor, id string) (*models.WithdrawalRequest, error) {
	if !isOperator(actor) {
		return nil, models.ErrForbidden
	}
	w, err := p.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case models.WithdrawalApproved:
		return w, nil
	case models.WithdrawalPending:
	default:
		return nil, models.ErrInvalidTransition
	}
	w.Status = models.WithdrawalApproved
	if err := p.store.UpdateWithdrawal(ctx, w, models.WithdrawalPending); err != nil {
		return p.settle(ctx, id, models.WithdrawalApproved, err)
	}
	p.changed(ctx, w)
	return w, nil
}

// MarkPaid records the payout. The negating ledger entry is written first and
// is idempotent on the withdrawal id, so a retried call converges.
func (p *Pipeline) MarkPaid(ctx context.Context, actor models.Actor, id, transactionID string) (*models.WithdrawalRequest, error) {
	if !isOperator(actor) {
		return nil, models.ErrForbidden
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, models.Invalid("transaction id is required")
	}
	w, err := p.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case models.WithdrawalPaid:
		if w.TransactionID == transactionID {
			return w, nil
		}
		return nil, models.ErrInvalidTransition
	case models.WithdrawalApproved:
	default:
		return nil, models.ErrInvalidTransition
	}

	unlock, err := p.locker.Lock(ctx, lock.BalanceKey(w.FreelancerID))
	if err != nil {
		return nil, fmt.Errorf("lock balance %s: %w", w.FreelancerID, err)
	}
	defer unlock()

	if _, err := p.ledger.RecordWithdrawal(ctx, w.FreelancerID, w.ID, w.Amount); err != nil {
		return nil, err
	}
	now := p.now()
	w.Status = models.WithdrawalPaid
	w.TransactionID = transactionID
	w.ProcessedAt = &now
	if err := p.store.UpdateWithdrawal(ctx, w, models.WithdrawalApproved); err != nil {
		cur, err := p.settle(ctx, id, models.WithdrawalPaid, err)
		if err != nil {
			return nil, err
		}
		if cur.TransactionID != transactionID {
			return nil, models.ErrInvalidTransition
		}
		return cur, nil
	}
	p.changed(ctx, w)
	return w, nil
}

// Reject is terminal. Nothing was deducted, so nothing is returned.
func (p *Pipeline) Reject(ctx context.Context, actor models.Actor, id, reason string) (*models.WithdrawalRequest, error) {
	if !isOperator(actor) {
		return nil, models.ErrForbidden
	}
	w, err := p.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status == models.WithdrawalRejected {
		return w, nil
	}
	if !w.Status.Outstanding() {
		return nil, models.ErrInvalidTransition
	}
	from := w.Status
	now := p.now()
	w.Status = models.WithdrawalRejected
	w.RejectReason = reason
	w.ProcessedAt = &now
	if err := p.store.UpdateWithdrawal(ctx, w, from); err != nil {
		return p.settle(ctx, id, models.WithdrawalRejected, err)
	}
	p.changed(ctx, w)
	return w, nil
}

func (p *Pipeline) Get(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	return p.store.GetWithdrawal(ctx, id)
}

func (p *Pipeline) List(ctx context.Context, freelancerID string, statuses ...models.WithdrawalStatus) ([]*models.WithdrawalRequest, error) {
	return p.store.ListWithdrawals(ctx, freelancerID, statuses...)
}

// settle resolves a lost compare-and-set: if a concurrent caller already
// reached the target status the call succeeds, otherwise the transition is
// invalid.
func (p *Pipeline) settle(ctx context.Context, id string, target models.WithdrawalStatus, cause error) (*models.WithdrawalRequest, error) {
	if !errors.Is(cause, models.ErrStaleWrite) {
		return nil, fmt.Errorf("update withdrawal: %w", cause)
	}
	cur, err := p.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == target {
		return cur, nil
	}
	return nil, models.ErrInvalidTransition
}

func (p *Pipeline) changed(ctx context.Context, w *models.WithdrawalRequest) {
	observability.Withdrawals.WithLabelValues(string(w.Status)).Inc()
	p.logger.Info("withdrawal status changed", "withdrawal_id", w.ID, "freelancer_id", w.FreelancerID, "status", w.Status, "amount", w.Amount)
	p.events.Publish(ctx, events.New(events.WithdrawalStatusChanged, w.ID, *w, w.FreelancerID))
}
