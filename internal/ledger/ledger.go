// Package ledger records freelancer earnings and payouts. Credits enter as
// pending, become available after the hold window, and withdrawals are
// deducted only once paid.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/freelance-dispatch/internal/alerts"
	"github.com/example/freelance-dispatch/internal/events"
	"github.com/example/freelance-dispatch/internal/lock"
	"github.com/example/freelance-dispatch/internal/models"
	"github.com/example/freelance-dispatch/internal/observability"
	"github.com/example/freelance-dispatch/internal/storage"
)

type Ledger struct {
	store      storage.LedgerStore
	events     events.Publisher
	alerter    alerts.Alerter
	logger     *slog.Logger
	holdWindow time.Duration
	locker     lock.Locker
	now        func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLocker shares the balance lock with the withdrawal pipeline.
func WithLocker(locker lock.Locker) Option { return func(l *Ledger) { l.locker = locker } }

func New(store storage.LedgerStore, pub events.Publisher, al alerts.Alerter, logger *slog.Logger, holdWindow time.Duration, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		events:     pub,
		alerter:    al,
		logger:     logger,
		holdWindow: holdWindow,
		locker:     lock.NewKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Balance summarises a freelancer's ledger at one instant.
type Balance struct {
	FreelancerID string `json:"freelancer_id"`
	Pending      int64  `json:"pending"`
	Available    int64  `json:"available"`
	Withdrawn    int64  `json:"withdrawn"`
}

// Credit inserts a pending credit for the booking. Replaying the same credit
// returns the stored entry; a conflicting amount is an integrity fault.
func (l *Ledger) Credit(ctx context.Context, freelancerID, bookingID string, amount int64) (models.LedgerEntry, error) {
	if freelancerID == "" || bookingID == "" {
		return models.LedgerEntry{}, models.Invalid("freelancer and booking are required")
	}
	if amount <= 0 {
		return models.LedgerEntry{}, models.Invalid("credit amount must be positive, got %d", amount)
	}
	now := l.now()
	e := &models.LedgerEntry{
		ID:           uuid.NewString(),
		FreelancerID: freelancerID,
		BookingID:    bookingID,
		Kind:         models.EntryCredit,
		Amount:       amount,
		State:        models.EntryPending,
		CreatedAt:    now,
		AvailableAt:  now.Add(l.holdWindow),
	}
	stored, created, err := l.store.InsertEntry(ctx, e)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("insert credit: %w", err)
	}
	if !created {
		if stored.Amount != amount || stored.FreelancerID != freelancerID {
			l.fault(ctx, models.ErrDuplicateSettlement, bookingID, map[string]any{
				"stored_amount": stored.Amount, "amount": amount,
				"stored_freelancer": stored.FreelancerID, "freelancer": freelancerID,
			})
			return *stored, models.ErrDuplicateSettlement
		}
		l.logger.Debug("duplicate credit ignored", "booking_id", bookingID)
		return *stored, nil
	}

	observability.LedgerCredits.Inc()
	observability.LedgerCreditAmount.Add(float64(amount))
	l.logger.Info("ledger credited", "freelancer_id", freelancerID, "booking_id", bookingID, "amount", amount, "available_at", stored.AvailableAt)
	l.events.Publish(ctx, events.New(events.LedgerCredited, freelancerID, *stored, freelancerID))
	return *stored, nil
}

// CreditsPending is the amount still inside the hold window.
func (l *Ledger) CreditsPending(ctx context.Context, freelancerID string) (int64, error) {
	b, err := l.Balance(ctx, freelancerID)
	if err != nil {
		return 0, err
	}
	return b.Pending, nil
}

// AvailableBalance is what the freelancer could withdraw right now.
func (l *Ledger) AvailableBalance(ctx context.Context, freelancerID string) (int64, error) {
	b, err := l.Balance(ctx, freelancerID)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}

// Balance reads the entries and folds them. Pending credits whose hold has
// elapsed count as available even before the sweep persists the flip.
func (l *Ledger) Balance(ctx context.Context, freelancerID string) (Balance, error) {
	entries, err := l.store.ListEntries(ctx, freelancerID)
	if err != nil {
		return Balance{}, fmt.Errorf("list entries: %w", err)
	}
	b := fold(freelancerID, entries, l.now())
	if b.Available < 0 || b.Pending < 0 {
		l.fault(ctx, models.ErrNegativeBalance, freelancerID, map[string]any{
			"available": b.Available, "pending": b.Pending, "withdrawn": b.Withdrawn,
		})
		return b, models.ErrNegativeBalance
	}
	return b, nil
}

func fold(freelancerID string, entries []models.LedgerEntry, now time.Time) Balance {
	b := Balance{FreelancerID: freelancerID}
	released := make(map[string]bool)
	for _, e := range entries {
		if e.Kind == models.EntryCredit {
			released[e.BookingID] = isReleased(e, now)
		}
	}
	for _, e := range entries {
		switch e.Kind {
		case models.EntryCredit:
			if released[e.BookingID] {
				b.Available += e.Amount
			} else {
				b.Pending += e.Amount
			}
		case models.EntryReversal:
			if released[e.BookingID] {
				b.Available -= e.Amount
			} else {
				b.Pending -= e.Amount
			}
		case models.EntryWithdrawal:
			b.Withdrawn += e.Amount
			b.Available -= e.Amount
		}
	}
	return b
}

func isReleased(e models.LedgerEntry, now time.Time) bool {
	return e.State == models.EntryAvailable || (e.State == models.EntryPending && !e.AvailableAt.After(now))
}

// PromotePending flips every due credit to available and announces it.
func (l *Ledger) PromotePending(ctx context.Context) (int, error) {
	promoted, err := l.store.PromoteDue(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("promote due credits: %w", err)
	}
	for _, e := range promoted {
		observability.LedgerPromoted.Inc()
		l.events.Publish(ctx, events.New(events.BalanceAvailable, e.FreelancerID, e, e.FreelancerID))
	}
	if len(promoted) > 0 {
		l.logger.Info("pending credits promoted", "count", len(promoted))
	}
	return len(promoted), nil
}

// RecordWithdrawal writes the negating entry for a paid withdrawal. It is
// idempotent on the withdrawal id and refuses to overdraw. Callers hold
// lock.BalanceKey(freelancerID).
func (l *Ledger) RecordWithdrawal(ctx context.Context, freelancerID, withdrawalID string, amount int64) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, models.Invalid("withdrawal amount must be positive, got %d", amount)
	}
	entries, err := l.store.ListEntries(ctx, freelancerID)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("list entries: %w", err)
	}
	for _, e := range entries {
		if e.Kind == models.EntryWithdrawal && e.WithdrawalID == withdrawalID {
			if e.Amount != amount {
				l.fault(ctx, models.ErrDuplicateSettlement, withdrawalID, map[string]any{"stored_amount": e.Amount, "amount": amount})
				return e, models.ErrDuplicateSettlement
			}
			return e, nil
		}
	}
	now := l.now()
	if b := fold(freelancerID, entries, now); b.Available < amount {
		return models.LedgerEntry{}, models.ErrInsufficientBalance
	}
	e := &models.LedgerEntry{
		ID:           uuid.NewString(),
		FreelancerID: freelancerID,
		WithdrawalID: withdrawalID,
		Kind:         models.EntryWithdrawal,
		Amount:       amount,
		State:        models.EntrySettled,
		CreatedAt:    now,
		AvailableAt:  now,
	}
	stored, _, err := l.store.InsertEntry(ctx, e)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("insert withdrawal entry: %w", err)
	}
	return *stored, nil
}

// Reverse claws back part or all of a booking's credit after a refund or
// dispute settled outside the core. It runs under the freelancer's balance
// lock, so it cannot overdraw against a concurrent payout.
func (l *Ledger) Reverse(ctx context.Context, freelancerID, bookingID string, amount int64) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, models.Invalid("reversal amount must be positive, got %d", amount)
	}
	unlock, err := l.locker.Lock(ctx, lock.BalanceKey(freelancerID))
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("lock balance %s: %w", freelancerID, err)
	}
	defer unlock()

	entries, err := l.store.ListEntries(ctx, freelancerID)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("list entries: %w", err)
	}
	var credit *models.LedgerEntry
	for i := range entries {
		if entries[i].Kind == models.EntryCredit && entries[i].BookingID == bookingID {
			credit = &entries[i]
			break
		}
	}
	if credit == nil {
		return models.LedgerEntry{}, models.ErrNotFound
	}
	if amount > credit.Amount {
		return models.LedgerEntry{}, models.Invalid("reversal %d exceeds credit %d", amount, credit.Amount)
	}
	now := l.now()
	if isReleased(*credit, now) {
		if b := fold(freelancerID, entries, now); b.Available < amount {
			return models.LedgerEntry{}, models.ErrInsufficientBalance
		}
	}
	e := &models.LedgerEntry{
		ID:           uuid.NewString(),
		FreelancerID: freelancerID,
		BookingID:    bookingID,
		Kind:         models.EntryReversal,
		Amount:       amount,
		State:        models.EntrySettled,
		CreatedAt:    now,
		AvailableAt:  credit.AvailableAt,
	}
	stored, created, err := l.store.InsertEntry(ctx, e)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("insert reversal: %w", err)
	}
	if !created {
		if stored.Amount != amount {
			l.fault(ctx, models.ErrDuplicateSettlement, bookingID, map[string]any{"stored_amount": stored.Amount, "amount": amount})
			return *stored, models.ErrDuplicateSettlement
		}
		return *stored, nil
	}
	l.logger.Info("ledger reversed", "freelancer_id", freelancerID, "booking_id", bookingID, "amount", amount)
	l.events.Publish(ctx, events.New(events.LedgerReversed, freelancerID, *stored, freelancerID))
	return *stored, nil
}

func (l *Ledger) Entries(ctx context.Context, freelancerID string) ([]models.LedgerEntry, error) {
	return l.store.ListEntries(ctx, freelancerID)
}

func (l *Ledger) fault(ctx context.Context, err *models.Error, subject string, fields map[string]any) {
	alerts.Raise(ctx, l.alerter, l.logger, alerts.Alert{
		Code:    err.Code,
		Message: err.Msg,
		Subject: subject,
		Fields:  fields,
	})
}
