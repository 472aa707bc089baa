package storage

import (
	"context"
	"time"

	"github.com/example/freelance-dispatch/internal/models"
)

// BookingStore persists bookings. UpdateBooking is a compare-and-set on the
// stored status: it writes only when the row still has status from, and
// never touches the rating. UpdatePayment writes only the payment columns.
// RateBooking sets the rating once, on a completed booking.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	UpdateBooking(ctx context.Context, b *models.Booking, from models.BookingStatus) error
	UpdatePayment(ctx context.Context, id string, p Payment) error
	RateBooking(ctx context.Context, id string, stars int, review string) error
	ListBookings(ctx context.Context, f BookingFilter) ([]*models.Booking, error)
}

// Payment is the payment half of a booking row.
type Payment struct {
	Ref        string
	State      models.PaymentState
	AmountPaid int64
}

func PaymentOf(b *models.Booking) Payment {
	return Payment{Ref: b.PaymentRef, State: b.PaymentState, AmountPaid: b.AmountPaid}
}

type BookingFilter struct {
	ClientID     string
	FreelancerID string
	Status       models.BookingStatus
	Limit        int
}

// RequestStore persists instant requests. ResolveRequest is the single
// arbitration point: only a request still unresolved can be resolved.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.InstantRequest) error
	GetRequest(ctx context.Context, id string) (*models.InstantRequest, error)
	AppendBid(ctx context.Context, id string, bid models.Bid) error
	ResolveRequest(ctx context.Context, id string, to models.ResolutionState, winnerID string, at time.Time) error
	AttachBooking(ctx context.Context, id, bookingID string) error
	ListUnresolved(ctx context.Context, createdBefore time.Time) ([]*models.InstantRequest, error)
}

// LedgerStore is append-only apart from the pending -> available promotion.
// InsertEntry is idempotent on the entry's natural key (booking id for
// credits and reversals, withdrawal id for withdrawals); when the key already
// exists the stored entry is returned with created=false.
type LedgerStore interface {
	InsertEntry(ctx context.Context, e *models.LedgerEntry) (stored *models.LedgerEntry, created bool, err error)
	ListEntries(ctx context.Context, freelancerID string) ([]models.LedgerEntry, error)
	PromoteDue(ctx context.Context, now time.Time) ([]models.LedgerEntry, error)
}

type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, w *models.WithdrawalRequest, from models.WithdrawalStatus) error
	ListWithdrawals(ctx context.Context, freelancerID string, statuses ...models.WithdrawalStatus) ([]*models.WithdrawalRequest, error)
}

// Store bundles every table the core owns.
type Store interface {
	BookingStore
	RequestStore
	LedgerStore
	WithdrawalStore
}
