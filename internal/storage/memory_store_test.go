package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freelance-dispatch/internal/models"
)

func TestMemoryStoreResolveRequestSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateRequest(ctx, &models.InstantRequest{ID: "r1", Resolution: models.Unresolved, CreatedAt: time.Now()}))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.ResolveRequest(ctx, "r1", models.Accepted, "f", time.Now())
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.ErrorIs(t, err, models.ErrRequestAlreadyResolved)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	err := m.AppendBid(ctx, "r1", models.Bid{FreelancerID: "late", Price: 10})
	assert.ErrorIs(t, err, models.ErrRequestAlreadyResolved)
}

func TestMemoryStoreBookingCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	b := &models.Booking{ID: "b1", Status: models.StatusPending, Quote: &models.Quote{TotalAmount: 10}}
	require.NoError(t, m.CreateBooking(ctx, b))

	// caller mutations do not leak into the store
	b.Quote.TotalAmount = 99
	got, err := m.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Quote.TotalAmount)

	got.Status = models.StatusConfirmed
	require.NoError(t, m.UpdateBooking(ctx, got, models.StatusPending))
	assert.ErrorIs(t, m.UpdateBooking(ctx, got, models.StatusPending), models.ErrStaleWrite)

	_, err = m.GetBooking(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStoreNarrowBookingWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateBooking(ctx, &models.Booking{ID: "b1", Status: models.StatusStarted, PaymentState: models.PaymentAuthorized, PaymentRef: "pi_1", AmountPaid: 500}))

	assert.ErrorIs(t, m.RateBooking(ctx, "b1", 5, "early"), models.ErrStaleWrite)

	stale, err := m.GetBooking(ctx, "b1")
	require.NoError(t, err)
	stale.Status = models.StatusCompleted
	require.NoError(t, m.UpdateBooking(ctx, stale, models.StatusStarted))

	require.NoError(t, m.RateBooking(ctx, "b1", 5, "great"))
	assert.ErrorIs(t, m.RateBooking(ctx, "b1", 3, "again"), models.ErrStaleWrite)
	require.NoError(t, m.UpdatePayment(ctx, "b1", Payment{Ref: "pi_1", State: models.PaymentCaptured, AmountPaid: 500}))

	// a full-row write from a stale copy keeps the rating
	require.NoError(t, m.UpdateBooking(ctx, stale, models.StatusCompleted))
	got, err := m.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Rating)
	assert.Equal(t, "great", got.Review)

	assert.ErrorIs(t, m.UpdatePayment(ctx, "missing", Payment{}), models.ErrNotFound)
	assert.ErrorIs(t, m.RateBooking(ctx, "missing", 5, ""), models.ErrNotFound)
}

func TestMemoryStoreLedgerIdempotentKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()

	e := &models.LedgerEntry{ID: "e1", FreelancerID: "f1", BookingID: "b1", Kind: models.EntryCredit, Amount: 4500, State: models.EntryPending, CreatedAt: now, AvailableAt: now.Add(time.Hour)}
	_, created, err := m.InsertEntry(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *e
	dup.ID = "e2"
	stored, created, err := m.InsertEntry(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "e1", stored.ID)

	// a reversal for the same booking has its own key
	rev := &models.LedgerEntry{ID: "e3", FreelancerID: "f1", BookingID: "b1", Kind: models.EntryReversal, Amount: 100, State: models.EntryAvailable}
	_, created, err = m.InsertEntry(ctx, rev)
	require.NoError(t, err)
	assert.True(t, created)

	promoted, err := m.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, promoted)

	promoted, err = m.PromoteDue(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, models.EntryAvailable, promoted[0].State)

	entries, err := m.ListEntries(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryStoreWithdrawalFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()
	require.NoError(t, m.CreateWithdrawal(ctx, &models.WithdrawalRequest{ID: "w1", FreelancerID: "f1", Amount: 10, Status: models.WithdrawalPending, RequestedAt: now}))
	require.NoError(t, m.CreateWithdrawal(ctx, &models.WithdrawalRequest{ID: "w2", FreelancerID: "f1", Amount: 20, Status: models.WithdrawalRejected, RequestedAt: now.Add(time.Second)}))
	require.NoError(t, m.CreateWithdrawal(ctx, &models.WithdrawalRequest{ID: "w3", FreelancerID: "f2", Amount: 30, Status: models.WithdrawalPending, RequestedAt: now}))

	open, err := m.ListWithdrawals(ctx, "f1", models.WithdrawalPending, models.WithdrawalApproved)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "w1", open[0].ID)

	all, err := m.ListWithdrawals(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
