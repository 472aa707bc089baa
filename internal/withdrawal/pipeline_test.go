package withdrawal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freelance-dispatch/internal/alerts"
	"github.com/example/freelance-dispatch/internal/events"
	"github.com/example/freelance-dispatch/internal/ledger"
	"github.com/example/freelance-dispatch/internal/lock"
	"github.com/example/freelance-dispatch/internal/logging"
	"github.com/example/freelance-dispatch/internal/models"
	"github.com/example/freelance-dispatch/internal/storage"
)

var (
	admin      = models.Actor{ID: "ops", Role: models.RoleAdmin}
	freelancer = models.Actor{ID: "f1", Role: models.RoleFreelancer}
)

type fixture struct {
	p      *Pipeline
	ledger *ledger.Ledger
	store  *storage.MemoryStore
	events *events.Recorder
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.store = storage.NewMemoryStore()
	f.events = events.NewRecorder()
	locks := lock.NewKeyedMutex()
	f.ledger = ledger.New(f.store, f.events, alerts.NewRecorder(), logging.Discard(), 48*time.Hour, ledger.WithClock(f.clock), ledger.WithLocker(locks))
	f.p = New(f.store, f.ledger, locks, f.events, logging.Discard())
	f.p.now = f.clock
	return f
}

func (f *fixture) fund(t *testing.T, bookingID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), "f1", bookingID, amount)
	require.NoError(t, err)
	f.advance(48 * time.Hour)
	_, err = f.ledger.PromotePending(context.Background())
	require.NoError(t, err)
}

func TestConcurrentRequestsCannotOverdraw(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "b1", 4500)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, refused int
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.p.Request(context.Background(), freelancer, "f1", 4500, "bank")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrInsufficientBalance):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)
}

func TestRequestBeforeHoldElapsesFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Credit(context.Background(), "f1", "b1", 4500)
	require.NoError(t, err)

	_, err = f.p.Request(context.Background(), freelancer, "f1", 4500, "bank")
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.p.Request(ctx, models.Actor{ID: "f2", Role: models.RoleFreelancer}, "f1", 10, "bank")
	assert.ErrorIs(t, err, models.ErrForbidden)
	_, err = f.p.Request(ctx, freelancer, "f1", 0, "bank")
	assert.Equal(t, models.KindValidation, models.KindOf(err))
	_, err = f.p.Request(ctx, freelancer, "f1", 10, " ")
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestLifecycleDeductsOnlyWhenPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "b1", 4500)

	w, err := f.p.Request(ctx, freelancer, "f1", 3000, "bank")
	require.NoError(t, err)

	_, err = f.p.MarkPaid(ctx, admin, w.ID, "tx-1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "must be approved first")

	_, err = f.p.Approve(ctx, freelancer, w.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	w, err = f.p.Approve(ctx, admin, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalApproved, w.Status)
	_, err = f.p.Approve(ctx, admin, w.ID)
	require.NoError(t, err)

	avail, err := f.ledger.AvailableBalance(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(4500), avail, "approval does not deduct")

	w, err = f.p.MarkPaid(ctx, admin, w.ID, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalPaid, w.Status)
	assert.Equal(t, "tx-1", w.TransactionID)
	require.NotNil(t, w.ProcessedAt)

	// retried with the same transaction converges
	_, err = f.p.MarkPaid(ctx, admin, w.ID, "tx-1")
	require.NoError(t, err)
	_, err = f.p.MarkPaid(ctx, admin, w.ID, "tx-2")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.p.Reject(ctx, admin, w.ID, "late")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	avail, err = f.ledger.AvailableBalance(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), avail)

	entries, err := f.ledger.Entries(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Len(t, f.events.OfType(events.WithdrawalStatusChanged), 3)
}

func TestRejectReleasesRequestableAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "b1", 4500)

	w, err := f.p.Request(ctx, freelancer, "f1", 4500, "bank")
	require.NoError(t, err)
	_, err = f.p.Request(ctx, freelancer, "f1", 1, "bank")
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	w, err = f.p.Reject(ctx, admin, w.ID, "method unverified")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalRejected, w.Status)
	_, err = f.p.Reject(ctx, admin, w.ID, "again")
	require.NoError(t, err)
	_, err = f.p.Approve(ctx, admin, w.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.p.Request(ctx, freelancer, "f1", 4500, "bank")
	require.NoError(t, err)

	list, err := f.p.List(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// rendezvousStore holds the first two withdrawal reads until both arrived.
type rendezvousStore struct {
	*storage.MemoryStore
	calls  atomic.Int32
	arrive sync.WaitGroup
}

func (s *rendezvousStore) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	w, err := s.MemoryStore.GetWithdrawal(ctx, id)
	if s.calls.Add(1) <= 2 {
		s.arrive.Done()
		s.arrive.Wait()
	}
	return w, err
}

func TestRacingMarkPaidKeepsOneTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "b1", 5000)
	w, err := f.p.Request(ctx, models.Actor{ID: "f1", Role: models.RoleFreelancer}, "f1", 3000, "bank")
	require.NoError(t, err)
	_, err = f.p.Approve(ctx, admin, w.ID)
	require.NoError(t, err)

	rs := &rendezvousStore{MemoryStore: f.store}
	rs.arrive.Add(2)
	p := New(rs, f.ledger, f.p.locker, f.events, logging.Discard())
	p.now = f.clock

	var wg sync.WaitGroup
	errs := make([]error, 2)
	got := make([]*models.WithdrawalRequest, 2)
	for i, tx := range []string{"tx-a", "tx-b"} {
		wg.Add(1)
		go func(i int, tx string) {
			defer wg.Done()
			got[i], errs[i] = p.MarkPaid(ctx, admin, w.ID, tx)
		}(i, tx)
	}
	wg.Wait()

	stored, err := f.store.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalPaid, stored.Status)
	var ok int
	for i := range errs {
		if errs[i] == nil {
			ok++
			assert.Equal(t, stored.TransactionID, got[i].TransactionID)
			continue
		}
		assert.ErrorIs(t, errs[i], models.ErrInvalidTransition)
	}
	assert.Equal(t, 1, ok)

	bal, err := f.ledger.Balance(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), bal.Withdrawn)
}
