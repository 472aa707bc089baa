package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/freelance-dispatch/internal/models"
)

// MemoryStore keeps everything in process. It is used when PG_DSN is unset
// and in tests; values are copied in and out so callers never share state.
type MemoryStore struct {
	mu          sync.RWMutex
	bookings    map[string]*models.Booking
	requests    map[string]*models.InstantRequest
	entries     []models.LedgerEntry
	withdrawals map[string]*models.WithdrawalRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:    make(map[string]*models.Booking),
		requests:    make(map[string]*models.InstantRequest),
		withdrawals: make(map[string]*models.WithdrawalRequest),
	}
}

func copyBooking(b *models.Booking) *models.Booking {
	c := *b
	if b.Quote != nil {
		q := *b.Quote
		c.Quote = &q
	}
	return &c
}

func copyRequest(r *models.InstantRequest) *models.InstantRequest {
	c := *r
	c.Candidates = append([]models.Candidate(nil), r.Candidates...)
	c.Bids = append([]models.Bid(nil), r.Bids...)
	return &c
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return models.ErrStaleWrite
	}
	m.bookings[b.ID] = copyBooking(b)
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyBooking(b), nil
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b *models.Booking, from models.BookingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Status != from {
		return models.ErrStaleWrite
	}
	next := copyBooking(b)
	next.Rating, next.Review = cur.Rating, cur.Review
	m.bookings[b.ID] = next
	return nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, id string, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[id]
	if !ok {
		return models.ErrNotFound
	}
	cur.PaymentRef, cur.PaymentState, cur.AmountPaid = p.Ref, p.State, p.AmountPaid
	return nil
}

func (m *MemoryStore) RateBooking(_ context.Context, id string, stars int, review string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[id]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Status != models.StatusCompleted || cur.Rating != 0 {
		return models.ErrStaleWrite
	}
	cur.Rating, cur.Review = stars, review
	return nil
}

func (m *MemoryStore) ListBookings(_ context.Context, f BookingFilter) ([]*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Booking, 0)
	for _, b := range m.bookings {
		if f.ClientID != "" && b.ClientID != f.ClientID {
			continue
		}
		if f.FreelancerID != "" && b.FreelancerID != f.FreelancerID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		out = append(out, copyBooking(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.InstantRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return models.ErrStaleWrite
	}
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.InstantRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) AppendBid(_ context.Context, id string, bid models.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ErrNotFound
	}
	if r.Resolution != models.Unresolved {
		return models.ErrRequestAlreadyResolved
	}
	r.Bids = append(r.Bids, bid)
	return nil
}

func (m *MemoryStore) ResolveRequest(_ context.Context, id string, to models.ResolutionState, winnerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ErrNotFound
	}
	if r.Resolution != models.Unresolved {
		return models.ErrRequestAlreadyResolved
	}
	r.Resolution = to
	r.WinnerID = winnerID
	r.ResolvedAt = &at
	return nil
}

func (m *MemoryStore) AttachBooking(_ context.Context, id, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ErrNotFound
	}
	r.BookingID = bookingID
	return nil
}

func (m *MemoryStore) ListUnresolved(_ context.Context, createdBefore time.Time) ([]*models.InstantRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.InstantRequest
	for _, r := range m.requests {
		if r.Resolution == models.Unresolved && r.CreatedAt.Before(createdBefore) {
			out = append(out, copyRequest(r))
		}
	}
	return out, nil
}

func sameKey(a, b *models.LedgerEntry) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == models.EntryWithdrawal {
		return a.WithdrawalID == b.WithdrawalID
	}
	return a.BookingID == b.BookingID
}

func (m *MemoryStore) InsertEntry(_ context.Context, e *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if sameKey(&m.entries[i], e) {
			existing := m.entries[i]
			return &existing, false, nil
		}
	}
	m.entries = append(m.entries, *e)
	stored := *e
	return &stored, true, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, freelancerID string) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.FreelancerID == freelancerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) PromoteDue(_ context.Context, now time.Time) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var promoted []models.LedgerEntry
	for i := range m.entries {
		e := &m.entries[i]
		if e.Kind == models.EntryCredit && e.State == models.EntryPending && !e.AvailableAt.After(now) {
			e.State = models.EntryAvailable
			promoted = append(promoted, *e)
		}
	}
	return promoted, nil
}

func (m *MemoryStore) CreateWithdrawal(_ context.Context, w *models.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawals[w.ID]; ok {
		return models.ErrStaleWrite
	}
	c := *w
	m.withdrawals[w.ID] = &c
	return nil
}

func (m *MemoryStore) GetWithdrawal(_ context.Context, id string) (*models.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *w
	return &c, nil
}

func (m *MemoryStore) UpdateWithdrawal(_ context.Context, w *models.WithdrawalRequest, from models.WithdrawalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.withdrawals[w.ID]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Status != from {
		return models.ErrStaleWrite
	}
	c := *w
	m.withdrawals[w.ID] = &c
	return nil
}

func (m *MemoryStore) ListWithdrawals(_ context.Context, freelancerID string, statuses ...models.WithdrawalStatus) ([]*models.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.WithdrawalRequest
	for _, w := range m.withdrawals {
		if freelancerID != "" && w.FreelancerID != freelancerID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, w.Status) {
			continue
		}
		c := *w
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func containsStatus(list []models.WithdrawalStatus, s models.WithdrawalStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
