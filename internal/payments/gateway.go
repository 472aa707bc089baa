// Package payments places, captures and releases holds on client funds.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Hold is one authorization request. Requests with the same Key resolve to
// the same hold; an empty Key falls back to the booking id.
type Hold struct {
	Key       string
	BookingID string
	ClientID  string
	Amount    int64
}

// IdempotencyKey is the key the provider deduplicates this hold on.
func (h Hold) IdempotencyKey() string {
	if h.Key != "" {
		return h.Key
	}
	return "hold:" + h.BookingID
}

type Gateway interface {
	Authorize(ctx context.Context, h Hold) (ref string, err error)
	Capture(ctx context.Context, ref string, amount int64) error
	Cancel(ctx context.Context, ref string) error
}

var ErrUnknownHold = errors.New("unknown payment hold")

type HoldState string

const (
	HoldOpen      HoldState = "open"
	HoldCaptured  HoldState = "captured"
	HoldCancelled HoldState = "cancelled"
)

// FakeHold is the fake gateway's view of one hold.
type FakeHold struct {
	Hold
	Ref      string
	State    HoldState
	Captured int64
}

// Fake is an in-memory Gateway used when no payment provider is configured.
// FailAuthorize and FailCapture inject errors.
type Fake struct {
	mu            sync.Mutex
	holds         map[string]*FakeHold
	byKey         map[string]string
	byBooking     map[string]string
	seq           int
	FailAuthorize error
	FailCapture   error
}

func NewFake() *Fake {
	return &Fake{holds: make(map[string]*FakeHold), byKey: make(map[string]string), byBooking: make(map[string]string)}
}

func (f *Fake) Authorize(_ context.Context, h Hold) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAuthorize != nil {
		return "", f.FailAuthorize
	}
	key := h.IdempotencyKey()
	if ref, ok := f.byKey[key]; ok {
		return ref, nil
	}
	f.seq++
	ref := fmt.Sprintf("pi_fake_%d", f.seq)
	f.holds[ref] = &FakeHold{Hold: h, Ref: ref, State: HoldOpen}
	f.byKey[key] = ref
	f.byBooking[h.BookingID] = ref
	return ref, nil
}

func (f *Fake) Capture(_ context.Context, ref string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCapture != nil {
		return f.FailCapture
	}
	h, ok := f.holds[ref]
	if !ok {
		return ErrUnknownHold
	}
	if h.State != HoldOpen {
		return fmt.Errorf("hold %s is %s", ref, h.State)
	}
	if amount > h.Amount {
		return fmt.Errorf("capture %d exceeds hold %d", amount, h.Amount)
	}
	h.State = HoldCaptured
	h.Captured = amount
	return nil
}

func (f *Fake) Cancel(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[ref]
	if !ok {
		return ErrUnknownHold
	}
	if h.State != HoldOpen {
		return fmt.Errorf("hold %s is %s", ref, h.State)
	}
	h.State = HoldCancelled
	return nil
}

// ForBooking returns a copy of the latest hold placed for a booking.
func (f *Fake) ForBooking(bookingID string) (FakeHold, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.byBooking[bookingID]
	if !ok {
		return FakeHold{}, false
	}
	return *f.holds[ref], true
}

// Get returns a copy of the hold behind ref.
func (f *Fake) Get(ref string) (FakeHold, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[ref]
	if !ok {
		return FakeHold{}, false
	}
	return *h, true
}

// Open counts the holds of a booking that are neither captured nor cancelled.
func (f *Fake) Open(bookingID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.holds {
		if h.BookingID == bookingID && h.State == HoldOpen {
			n++
		}
	}
	return n
}
