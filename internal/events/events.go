// Package events carries outbound notifications of state changes. The core
// publishes and never waits for delivery.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	RequestOpened           Type = "request.opened"
	RequestResolved         Type = "request.resolved"
	RequestCancelled        Type = "request.cancelled"
	RequestExpired          Type = "request.expired"
	BookingStateChanged     Type = "booking.state_changed"
	BookingRefundInstructed Type = "booking.refund_instructed"
	LedgerCredited          Type = "ledger.credited"
	LedgerReversed          Type = "ledger.reversed"
	BalanceAvailable        Type = "balance.available"
	WithdrawalStatusChanged Type = "withdrawal.status_changed"
)

// Event is one outbound message. Key is the entity the event belongs to
// (request, booking, freelancer or withdrawal id) and doubles as the
// partition key, so consumers see each entity's events in order.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Key        string    `json:"key"`
	Recipients []string  `json:"recipients,omitempty"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

func New(t Type, key string, payload any, recipients ...string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Key:        key,
		Recipients: recipients,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher accepts events fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
