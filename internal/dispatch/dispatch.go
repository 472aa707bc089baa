// Package dispatch delivers candidate notifications to freelancer devices.
package dispatch

import (
	"context"
	"log/slog"
	"time"
)

type Kind string

const (
	RequestOffered   Kind = "request.offered"
	RequestClosed    Kind = "request.closed"
	RequestCancelled Kind = "request.cancelled"
	RequestExpired   Kind = "request.expired"
)

// Notification is what a freelancer's app receives about an instant request.
type Notification struct {
	Kind       Kind      `json:"kind"`
	RequestID  string    `json:"request_id"`
	Category   string    `json:"category,omitempty"`
	DistanceKm float64   `json:"distance_km,omitempty"`
	ETASeconds float64   `json:"eta_seconds,omitempty"`
	BasePrice  int64     `json:"base_price,omitempty"`
	WinnerID   string    `json:"winner_id,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

type Notifier interface {
	Notify(ctx context.Context, freelancerID string, n Notification) error
}

// LogNotifier only logs. It stands in when no push endpoint is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (d LogNotifier) Notify(_ context.Context, freelancerID string, n Notification) error {
	d.Logger.Info("notify", "freelancer_id", freelancerID, "kind", n.Kind, "request_id", n.RequestID)
	return nil
}
