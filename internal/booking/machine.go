// Package booking runs the booking lifecycle:
// pending -> confirmed -> started -> completed, with cancelled and rejected
// as side exits. Commands on one booking run under its lock, and every
// transition is still a compare-and-set on the stored status, so a rejected
// command leaves the booking untouched.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/freelance-dispatch/internal/alerts"
	"github.com/example/freelance-dispatch/internal/escrow"
	"github.com/example/freelance-dispatch/internal/events"
	"github.com/example/freelance-dispatch/internal/lock"
	"github.com/example/freelance-dispatch/internal/models"
	"github.com/example/freelance-dispatch/internal/observability"
	"github.com/example/freelance-dispatch/internal/otp"
	"github.com/example/freelance-dispatch/internal/payments"
	"github.com/example/freelance-dispatch/internal/storage"
)

// Settlement receives the freelancer's earning when a booking completes.
// Credit must be idempotent on bookingID.
type Settlement interface {
	Credit(ctx context.Context, freelancerID, bookingID string, amount int64) (models.LedgerEntry, error)
}

type Machine struct {
	Store              storage.BookingStore
	Codes              *otp.Gate
	Ledger             Settlement
	Payments           payments.Gateway
	Events             events.Publisher
	Alerts             alerts.Alerter
	Locks              lock.Locker
	Logger             *slog.Logger
	Rates              escrow.Rates
	CancellationWindow time.Duration
	Now                func() time.Time
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// CreateBooking is a scheduled service booking placed by a client, or a
// freelancer's application to a client's job post.
type CreateBooking struct {
	Kind         models.BookingKind   `json:"kind" validate:"required,oneof=service job"`
	ClientID     string               `json:"client_id" validate:"required"`
	FreelancerID string               `json:"freelancer_id" validate:"required"`
	StartAt      time.Time            `json:"start_at" validate:"required"`
	EndAt        *time.Time           `json:"end_at,omitempty"`
	Location     models.Location      `json:"location"`
	BasePrice    int64                `json:"base_price" validate:"gt=0"`
	Policy       models.PaymentPolicy `json:"policy" validate:"required,oneof=advance full"`
}

func (c CreateBooking) check() error {
	if c.Kind != models.KindService && c.Kind != models.KindJob {
		return models.Invalid("unknown booking kind %q", c.Kind)
	}
	if c.ClientID == "" || c.FreelancerID == "" {
		return models.Invalid("client and freelancer are required")
	}
	if c.StartAt.IsZero() {
		return models.Invalid("start time is required")
	}
	if c.EndAt != nil && !c.EndAt.After(c.StartAt) {
		return models.Invalid("end must be after start")
	}
	if c.BasePrice <= 0 {
		return models.Invalid("base price must be > 0, got %d", c.BasePrice)
	}
	if c.Policy != models.PolicyAdvance && c.Policy != models.PolicyFull {
		return models.Invalid("unknown payment policy %q", c.Policy)
	}
	return nil
}

func (m *Machine) Create(ctx context.Context, actor models.Actor, in CreateBooking) (*models.Booking, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	switch {
	case actor.Role == models.RoleSystem:
	case in.Kind == models.KindService && actor.Is(models.RoleClient, in.ClientID):
	case in.Kind == models.KindJob && actor.Is(models.RoleFreelancer, in.FreelancerID):
	default:
		return nil, models.ErrForbidden
	}
	now := m.now()
	b := &models.Booking{
		ID:              uuid.NewString(),
		Kind:            in.Kind,
		ClientID:        in.ClientID,
		FreelancerID:    in.FreelancerID,
		StartAt:         in.StartAt.UTC(),
		EndAt:           in.EndAt,
		Location:        in.Location,
		BasePrice:       in.BasePrice,
		Policy:          in.Policy,
		Status:          models.StatusPending,
		PaymentState:    models.PaymentNone,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	if err := m.Store.CreateBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	m.transitioned(ctx, b, "", actor)
	return b, nil
}

// Match is the outcome of an instant request handed over by the dispatcher.
// BookingID, when set, makes creation repeatable for the same match.
type Match struct {
	BookingID    string
	RequestID    string
	ClientID     string
	FreelancerID string
	Location     models.Location
	Price        int64
	Policy       models.PaymentPolicy
}

// CreateFromMatch creates an instant booking directly in confirmed. The
// payment hold is attempted once; when it fails the booking stays confirmed
// with PaymentState failed and cannot start until AuthorizePayment succeeds.
func (m *Machine) CreateFromMatch(ctx context.Context, in Match) (*models.Booking, error) {
	q, err := escrow.Quote(in.Price, in.Policy, m.Rates)
	if err != nil {
		return nil, err
	}
	id := in.BookingID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	b := &models.Booking{
		ID:              id,
		Kind:            models.KindService,
		ClientID:        in.ClientID,
		FreelancerID:    in.FreelancerID,
		Instant:         true,
		RequestID:       in.RequestID,
		StartAt:         now,
		Location:        in.Location,
		BasePrice:       in.Price,
		Policy:          in.Policy,
		Status:          models.StatusConfirmed,
		Quote:           &q,
		PaymentState:    models.PaymentNone,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	if _, err := m.Codes.Issue(ctx, b.ID, otp.Start); err != nil && !errors.Is(err, models.ErrCodeAlreadyIssued) {
		return nil, fmt.Errorf("issue start code: %w", err)
	}
	m.authorize(ctx, b, "hold:"+b.ID)
	if err := m.Store.CreateBooking(ctx, b); err != nil {
		// a duplicate id means the same match already produced this booking
		// and the hold belongs to it
		if !errors.Is(err, models.ErrStaleWrite) {
			m.releaseHold(ctx, b)
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}
	m.transitioned(ctx, b, "", models.Actor{Role: models.RoleSystem})
	return b, nil
}

// authorize places the hold for the quote's due-now amount under key and
// records the outcome on b. It does not persist.
func (m *Machine) authorize(ctx context.Context, b *models.Booking, key string) {
	ref, err := m.Payments.Authorize(ctx, payments.Hold{Key: key, BookingID: b.ID, ClientID: b.ClientID, Amount: b.Quote.DueNow})
	if err != nil {
		m.Logger.Warn("payment authorization failed", "booking_id", b.ID, "error", err)
		b.PaymentState = models.PaymentFailed
		return
	}
	b.PaymentRef = ref
	b.AmountPaid = b.Quote.DueNow
	b.PaymentState = models.PaymentAuthorized
}

// attemptKey is the idempotency key of one client-driven hold attempt.
func attemptKey(bookingID string) string {
	return "hold:" + bookingID + ":" + uuid.NewString()
}

func (m *Machine) lockBooking(ctx context.Context, id string) (func(), error) {
	unlock, err := m.Locks.Lock(ctx, "booking:"+id)
	if err != nil {
		return nil, fmt.Errorf("lock booking %s: %w", id, err)
	}
	return unlock, nil
}

func (m *Machine) releaseHold(ctx context.Context, b *models.Booking) {
	if b.PaymentState != models.PaymentAuthorized {
		return
	}
	if err := m.Payments.Cancel(ctx, b.PaymentRef); err != nil {
		m.Logger.Error("release payment hold failed", "booking_id", b.ID, "error", err)
	}
}

// Confirm fixes the quote, authorizes the due-now amount and mints the start
// code. Confirming a job application selects that applicant.
func (m *Machine) Confirm(ctx context.Context, actor models.Actor, id string) (*models.Booking, error) {
	unlock, err := m.lockBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := m.Store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(models.RoleClient, b.ClientID) && actor.Role != models.RoleSystem {
		return nil, models.ErrForbidden
	}
	if b.Status != models.StatusPending {
		return nil, models.ErrInvalidTransition
	}
	q, err := escrow.Quote(b.BasePrice, b.Policy, m.Rates)
	if err != nil {
		return nil, err
	}
	b.Quote = &q
	m.authorize(ctx, b, attemptKey(b.ID))
	if b.PaymentState != models.PaymentAuthorized {
		return nil, models.ErrPaymentNotAuthorized
	}
	if _, err := m.Codes.Issue(ctx, b.ID, otp.Start); err != nil && !errors.Is(err, models.ErrCodeAlreadyIssued) {
		m.releaseHold(ctx, b)
		return nil, fmt.Errorf("issue start code: %w", err)
	}
	if err := m.move(ctx, b, models.StatusPending, models.StatusConfirmed); err != nil {
		m.releaseHold(ctx, b)
		return nil, err
	}
	m.transitioned(ctx, b, models.StatusPending, actor)
	return b, nil
}

// AuthorizePayment retries the hold of a confirmed booking whose first
// authorization failed.
func (m *Machine) AuthorizePayment(ctx context.Context, actor models.Actor, id string) (*models.Booking, error) {
	unlock, err := m.lockBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := m.Store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(models.RoleClient, b.ClientID) && actor.Role != models.RoleSystem {
		return nil, models.ErrForbidden
	}
	if b.Status != models.StatusConfirmed || b.Quote == nil {
		return nil, models.ErrInvalidTransition
	}
	if b.PaymentState == models.PaymentAuthorized {
		return b, nil
	}
	m.authorize(ctx, b, attemptKey(b.ID))
	if b.PaymentState != models.PaymentAuthorized {
		return nil, models.ErrPaymentNotAuthorized
	}
	if err := m.Store.UpdatePayment(ctx, b.ID, storage.PaymentOf(b)); err != nil {
		m.releaseHold(ctx, b)
		return nil, fmt.Errorf("update payment: %w", err)
	}
	return b, nil
}

// Start checks the start code and moves confirmed -> started, then mints the
// completion code.
func (m *Machine) Start(ctx context.Context, actor models.Actor, id, code string) (*models.Booking, error) {
	unlock, err := m.lockBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := m.Store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(models.RoleFreelancer, b.FreelancerID) {
		return nil, models.ErrForbidden
	}
	if b.Status != models.StatusConfirmed {
		return nil, models.ErrInvalidTransition
	}
	if b.PaymentState != models.PaymentAuthorized {
		return nil, models.ErrPaymentNotAuthorized
	}
	if err := m.Codes.Verify(ctx, b.ID, otp.Start, code); err != nil {
		observability.OTPRejections.WithLabelValues(string(otp.Start)).Inc()
		return nil, err
	}
	if err := m.move(ctx, b, models.StatusConfirmed, models.StatusStarted); err != nil {
		return nil, err
	}
	if err := m.Codes.Consume(ctx, b.ID, otp.Start); err != nil {
		m.Logger.Warn("consume start code", "booking_id", b.ID, "error", err)
	}
	if _, err := m.Codes.Issue(ctx, b.ID, otp.Completion); err != nil && !errors.Is(err, models.ErrCodeAlreadyIssued) {
		// RevealCode mints it on demand
		m.Logger.Error("issue completion code", "booking_id", b.ID, "error", err)
	}
	m.transitioned(ctx, b, models.StatusConfirmed, actor)
	return b, nil
}

// Complete checks the completion code, credits the freelancer's earning and
// moves started -> completed. The credit is written before the transition and
// is idempotent on the booking id, so a completed booking always has exactly
// one credit and a retried completion converges. The hold is captured after
// the booking lock is released.
func (m *Machine) Complete(ctx context.Context, actor models.Actor, id, code string) (*models.Booking, error) {
	unlock, err := m.lockBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := m.complete(ctx, actor, id, code)
	unlock()
	if err != nil {
		return nil, err
	}
	m.capture(ctx, b, b.AmountPaid)
	return b, nil
}

func (m *Machine) complete(ctx context.Context, actor models.Actor, id, code string) (*models.Booking, error) {
	b, err := m.Store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(models.RoleFreelancer, b.FreelancerID) {
		return nil, models.ErrForbidden
	}
	if b.Status != models.StatusStarted {
		return nil, models.ErrInvalidTransition
	}
	if err := m.Codes.Verify(ctx, b.ID, otp.Completion, code); err != nil {
		observability.OTPRejections.WithLabelValues(string(otp.Completion)).Inc()
		return nil, err
	}
	q, err := escrow.Quote(b.BasePrice, b.Policy, m.Rates)
	if err != nil {
		return nil, err
	}
	if _, err := m.Ledger.Credit(ctx, b.FreelancerID, b.ID, q.FreelancerEarning); err != nil {
		return nil, fmt.Errorf("settle booking %s: %w", b.ID, err)
	}

	now := m.now()
	b.Earning = q.FreelancerEarning
	b.CompletedAt = &now
	if err := m.move(ctx, b, models.StatusStarted, models.StatusCompleted); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			m.checkSettled(ctx, b.ID)
		}
		return nil, err
	}
	if err := m.Codes.Consume(ctx, b.ID, otp.Completion); err != nil {
		m.Logger.Warn("consume completion code", "booking_id", b.ID, "error", err)
	}
	m.transitioned(ctx, b, models.StatusStarted, actor)
	return b, nil
}

// checkSettled raises an alert when a booking was credited but lost the race
// to completed to something else.
func (m *Machine) checkSettled(ctx context.Context, id string) {
	cur, err := m.Store.GetBooking(ctx, id)
	if err != nil || cur.Status == models.StatusCompleted {
		return
	}
	alerts.Raise(ctx, m.Alerts, m.Logger, alerts.Alert{
		Code:    "credit_without_completion",
		Message: "booking credited but not completed",
		Subject: id,
		Fields:  map[string]any{"status": cur.Status},
	})
}

// capture collects amount of the hold, or releases it when amount is zero,
// and persists the payment state. Failures are logged; the booking state is
// already committed.
func (m *Machine) capture(ctx context.Context, b *models.Booking, amount int64) {
	if b.PaymentState != models.PaymentAuthorized {
		return
	}
	var err error
	if amount > 0 {
		err = m.Payments.Capture(ctx, b.PaymentRef, amount)
		if err == nil {
			b.PaymentState = models.PaymentCaptured
		}
	} else {
		err = m.Payments.Cancel(ctx, b.PaymentRef)
		if err == nil {
			b.PaymentState = models.PaymentReleased
		}
	}
	if err != nil {
		m.Logger.Error("payment settlement failed", "booking_id", b.ID, "amount", amount, "error", err)
		return
	}
	if err := m.Store.UpdatePayment(ctx, b.ID, storage.PaymentOf(b)); err != nil {
		m.Logger.Error("persist payment state", "booking_id", b.ID, "error", err)
	}
}

type CancelOptions struct {
	Reason string `json:"reason"`
	// RefundPercent is the freelancer-declared refund for scheduled service
	// bookings. Instant bookings and job posts ignore it.
	RefundPercent int `json:"refund_percent" validate:"gte=0,lte=100"`
}

// Cancel moves pending or confirmed -> cancelled and returns the refund the
// payment collaborator must enact.
//
//	instant:           client or freelancer, before start, full refund
//	scheduled service: client, declared percent
//	job post:          client, half when at least the window before start
func (m *Machine) Cancel(ctx context.Context, actor models.Actor, id string, opts CancelOptions) (*models.Booking, escrow.RefundInstruction, error) {
	unlock, err := m.lockBooking(ctx, id)
	if err != nil {
		return nil, escrow.RefundInstruction{}, err
	}
	b, refund, err := m.cancel(ctx, actor, id, opts)
	unlock()
	if err != nil {
		return nil, escrow.RefundInstruction{}, err
	}
	m.capture(ctx, b, refund.AmountPaid-refund.RefundAmount)
	return b, refund, nil
}

func (m *Machine) cancel(ctx context.Context, actor models.Actor, id string, opts CancelOptions) (*models.Booking, escrow.RefundInstruction, error) {
	b, err := m.Store.GetBooking(ctx, id)
	if err != nil {
		return nil, escrow.RefundInstruction{}, err
	}
	operator := actor.Role == models.RoleAdmin || actor.Role == models.RoleSystem
	party := actor.Is(models.RoleClient, b.ClientID)
	if b.Instant {
		party = party || actor.Is(models.RoleFreelancer, b.FreelancerID)
	}
	if !party && !operator {
		return nil, escrow.RefundInstruction{}, models.ErrForbidden
	}
	switch b.Status {
	case models.StatusPending, models.StatusConfirmed:
	case models.StatusStarted:
		return nil, escrow.RefundInstruction{}, models.ErrCancellationNotAllowed
	default:
		return nil, escrow.RefundInstruction{}, models.ErrInvalidTransition
	}

	now := m.now()
	refund, err := escrow.CancellationRefund(b.ID, escrow.RefundPolicy{
		Kind:            b.Kind,
		Instant:         b.Instant,
		AmountPaid:      b.AmountPaid,
		StartAt:         b.StartAt,
		CancelAt:        now,
		Window:          m.CancellationWindow,
		DeclaredPercent: opts.RefundPercent,
	})
	if err != nil {
		return nil, escrow.RefundInstruction{}, err
	}

	from := b.Status
	b.CancelledBy = actor.ID
	b.CancelReason = strings.TrimSpace(opts.Reason)
	if err := m.move(ctx, b, from, models.StatusCancelled); err != nil {
		return nil, escrow.RefundInstruction{}, err
	}
	m.transitioned(ctx, b, from, actor)
	m.Events.Publish(ctx, events.New(events.BookingRefundInstructed, b.ID, refund, b.ClientID))
	return b, refund, nil
}

// Reject declines a pending job application.
func (m *Machine) Reject(ctx context.Context, actor models.Actor, id string) (*models.Booking, error) {
	unlock, err := m.lockBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := m.Store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(models.RoleClient, b.ClientID) && actor.Role != models.RoleSystem {
		return nil, models.ErrForbidden
	}
	if b.Kind != models.KindJob || b.Status != models.StatusPending {
		return nil, models.ErrInvalidTransition
	}
	if err := m.move(ctx, b, models.StatusPending, models.StatusRejected); err != nil {
		return nil, err
	}
	m.transitioned(ctx, b, models.StatusPending, actor)
	return b, nil
}

// Rate records the client's rating of a completed booking, once.
func (m *Machine) Rate(ctx context.Context, actor models.Actor, id string, stars int, review string) (*models.Booking, error) {
	if stars < 1 || stars > 5 {
		return nil, models.Invalid("rating must be within [1,5], got %d", stars)
	}
	unlock, err := m.lockBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := m.Store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Is(models.RoleClient, b.ClientID) {
		return nil, models.ErrForbidden
	}
	if b.Status != models.StatusCompleted {
		return nil, models.ErrInvalidTransition
	}
	if b.Rating != 0 {
		return nil, models.ErrAlreadyRated
	}
	review = strings.TrimSpace(review)
	if err := m.Store.RateBooking(ctx, b.ID, stars, review); err != nil {
		if errors.Is(err, models.ErrStaleWrite) {
			return nil, models.ErrAlreadyRated
		}
		return nil, fmt.Errorf("rate booking: %w", err)
	}
	b.Rating, b.Review = stars, review
	return b, nil
}

// RevealCode hands a code to the booking's client: the start code once
// confirmed, the completion code only once started.
func (m *Machine) RevealCode(ctx context.Context, actor models.Actor, id string, p otp.Purpose) (string, error) {
	b, err := m.Store.GetBooking(ctx, id)
	if err != nil {
		return "", err
	}
	if !actor.Is(models.RoleClient, b.ClientID) && actor.Role != models.RoleAdmin {
		return "", models.ErrForbidden
	}
	switch {
	case p == otp.Start && b.Status == models.StatusConfirmed:
	case p == otp.Completion && b.Status == models.StatusStarted:
	default:
		return "", models.ErrCodeNotAvailable
	}
	code, err := m.Codes.Reveal(ctx, b.ID, p)
	if errors.Is(err, models.ErrNotFound) {
		code, err = m.Codes.Issue(ctx, b.ID, p)
		if errors.Is(err, models.ErrCodeAlreadyIssued) {
			code, err = m.Codes.Reveal(ctx, b.ID, p)
		}
	}
	return code, err
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Booking, error) {
	return m.Store.GetBooking(ctx, id)
}

func (m *Machine) List(ctx context.Context, f storage.BookingFilter) ([]*models.Booking, error) {
	return m.Store.ListBookings(ctx, f)
}

// move writes b with status to, provided the stored status is still from.
// Losing the race is reported as an invalid transition.
func (m *Machine) move(ctx context.Context, b *models.Booking, from, to models.BookingStatus) error {
	prev := b.Status
	b.Status = to
	b.StatusChangedAt = m.now()
	if err := m.Store.UpdateBooking(ctx, b, from); err != nil {
		b.Status = prev
		if errors.Is(err, models.ErrStaleWrite) {
			return models.ErrInvalidTransition
		}
		return fmt.Errorf("update booking: %w", err)
	}
	return nil
}

// StateChange is the payload of booking.state_changed.
type StateChange struct {
	BookingID    string               `json:"booking_id"`
	From         models.BookingStatus `json:"from,omitempty"`
	To           models.BookingStatus `json:"to"`
	Actor        models.Actor         `json:"actor"`
	Instant      bool                 `json:"instant"`
	PaymentState models.PaymentState  `json:"payment_state"`
	At           time.Time            `json:"at"`
}

func (m *Machine) transitioned(ctx context.Context, b *models.Booking, from models.BookingStatus, actor models.Actor) {
	observability.BookingTransitions.WithLabelValues(string(b.Status)).Inc()
	m.Logger.Info("booking transitioned", "booking_id", b.ID, "from", from, "to", b.Status, "actor", actor.ID, "role", actor.Role)
	m.Events.Publish(ctx, events.New(events.BookingStateChanged, b.ID, StateChange{
		BookingID:    b.ID,
		From:         from,
		To:           b.Status,
		Actor:        actor,
		Instant:      b.Instant,
		PaymentState: b.PaymentState,
		At:           b.StatusChangedAt,
	}, b.ClientID, b.FreelancerID))
}
