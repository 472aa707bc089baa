package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/freelance-dispatch/internal/booking"
	"github.com/example/freelance-dispatch/internal/dispatch"
	"github.com/example/freelance-dispatch/internal/eta"
	"github.com/example/freelance-dispatch/internal/events"
	"github.com/example/freelance-dispatch/internal/geo"
	"github.com/example/freelance-dispatch/internal/models"
	"github.com/example/freelance-dispatch/internal/observability"
	"github.com/example/freelance-dispatch/internal/storage"
)

// Bookings is the part of the booking machine the dispatcher hands winners to.
type Bookings interface {
	CreateFromMatch(ctx context.Context, m booking.Match) (*models.Booking, error)
	Get(ctx context.Context, id string) (*models.Booking, error)
}

// Dispatcher broadcasts instant requests to nearby freelancers and arbitrates
// acceptance. The store's ResolveRequest is the only arbitration point: the
// first caller to move a request out of unresolved wins.
type Dispatcher struct {
	Store           storage.RequestStore
	Geo             geo.Index
	Notify          dispatch.Notifier
	ETA             *eta.Estimator // optional
	Bookings        Bookings
	Events          events.Publisher
	Logger          *slog.Logger
	DefaultRadiusKm float64
	MaxCandidates   int
	TTL             time.Duration
	NotifyTimeout   time.Duration
	Now             func() time.Time

	wg sync.WaitGroup
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

type OpenRequest struct {
	Category  string               `json:"category" validate:"required"`
	Location  models.Location      `json:"location"`
	RadiusKm  float64              `json:"radius_km" validate:"gte=0"`
	BasePrice int64                `json:"base_price" validate:"gte=0"`
	Policy    models.PaymentPolicy `json:"policy" validate:"omitempty,oneof=advance full"`
}

// OpenRequest selects online freelancers of the category within the radius,
// nearest first, stores the request and notifies every candidate
// concurrently without waiting for delivery.
func (d *Dispatcher) OpenRequest(ctx context.Context, actor models.Actor, in OpenRequest) (*models.InstantRequest, error) {
	if actor.Role != models.RoleClient || actor.ID == "" {
		return nil, models.ErrForbidden
	}
	in.Category = strings.TrimSpace(in.Category)
	if in.Category == "" {
		return nil, models.Invalid("category is required")
	}
	if in.Location.Lat < -90 || in.Location.Lat > 90 || in.Location.Lon < -180 || in.Location.Lon > 180 {
		return nil, models.Invalid("location out of range")
	}
	if in.RadiusKm < 0 || in.BasePrice < 0 {
		return nil, models.Invalid("radius and base price must not be negative")
	}
	if in.RadiusKm == 0 {
		in.RadiusKm = d.DefaultRadiusKm
	}
	switch in.Policy {
	case "":
		in.Policy = models.PolicyAdvance
	case models.PolicyAdvance, models.PolicyFull:
	default:
		return nil, models.Invalid("unknown payment policy %q", in.Policy)
	}

	cands, err := d.Geo.Nearby(ctx, in.Category, in.Location.Coord, in.RadiusKm, d.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	if len(cands) == 0 {
		return nil, models.ErrNoCandidates
	}
	if d.ETA != nil {
		for i := range cands {
			cands[i].ETASeconds = d.ETA.Seconds(ctx, cands[i].Loc, in.Location.Coord)
		}
	}

	r := &models.InstantRequest{
		ID:         uuid.NewString(),
		ClientID:   actor.ID,
		Category:   in.Category,
		Location:   in.Location,
		RadiusKm:   in.RadiusKm,
		BasePrice:  in.BasePrice,
		Policy:     in.Policy,
		Candidates: cands,
		Resolution: models.Unresolved,
		CreatedAt:  d.now(),
	}
	if err := d.Store.CreateRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	observability.RequestsOpened.Inc()
	observability.CandidatesPerReq.Observe(float64(len(cands)))
	d.Logger.Info("instant request opened", "request_id", r.ID, "client_id", r.ClientID, "category", r.Category, "candidates", len(cands))

	d.Events.Publish(ctx, events.New(events.RequestOpened, r.ID, r, candidateIDs(r.Candidates)...))
	sent := d.now()
	d.fanOut(ctx, r.Candidates, "", func(c models.Candidate) dispatch.Notification {
		return dispatch.Notification{
			Kind:       dispatch.RequestOffered,
			RequestID:  r.ID,
			Category:   r.Category,
			DistanceKm: c.DistanceKm,
			ETASeconds: c.ETASeconds,
			BasePrice:  r.BasePrice,
			SentAt:     sent,
		}
	})
	return r, nil
}

// SubmitBid records a candidate's price while the request is unresolved.
func (d *Dispatcher) SubmitBid(ctx context.Context, actor models.Actor, requestID string, price int64) (models.Bid, error) {
	if actor.Role != models.RoleFreelancer {
		return models.Bid{}, models.ErrForbidden
	}
	if price <= 0 {
		return models.Bid{}, models.Invalid("bid price must be > 0, got %d", price)
	}
	r, err := d.Store.GetRequest(ctx, requestID)
	if err != nil {
		return models.Bid{}, err
	}
	if r.Resolution != models.Unresolved {
		return models.Bid{}, models.ErrRequestAlreadyResolved
	}
	if !r.HasCandidate(actor.ID) {
		return models.Bid{}, models.ErrNotCandidate
	}
	bid := models.Bid{FreelancerID: actor.ID, Price: price, At: d.now()}
	if err := d.Store.AppendBid(ctx, requestID, bid); err != nil {
		return models.Bid{}, err
	}
	observability.BidsTotal.Inc()
	return bid, nil
}

// bookingIDFor derives the instant booking id from the request so a retried
// acceptance by the winner finds the same booking.
func bookingIDFor(requestID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("instant-booking:"+requestID)).String()
}

// Accept resolves the request in favour of freelancerID and creates the
// confirmed booking. It may be called by that freelancer or by the client
// choosing a bidder. Every other caller gets ErrRequestAlreadyResolved.
func (d *Dispatcher) Accept(ctx context.Context, actor models.Actor, requestID, freelancerID string) (*models.Booking, error) {
	r, err := d.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !actor.Is(models.RoleFreelancer, freelancerID) && !actor.Is(models.RoleClient, r.ClientID) {
		return nil, models.ErrForbidden
	}
	if !r.HasCandidate(freelancerID) {
		return nil, models.ErrNotCandidate
	}
	price := r.BasePrice
	if bid, ok := r.LatestBid(freelancerID); ok {
		price = bid.Price
	}
	if price <= 0 {
		return nil, models.ErrNoPrice
	}

	switch {
	case r.Resolution == models.Unresolved:
		at := d.now()
		if err := d.Store.ResolveRequest(ctx, requestID, models.Accepted, freelancerID, at); err != nil {
			if errors.Is(err, models.ErrRequestAlreadyResolved) {
				observability.AcceptsLost.Inc()
			}
			return nil, err
		}
		r.Resolution, r.WinnerID, r.ResolvedAt = models.Accepted, freelancerID, &at
		observability.RequestsResolved.WithLabelValues(string(models.Accepted)).Inc()
		observability.MatchLatency.Observe(at.Sub(r.CreatedAt).Seconds())
		d.Logger.Info("instant request accepted", "request_id", r.ID, "freelancer_id", freelancerID, "price", price)
		d.closed(ctx, r, events.RequestResolved, dispatch.RequestClosed)
	case r.Resolution == models.Accepted && r.WinnerID == freelancerID && r.BookingID == "":
		// the winner retrying after booking creation failed
	default:
		observability.AcceptsLost.Inc()
		return nil, models.ErrRequestAlreadyResolved
	}

	id := bookingIDFor(r.ID)
	b, err := d.Bookings.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		b, err = d.Bookings.CreateFromMatch(ctx, booking.Match{
			BookingID:    id,
			RequestID:    r.ID,
			ClientID:     r.ClientID,
			FreelancerID: freelancerID,
			Location:     r.Location,
			Price:        price,
			Policy:       r.Policy,
		})
	}
	if err != nil {
		d.Logger.Error("create booking for accepted request", "request_id", r.ID, "freelancer_id", freelancerID, "error", err)
		return nil, err
	}
	if err := d.Store.AttachBooking(ctx, r.ID, b.ID); err != nil {
		d.Logger.Warn("attach booking to request", "request_id", r.ID, "booking_id", b.ID, "error", err)
	}
	return b, nil
}

// Cancel withdraws an unresolved request. After acceptance cancellation goes
// through the booking.
func (d *Dispatcher) Cancel(ctx context.Context, actor models.Actor, requestID string) (*models.InstantRequest, error) {
	r, err := d.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !actor.Is(models.RoleClient, r.ClientID) {
		return nil, models.ErrForbidden
	}
	at := d.now()
	if err := d.Store.ResolveRequest(ctx, requestID, models.Cancelled, "", at); err != nil {
		return nil, err
	}
	r.Resolution, r.ResolvedAt = models.Cancelled, &at
	observability.RequestsResolved.WithLabelValues(string(models.Cancelled)).Inc()
	d.Logger.Info("instant request cancelled", "request_id", r.ID)
	d.closed(ctx, r, events.RequestCancelled, dispatch.RequestCancelled)
	return r, nil
}

// ExpireStale resolves every request left unresolved longer than TTL.
func (d *Dispatcher) ExpireStale(ctx context.Context) (int, error) {
	if d.TTL <= 0 {
		return 0, nil
	}
	now := d.now()
	stale, err := d.Store.ListUnresolved(ctx, now.Add(-d.TTL))
	if err != nil {
		return 0, fmt.Errorf("list unresolved: %w", err)
	}
	n := 0
	for _, r := range stale {
		if err := d.Store.ResolveRequest(ctx, r.ID, models.Expired, "", now); err != nil {
			if errors.Is(err, models.ErrRequestAlreadyResolved) {
				continue
			}
			return n, err
		}
		n++
		r.Resolution, r.ResolvedAt = models.Expired, &now
		observability.RequestsResolved.WithLabelValues(string(models.Expired)).Inc()
		d.closed(ctx, r, events.RequestExpired, dispatch.RequestExpired)
	}
	if n > 0 {
		d.Logger.Info("instant requests expired", "count", n)
	}
	return n, nil
}

func (d *Dispatcher) Get(ctx context.Context, requestID string) (*models.InstantRequest, error) {
	return d.Store.GetRequest(ctx, requestID)
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// closed announces a resolution to the client and to every candidate except
// the winner.
func (d *Dispatcher) closed(ctx context.Context, r *models.InstantRequest, et events.Type, kind dispatch.Kind) {
	recipients := append([]string{r.ClientID}, candidateIDs(r.Candidates)...)
	d.Events.Publish(ctx, events.New(et, r.ID, r, recipients...))
	sent := d.now()
	d.fanOut(ctx, r.Candidates, r.WinnerID, func(models.Candidate) dispatch.Notification {
		return dispatch.Notification{Kind: kind, RequestID: r.ID, WinnerID: r.WinnerID, SentAt: sent}
	})
}

// fanOut notifies candidates in parallel. Failures are logged and counted,
// never returned.
func (d *Dispatcher) fanOut(ctx context.Context, cands []models.Candidate, skip string, build func(models.Candidate) dispatch.Notification) {
	timeout := d.NotifyTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	base := context.WithoutCancel(ctx)
	for _, c := range cands {
		if c.FreelancerID == skip {
			continue
		}
		n := build(c)
		d.wg.Add(1)
		go func(id string) {
			defer d.wg.Done()
			nctx, cancel := context.WithTimeout(base, timeout)
			defer cancel()
			if err := d.Notify.Notify(nctx, id, n); err != nil {
				observability.NotificationFailures.Inc()
				d.Logger.Warn("candidate notification failed", "freelancer_id", id, "request_id", n.RequestID, "kind", n.Kind, "error", err)
			}
		}(c.FreelancerID)
	}
}

func candidateIDs(cands []models.Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.FreelancerID)
	}
	return out
}
