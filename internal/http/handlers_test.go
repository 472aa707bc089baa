package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freelance-dispatch/internal/alerts"
	"github.com/example/freelance-dispatch/internal/booking"
	"github.com/example/freelance-dispatch/internal/config"
	"github.com/example/freelance-dispatch/internal/dispatch"
	"github.com/example/freelance-dispatch/internal/escrow"
	"github.com/example/freelance-dispatch/internal/events"
	"github.com/example/freelance-dispatch/internal/geo"
	"github.com/example/freelance-dispatch/internal/ledger"
	"github.com/example/freelance-dispatch/internal/lock"
	"github.com/example/freelance-dispatch/internal/logging"
	"github.com/example/freelance-dispatch/internal/matcher"
	"github.com/example/freelance-dispatch/internal/models"
	"github.com/example/freelance-dispatch/internal/otp"
	"github.com/example/freelance-dispatch/internal/payments"
	"github.com/example/freelance-dispatch/internal/storage"
	"github.com/example/freelance-dispatch/internal/withdrawal"
)

type capturedLocations struct{ got []models.Freelancer }

func (c *capturedLocations) PublishLocation(_ context.Context, f models.Freelancer) error {
	c.got = append(c.got, f)
	return nil
}

type testAPI struct {
	srv       *Server
	locations *capturedLocations
	dispatch  *matcher.Dispatcher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dc := config.DefaultDomainConfig()
	st := storage.NewMemoryStore()
	rec := events.NewRecorder()
	al := alerts.NewRecorder()
	logger := logging.Discard()
	locks := lock.NewKeyedMutex()
	l := ledger.New(st, rec, al, logger, dc.HoldWindow(), ledger.WithLocker(locks))
	machine := &booking.Machine{
		Store:              st,
		Codes:              otp.NewGate(otp.NewMemoryStore()),
		Ledger:             l,
		Payments:           payments.NewFake(),
		Events:             rec,
		Alerts:             al,
		Locks:              locks,
		Logger:             logger,
		Rates:              dc.Rates(),
		CancellationWindow: dc.CancellationWindow(),
	}
	idx := geo.NewMemoryIndex()
	d := &matcher.Dispatcher{
		Store:           st,
		Geo:             idx,
		Notify:          dispatch.LogNotifier{Logger: logger},
		Bookings:        machine,
		Events:          rec,
		Logger:          logger,
		DefaultRadiusKm: dc.InstantRequestRadiusKm,
		MaxCandidates:   dc.MaxCandidates,
		TTL:             dc.InstantRequestTTL,
	}
	locs := &capturedLocations{}
	srv := NewServer(Deps{
		Dispatcher:  d,
		Bookings:    machine,
		Ledger:      l,
		Withdrawals: withdrawal.New(st, l, locks, rec, logger),
		Geo:         idx,
		Locations:   locs,
		WSReg:       dispatch.NewWSRegistry(),
		Rates:       dc.Rates(),
	}, logger)
	return &testAPI{srv: srv, locations: locs, dispatch: d}
}

func (a *testAPI) do(t *testing.T, method, path string, actor *models.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req.ContentLength = 0
	}
	if actor != nil {
		req.Header.Set("X-Actor-ID", actor.ID)
		req.Header.Set("X-Actor-Role", string(actor.Role))
	}
	w := httptest.NewRecorder()
	a.srv.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

var (
	client     = &models.Actor{ID: "c1", Role: models.RoleClient}
	freelancer = &models.Actor{ID: "f1", Role: models.RoleFreelancer}
	admin      = &models.Actor{ID: "ops", Role: models.RoleAdmin}
)

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestQuoteEndpoint(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/v1/quotes", nil, map[string]any{"base_price": 5000, "policy": "advance"})
	require.Equal(t, http.StatusOK, w.Code)
	q := decodeBody[models.Quote](t, w)
	assert.Equal(t, int64(5940), q.TotalAmount)
	assert.Equal(t, int64(1782), q.DueNow)
	assert.Equal(t, int64(4158), q.DueOnCompletion)
}

func TestValidationErrorsCarryDetails(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/v1/quotes", nil, map[string]any{"base_price": 0, "policy": "later"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeBody[ErrorResponse](t, w)
	assert.Equal(t, "validation", resp.Code)
	assert.Contains(t, resp.Details, "BasePrice")
	assert.Contains(t, resp.Details, "Policy")

	w = a.do(t, http.MethodPost, "/api/v1/quotes", nil, map[string]any{"base_price": 10, "policy": "full", "extra": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMissingActorIsUnauthorized(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/api/v1/freelancers/f1/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = a.do(t, http.MethodGet, "/api/v1/freelancers/f1/balance", &models.Actor{ID: "x", Role: "root"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBalanceIsPrivate(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/api/v1/freelancers/f1/balance", &models.Actor{ID: "f2", Role: models.RoleFreelancer}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/freelancers/f1/balance", freelancer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bal := decodeBody[ledger.Balance](t, w)
	assert.Zero(t, bal.Available)
}

func TestInstantFlowOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	at := models.Coord{Lat: 12.97, Lon: 77.59}

	w := a.do(t, http.MethodPost, "/internal/freelancers/locations", nil, models.Freelancer{ID: "f1", Category: "plumber", Loc: at, Online: true})
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, a.locations.got, 1)

	w = a.do(t, http.MethodPost, "/api/v1/requests", client, map[string]any{
		"category": "plumber", "location": map[string]any{"lat": at.Lat, "lon": at.Lon}, "base_price": 5000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ir := decodeBody[models.InstantRequest](t, w)
	require.Len(t, ir.Candidates, 1)

	w = a.do(t, http.MethodPost, "/api/v1/requests/"+ir.ID+"/accept", freelancer, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decodeBody[models.Booking](t, w)
	assert.Equal(t, models.StatusConfirmed, b.Status)

	w = a.do(t, http.MethodPost, "/api/v1/requests/"+ir.ID+"/accept", &models.Actor{ID: "f9", Role: models.RoleFreelancer}, map[string]any{"freelancer_id": "f9"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "not_candidate", decodeBody[ErrorResponse](t, w).Code)
	w = a.do(t, http.MethodPost, "/api/v1/requests/"+ir.ID+"/cancel", client, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID+"/codes/start", freelancer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID+"/codes/start", client, nil)
	require.Equal(t, http.StatusOK, w.Code)
	start := decodeBody[map[string]string](t, w)["code"]

	w = a.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/start", freelancer, map[string]string{"code": "000000x"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_start_code", decodeBody[ErrorResponse](t, w).Code)

	w = a.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/start", freelancer, map[string]string{"code": start})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID+"/codes/completion", client, nil)
	require.Equal(t, http.StatusOK, w.Code)
	done := decodeBody[map[string]string](t, w)["code"]

	w = a.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/complete", freelancer, map[string]string{"code": done})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	completed := decodeBody[models.Booking](t, w)
	assert.Equal(t, models.StatusCompleted, completed.Status)

	q, err := escrow.Quote(5000, models.PolicyAdvance, config.DefaultDomainConfig().Rates())
	require.NoError(t, err)
	w = a.do(t, http.MethodGet, "/api/v1/freelancers/f1/balance", freelancer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bal := decodeBody[ledger.Balance](t, w)
	assert.Equal(t, q.FreelancerEarning, bal.Pending)
	assert.Zero(t, bal.Available)

	// nothing is available yet
	w = a.do(t, http.MethodPost, "/api/v1/withdrawals", freelancer, map[string]any{"amount": 100, "method": "bank"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_balance", decodeBody[ErrorResponse](t, w).Code)

	w = a.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/rating", client, map[string]any{"stars": 5, "review": "quick"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = a.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/rating", client, map[string]any{"stars": 4})
	assert.Equal(t, http.StatusConflict, w.Code)

	reversal := map[string]any{"booking_id": b.ID, "amount": 500}
	w = a.do(t, http.MethodPost, "/api/v1/freelancers/f1/reversals", freelancer, reversal)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, http.MethodPost, "/api/v1/freelancers/f1/reversals", admin, map[string]any{"booking_id": b.ID, "amount": q.FreelancerEarning + 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodPost, "/api/v1/freelancers/f1/reversals", admin, reversal)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, models.EntryReversal, decodeBody[models.LedgerEntry](t, w).Kind)
	w = a.do(t, http.MethodGet, "/api/v1/freelancers/f1/balance", freelancer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, q.FreelancerEarning-500, decodeBody[ledger.Balance](t, w).Pending)

	a.dispatch.Wait()
}

func TestCancelBookingReturnsRefund(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/v1/bookings", freelancer, map[string]any{
		"kind": "job", "client_id": "c1", "freelancer_id": "f1",
		"start_at": time.Now().Add(72 * time.Hour).UTC(), "base_price": 5000, "policy": "advance",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decodeBody[models.Booking](t, w)

	w = a.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/confirm", client, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	b = decodeBody[models.Booking](t, w)

	w = a.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID+"/cancel", client, map[string]any{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[cancelResponse](t, w)
	assert.Equal(t, models.StatusCancelled, resp.Booking.Status)
	assert.Equal(t, 50, resp.Refund.Percent)
	assert.Equal(t, b.AmountPaid/2, resp.Refund.RefundAmount)
}

func TestListBookingsScopedToCaller(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/api/v1/bookings", client, map[string]any{
		"kind": "service", "client_id": "c1", "freelancer_id": "f1",
		"start_at": time.Now().Add(24 * time.Hour).UTC(), "base_price": 5000, "policy": "full",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, "/api/v1/bookings?client_id=c1", &models.Actor{ID: "c2", Role: models.RoleClient}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[map[string][]models.Booking](t, w)
	assert.Empty(t, list["bookings"])

	w = a.do(t, http.MethodGet, "/api/v1/bookings", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = decodeBody[map[string][]models.Booking](t, w)
	assert.Len(t, list["bookings"], 1)
}

func TestUnknownResourceIs404(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/api/v1/withdrawals/nope", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
