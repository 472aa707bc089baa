// Package httpapi exposes the dispatch core over HTTP/JSON.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/freelance-dispatch/internal/booking"
	"github.com/example/freelance-dispatch/internal/dispatch"
	"github.com/example/freelance-dispatch/internal/escrow"
	"github.com/example/freelance-dispatch/internal/geo"
	"github.com/example/freelance-dispatch/internal/ledger"
	"github.com/example/freelance-dispatch/internal/matcher"
	"github.com/example/freelance-dispatch/internal/models"
	"github.com/example/freelance-dispatch/internal/observability"
	"github.com/example/freelance-dispatch/internal/otp"
	"github.com/example/freelance-dispatch/internal/storage"
	"github.com/example/freelance-dispatch/internal/withdrawal"
)

// LocationPublisher forwards location pings to the ingest topic.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, f models.Freelancer) error
}

// Deps are the services the API fronts. Locations is optional.
type Deps struct {
	Dispatcher  *matcher.Dispatcher
	Bookings    *booking.Machine
	Ledger      *ledger.Ledger
	Withdrawals *withdrawal.Pipeline
	Geo         geo.Index
	Locations   LocationPublisher
	WSReg       *dispatch.WSRegistry
	Rates       escrow.Rates
}

type Server struct {
	Deps
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{Deps: deps, logger: logger, validate: validator.New(), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{freelancer_id}", s.handleWS)
	s.mux.HandleFunc("/internal/freelancers/locations", s.handleLocation).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quotes", s.handleQuote).Methods("POST")

	api.HandleFunc("/requests", s.handleOpenRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/bids", s.handleBid).Methods("POST")
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")

	api.HandleFunc("/bookings", s.handleCreateBooking).Methods("POST")
	api.HandleFunc("/bookings", s.handleListBookings).Methods("GET")
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/bookings/{id}/confirm", s.bookingAction(s.Bookings.Confirm)).Methods("POST")
	api.HandleFunc("/bookings/{id}/authorize", s.bookingAction(s.Bookings.AuthorizePayment)).Methods("POST")
	api.HandleFunc("/bookings/{id}/reject", s.bookingAction(s.Bookings.Reject)).Methods("POST")
	api.HandleFunc("/bookings/{id}/start", s.codeAction(s.Bookings.Start)).Methods("POST")
	api.HandleFunc("/bookings/{id}/complete", s.codeAction(s.Bookings.Complete)).Methods("POST")
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancelBooking).Methods("POST")
	api.HandleFunc("/bookings/{id}/rating", s.handleRate).Methods("POST")
	api.HandleFunc("/bookings/{id}/codes/{purpose}", s.handleRevealCode).Methods("GET")

	api.HandleFunc("/freelancers/{id}/balance", s.handleBalance).Methods("GET")
	api.HandleFunc("/freelancers/{id}/ledger", s.handleEntries).Methods("GET")
	api.HandleFunc("/freelancers/{id}/reversals", s.handleReverse).Methods("POST")

	api.HandleFunc("/withdrawals", s.handleRequestWithdrawal).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleListWithdrawals).Methods("GET")
	api.HandleFunc("/withdrawals/{id}", s.handleGetWithdrawal).Methods("GET")
	api.HandleFunc("/withdrawals/{id}/approve", s.handleApproveWithdrawal).Methods("POST")
	api.HandleFunc("/withdrawals/{id}/paid", s.handleMarkPaid).Methods("POST")
	api.HandleFunc("/withdrawals/{id}/reject", s.handleRejectWithdrawal).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// actorFrom reads the caller identity set by the gateway in front of us.
func actorFrom(r *http.Request) (models.Actor, error) {
	a := models.Actor{ID: r.Header.Get("X-Actor-ID"), Role: models.Role(r.Header.Get("X-Actor-Role"))}
	switch a.Role {
	case models.RoleClient, models.RoleFreelancer, models.RoleAdmin, models.RoleSystem:
	default:
		return a, errUnauthenticated
	}
	if a.ID == "" {
		return a, errUnauthenticated
	}
	return a, nil
}

// canRead allows the freelancer themself and operators.
func canRead(a models.Actor, freelancerID string) bool {
	return a.Is(models.RoleFreelancer, freelancerID) || a.Role == models.RoleAdmin || a.Role == models.RoleSystem
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var f models.Freelancer
	if err := s.decode(w, r, &f); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Updated.IsZero() {
		f.Updated = time.Now().UTC()
	}
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), f); err != nil {
			s.logger.Warn("publish location", "freelancer_id", f.ID, "error", err)
		}
	}
	if err := s.Geo.Upsert(r.Context(), f); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.FreelancersSeen.Inc()
	w.WriteHeader(http.StatusNoContent)
}

type quoteRequest struct {
	BasePrice int64                `json:"base_price" validate:"gt=0"`
	Policy    models.PaymentPolicy `json:"policy" validate:"required,oneof=advance full"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := escrow.Quote(req.BasePrice, req.Policy, s.Rates)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleOpenRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req matcher.OpenRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ir, err := s.Dispatcher.OpenRequest(r.Context(), actor, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ir)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ir, err := s.Dispatcher.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !actor.Is(models.RoleClient, ir.ClientID) && !ir.HasCandidate(actor.ID) && actor.Role != models.RoleAdmin {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, ir)
}

type bidRequest struct {
	Price int64 `json:"price" validate:"gt=0"`
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req bidRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	bid, err := s.Dispatcher.SubmitBid(r.Context(), actor, mux.Vars(r)["id"], req.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

type acceptRequest struct {
	// FreelancerID defaults to the calling freelancer.
	FreelancerID string `json:"freelancer_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req acceptRequest
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.FreelancerID == "" && actor.Role == models.RoleFreelancer {
		req.FreelancerID = actor.ID
	}
	if req.FreelancerID == "" {
		s.writeError(w, r, models.Invalid("freelancer_id is required"))
		return
	}
	b, err := s.Dispatcher.Accept(r.Context(), actor, mux.Vars(r)["id"], req.FreelancerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ir, err := s.Dispatcher.Cancel(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ir)
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req booking.CreateBooking
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Create(r.Context(), actor, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := storage.BookingFilter{
		ClientID:     q.Get("client_id"),
		FreelancerID: q.Get("freelancer_id"),
		Status:       models.BookingStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, models.Invalid("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	// participants only see their own bookings
	switch actor.Role {
	case models.RoleClient:
		f.ClientID = actor.ID
	case models.RoleFreelancer:
		f.FreelancerID = actor.ID
	}
	list, err := s.Bookings.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !actor.Is(models.RoleClient, b.ClientID) && !actor.Is(models.RoleFreelancer, b.FreelancerID) && actor.Role != models.RoleAdmin {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) bookingAction(fn func(context.Context, models.Actor, string) (*models.Booking, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		b, err := fn(r.Context(), actor, mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

type codeRequest struct {
	Code string `json:"code" validate:"required"`
}

func (s *Server) codeAction(fn func(context.Context, models.Actor, string, string) (*models.Booking, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var req codeRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		b, err := fn(r.Context(), actor, mux.Vars(r)["id"], req.Code)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

type cancelResponse struct {
	Booking *models.Booking          `json:"booking"`
	Refund  escrow.RefundInstruction `json:"refund"`
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var opts booking.CancelOptions
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &opts); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	b, refund, err := s.Bookings.Cancel(r.Context(), actor, mux.Vars(r)["id"], opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Booking: b, Refund: refund})
}

type rateRequest struct {
	Stars  int    `json:"stars" validate:"min=1,max=5"`
	Review string `json:"review" validate:"max=2000"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req rateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Bookings.Rate(r.Context(), actor, mux.Vars(r)["id"], req.Stars, req.Review)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRevealCode(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	p := otp.Purpose(vars["purpose"])
	if p != otp.Start && p != otp.Completion {
		s.writeError(w, r, models.Invalid("unknown code purpose %q", vars["purpose"]))
		return
	}
	code, err := s.Bookings.RevealCode(r.Context(), actor, vars["id"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"booking_id": vars["id"], "purpose": string(p), "code": code})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if !canRead(actor, id) {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	bal, err := s.Ledger.Balance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if !canRead(actor, id) {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	entries, err := s.Ledger.Entries(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type reversalRequest struct {
	BookingID string `json:"booking_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"gt=0"`
}

// handleReverse is the operator hook for refunds and disputes settled
// outside the platform.
func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actor.Role != models.RoleAdmin && actor.Role != models.RoleSystem {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	var req reversalRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.Ledger.Reverse(r.Context(), mux.Vars(r)["id"], req.BookingID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type withdrawalRequest struct {
	FreelancerID string `json:"freelancer_id"`
	Amount       int64  `json:"amount" validate:"gt=0"`
	Method       string `json:"method" validate:"required,max=64"`
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req withdrawalRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.FreelancerID == "" {
		req.FreelancerID = actor.ID
	}
	wr, err := s.Withdrawals.Request(r.Context(), actor, req.FreelancerID, req.Amount, req.Method)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	id := q.Get("freelancer_id")
	if actor.Role == models.RoleFreelancer {
		id = actor.ID
	}
	if !canRead(actor, id) {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	var statuses []models.WithdrawalStatus
	for _, st := range q["status"] {
		statuses = append(statuses, models.WithdrawalStatus(st))
	}
	list, err := s.Withdrawals.List(r.Context(), id, statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wr, err := s.Withdrawals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !canRead(actor, wr.FreelancerID) {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

func (s *Server) handleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wr, err := s.Withdrawals.Approve(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

type paidRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req paidRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wr, err := s.Withdrawals.MarkPaid(r.Context(), actor, mux.Vars(r)["id"], req.TransactionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (s *Server) handleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req rejectRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wr, err := s.Withdrawals.Reject(r.Context(), actor, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

var upgrader = websocket.Upgrader{}

// handleWS keeps the freelancer's notification session open until the
// client goes away. Inbound frames are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["freelancer_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "freelancer_id", id, "error", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	defer s.WSReg.Remove(id, sess)
	defer conn.Close()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
