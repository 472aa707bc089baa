package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Freelancer is the location index record used for candidate selection.
type Freelancer struct {
	ID       string    `json:"id" validate:"required"`
	Category string    `json:"category" validate:"required"`
	Loc      Coord     `json:"loc"`
	Rating   float64   `json:"rating"` // 0..5
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}

type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
)

// Actor identifies who issues a command. It is always passed explicitly.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) Is(role Role, id string) bool { return a.Role == role && a.ID == id }

type BookingKind string

const (
	KindService BookingKind = "service"
	KindJob     BookingKind = "job"
)

type PaymentPolicy string

const (
	PolicyAdvance PaymentPolicy = "advance"
	PolicyFull    PaymentPolicy = "full"
)

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusStarted   BookingStatus = "started"
	StatusCompleted BookingStatus = "completed"
	StatusCancelled BookingStatus = "cancelled"
	StatusRejected  BookingStatus = "rejected"
)

func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

type PaymentState string

const (
	PaymentNone       PaymentState = "none"
	PaymentAuthorized PaymentState = "authorized"
	PaymentFailed     PaymentState = "failed"
	PaymentCaptured   PaymentState = "captured"
	PaymentReleased   PaymentState = "released"
)

// Quote is the fee breakdown for one price. All amounts are minor currency units.
type Quote struct {
	BasePrice         int64         `json:"base_price"`
	Policy            PaymentPolicy `json:"policy"`
	TotalAmount       int64         `json:"total_amount"`
	PlatformFee       int64         `json:"platform_fee"`
	Tax               int64         `json:"tax"`
	DueNow            int64         `json:"due_now"`
	DueOnCompletion   int64         `json:"due_on_completion"`
	FreelancerEarning int64         `json:"freelancer_earning"`
}

type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type Booking struct {
	ID           string        `json:"id"`
	Kind         BookingKind   `json:"kind"`
	ClientID     string        `json:"client_id"`
	FreelancerID string        `json:"freelancer_id"`
	Instant      bool          `json:"instant"`
	RequestID    string        `json:"request_id,omitempty"`
	StartAt      time.Time     `json:"start_at"`
	EndAt        *time.Time    `json:"end_at,omitempty"`
	Location     Location      `json:"location"`
	BasePrice    int64         `json:"base_price"`
	Policy       PaymentPolicy `json:"policy"`
	Status       BookingStatus `json:"status"`

	Quote        *Quote       `json:"quote,omitempty"`
	AmountPaid   int64        `json:"amount_paid"`
	PaymentRef   string       `json:"-"`
	PaymentState PaymentState `json:"payment_state"`
	Earning      int64        `json:"earning"`

	Rating int    `json:"rating,omitempty"`
	Review string `json:"review,omitempty"`

	CancelledBy  string `json:"cancelled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type ResolutionState string

const (
	Unresolved ResolutionState = "unresolved"
	Accepted   ResolutionState = "accepted"
	Expired    ResolutionState = "expired"
	Cancelled  ResolutionState = "cancelled"
)

// Candidate is a freelancer offered an instant request. Loc is their
// last-known position at offer time.
type Candidate struct {
	FreelancerID string  `json:"freelancer_id"`
	Loc          Coord   `json:"location"`
	DistanceKm   float64 `json:"distance_km"`
	ETASeconds   float64 `json:"eta_seconds"`
}

type Bid struct {
	FreelancerID string    `json:"freelancer_id"`
	Price        int64     `json:"price"`
	At           time.Time `json:"at"`
}

type InstantRequest struct {
	ID         string          `json:"id"`
	ClientID   string          `json:"client_id"`
	Category   string          `json:"category"`
	Location   Location        `json:"location"`
	RadiusKm   float64         `json:"radius_km"`
	BasePrice  int64           `json:"base_price"`
	Policy     PaymentPolicy   `json:"policy"`
	Candidates []Candidate     `json:"candidates"`
	Bids       []Bid           `json:"bids"`
	Resolution ResolutionState `json:"resolution"`
	WinnerID   string          `json:"winner_id,omitempty"`
	BookingID  string          `json:"booking_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

func (r *InstantRequest) HasCandidate(freelancerID string) bool {
	for _, c := range r.Candidates {
		if c.FreelancerID == freelancerID {
			return true
		}
	}
	return false
}

// LatestBid returns the most recent bid placed by the freelancer.
func (r *InstantRequest) LatestBid(freelancerID string) (Bid, bool) {
	for i := len(r.Bids) - 1; i >= 0; i-- {
		if r.Bids[i].FreelancerID == freelancerID {
			return r.Bids[i], true
		}
	}
	return Bid{}, false
}

type EntryKind string

const (
	EntryCredit     EntryKind = "credit"
	EntryWithdrawal EntryKind = "withdrawal"
	EntryReversal   EntryKind = "reversal"
)

type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryAvailable EntryState = "available"
	EntrySettled   EntryState = "settled"
)

// LedgerEntry amounts are always positive; Kind decides the sign.
type LedgerEntry struct {
	ID           string     `json:"id"`
	FreelancerID string     `json:"freelancer_id"`
	BookingID    string     `json:"booking_id,omitempty"`
	WithdrawalID string     `json:"withdrawal_id,omitempty"`
	Kind         EntryKind  `json:"kind"`
	Amount       int64      `json:"amount"`
	State        EntryState `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	AvailableAt  time.Time  `json:"available_at"`
}

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalPaid     WithdrawalStatus = "paid"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// Outstanding reports whether the request still counts against the balance.
func (s WithdrawalStatus) Outstanding() bool {
	return s == WithdrawalPending || s == WithdrawalApproved
}

type WithdrawalRequest struct {
	ID            string           `json:"id"`
	FreelancerID  string           `json:"freelancer_id"`
	Amount        int64            `json:"amount"`
	PaymentMethod string           `json:"payment_method"`
	Status        WithdrawalStatus `json:"status"`
	RequestedAt   time.Time        `json:"requested_at"`
	ProcessedAt   *time.Time       `json:"processed_at,omitempty"`
	TransactionID string           `json:"transaction_id,omitempty"`
	RejectReason  string           `json:"reject_reason,omitempty"`
}
