// Package escrow computes what a client owes and what a freelancer earns.
// It has no side effects; every amount is an int64 in the smallest currency
// unit and every multiplication rounds half-up to a whole unit.
package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/freelance-dispatch/internal/models"
)

// Rates are the platform parameters a quote depends on.
type Rates struct {
	AdvanceRate    decimal.Decimal
	CommissionRate decimal.Decimal
	TaxRate        decimal.Decimal
}

// roundHalfUp multiplies amount by rate and rounds to a whole minor unit.
// Inputs are non-negative, so decimal's half-away-from-zero equals half-up.
func roundHalfUp(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// Quote returns the fee breakdown for basePrice under policy.
func Quote(basePrice int64, policy models.PaymentPolicy, r Rates) (models.Quote, error) {
	if basePrice <= 0 {
		return models.Quote{}, models.Invalid("base price must be > 0, got %d", basePrice)
	}
	if policy != models.PolicyAdvance && policy != models.PolicyFull {
		return models.Quote{}, models.Invalid("unknown payment policy %q", policy)
	}

	fee := roundHalfUp(basePrice, r.CommissionRate)
	tax := roundHalfUp(basePrice+fee, r.TaxRate)
	total := basePrice + fee + tax

	q := models.Quote{
		BasePrice:         basePrice,
		Policy:            policy,
		TotalAmount:       total,
		PlatformFee:       fee,
		Tax:               tax,
		FreelancerEarning: total - fee - tax,
	}
	switch policy {
	case models.PolicyFull:
		q.DueNow = total
	case models.PolicyAdvance:
		q.DueNow = roundHalfUp(total, r.AdvanceRate)
		q.DueOnCompletion = total - q.DueNow
	}
	return q, nil
}

// RefundInstruction tells the payment collaborator how much of the collected
// amount to return to the client after a cancellation.
type RefundInstruction struct {
	BookingID    string `json:"booking_id"`
	AmountPaid   int64  `json:"amount_paid"`
	RefundAmount int64  `json:"refund_amount"`
	Percent      int    `json:"percent"`
}

// RefundPolicy describes one cancellation.
type RefundPolicy struct {
	Kind       models.BookingKind
	Instant    bool
	AmountPaid int64
	StartAt    time.Time
	CancelAt   time.Time
	Window     time.Duration
	// DeclaredPercent is the freelancer-declared refund percent for scheduled
	// service bookings, resolved outside the core.
	DeclaredPercent int
}

// CancellationRefund applies the refund policy by booking kind:
//   - instant bookings refund everything collected;
//   - job posts refund half when cancelled at least Window before start, nothing otherwise;
//   - scheduled service bookings refund the declared percent.
func CancellationRefund(bookingID string, p RefundPolicy) (RefundInstruction, error) {
	pct := 0
	switch {
	case p.Instant:
		pct = 100
	case p.Kind == models.KindJob:
		if p.StartAt.Sub(p.CancelAt) >= p.Window {
			pct = 50
		}
	default:
		if p.DeclaredPercent < 0 || p.DeclaredPercent > 100 {
			return RefundInstruction{}, models.Invalid("refund percent must be within [0,100], got %d", p.DeclaredPercent)
		}
		pct = p.DeclaredPercent
	}
	refund := decimal.NewFromInt(p.AmountPaid).
		Mul(decimal.NewFromInt(int64(pct))).
		Div(decimal.NewFromInt(100)).
		Round(0).IntPart()
	return RefundInstruction{
		BookingID:    bookingID,
		AmountPaid:   p.AmountPaid,
		RefundAmount: refund,
		Percent:      pct,
	}, nil
}
