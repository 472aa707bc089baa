package escrow

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freelance-dispatch/internal/models"
)

var observed = Rates{
	AdvanceRate:    decimal.RequireFromString("0.30"),
	CommissionRate: decimal.RequireFromString("0.10"),
	TaxRate:        decimal.RequireFromString("0.08"),
}

func TestQuoteAdvance(t *testing.T) {
	q, err := Quote(5000, models.PolicyAdvance, observed)
	require.NoError(t, err)

	assert.Equal(t, int64(500), q.PlatformFee)
	assert.Equal(t, int64(440), q.Tax)
	assert.Equal(t, int64(5940), q.TotalAmount)
	assert.Equal(t, int64(1782), q.DueNow)
	assert.Equal(t, int64(4158), q.DueOnCompletion)
	assert.Equal(t, int64(5000), q.FreelancerEarning)
}

func TestQuoteFull(t *testing.T) {
	q, err := Quote(5000, models.PolicyFull, observed)
	require.NoError(t, err)
	assert.Equal(t, q.TotalAmount, q.DueNow)
	assert.Zero(t, q.DueOnCompletion)
}

func TestQuoteRoundsHalfUp(t *testing.T) {
	// fee = 5 * 0.10 = 0.5 -> 1; tax = 6 * 0.08 = 0.48 -> 0
	q, err := Quote(5, models.PolicyAdvance, observed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.PlatformFee)
	assert.Equal(t, int64(0), q.Tax)
	assert.Equal(t, int64(6), q.TotalAmount)
	// 6 * 0.30 = 1.8 -> 2
	assert.Equal(t, int64(2), q.DueNow)
	assert.Equal(t, int64(4), q.DueOnCompletion)

	// 25 * 0.10 = 2.5 -> 3; (25+3) * 0.08 = 2.24 -> 2; 30 * 0.30 = 9
	q, err = Quote(25, models.PolicyAdvance, observed)
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.PlatformFee)
	assert.Equal(t, int64(2), q.Tax)
	assert.Equal(t, int64(9), q.DueNow)
}

func TestQuoteDeterministic(t *testing.T) {
	prices := []int64{1, 7, 99, 5000, 123457, 999999999}
	first := make([]models.Quote, 0, len(prices))
	for _, p := range prices {
		q, err := Quote(p, models.PolicyAdvance, observed)
		require.NoError(t, err)
		first = append(first, q)
	}
	// reverse order must produce identical results
	for i := len(prices) - 1; i >= 0; i-- {
		q, err := Quote(prices[i], models.PolicyAdvance, observed)
		require.NoError(t, err)
		assert.Equal(t, first[i], q)
		assert.Equal(t, q.TotalAmount, q.DueNow+q.DueOnCompletion)
		assert.Equal(t, q.TotalAmount, q.FreelancerEarning+q.PlatformFee+q.Tax)
	}
}

func TestQuoteValidation(t *testing.T) {
	_, err := Quote(0, models.PolicyFull, observed)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = Quote(100, "later", observed)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestCancellationRefund(t *testing.T) {
	start := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

	t.Run("job post cancelled 72h before start refunds half", func(t *testing.T) {
		ri, err := CancellationRefund("b1", RefundPolicy{
			Kind: models.KindJob, AmountPaid: 1782, StartAt: start,
			CancelAt: start.Add(-72 * time.Hour), Window: 48 * time.Hour,
		})
		require.NoError(t, err)
		assert.Equal(t, 50, ri.Percent)
		assert.Equal(t, int64(891), ri.RefundAmount)
	})

	t.Run("job post cancelled exactly at the window refunds half", func(t *testing.T) {
		ri, err := CancellationRefund("b1", RefundPolicy{
			Kind: models.KindJob, AmountPaid: 1001, StartAt: start,
			CancelAt: start.Add(-48 * time.Hour), Window: 48 * time.Hour,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(501), ri.RefundAmount)
	})

	t.Run("job post cancelled late refunds nothing", func(t *testing.T) {
		ri, err := CancellationRefund("b1", RefundPolicy{
			Kind: models.KindJob, AmountPaid: 1782, StartAt: start,
			CancelAt: start.Add(-10 * time.Hour), Window: 48 * time.Hour,
		})
		require.NoError(t, err)
		assert.Zero(t, ri.Percent)
		assert.Zero(t, ri.RefundAmount)
	})

	t.Run("instant refunds everything", func(t *testing.T) {
		ri, err := CancellationRefund("b1", RefundPolicy{Kind: models.KindService, Instant: true, AmountPaid: 1782})
		require.NoError(t, err)
		assert.Equal(t, int64(1782), ri.RefundAmount)
	})

	t.Run("scheduled service uses declared percent", func(t *testing.T) {
		ri, err := CancellationRefund("b1", RefundPolicy{Kind: models.KindService, AmountPaid: 2000, DeclaredPercent: 25})
		require.NoError(t, err)
		assert.Equal(t, int64(500), ri.RefundAmount)

		_, err = CancellationRefund("b1", RefundPolicy{Kind: models.KindService, AmountPaid: 2000, DeclaredPercent: 120})
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})
}
