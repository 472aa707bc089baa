package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("accept: %w", ErrRequestAlreadyResolved)
	assert.True(t, errors.Is(wrapped, ErrRequestAlreadyResolved))
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "request_already_resolved", CodeOf(wrapped))

	assert.Equal(t, KindValidation, KindOf(Invalid("price must be > 0")))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "internal", CodeOf(errors.New("boom")))
}

func TestLatestBid(t *testing.T) {
	r := &InstantRequest{Bids: []Bid{
		{FreelancerID: "a", Price: 100},
		{FreelancerID: "b", Price: 120},
		{FreelancerID: "a", Price: 90},
	}}
	b, ok := r.LatestBid("a")
	assert.True(t, ok)
	assert.Equal(t, int64(90), b.Price)

	_, ok = r.LatestBid("c")
	assert.False(t, ok)
}
