// Package otp issues and checks the two one-time codes bound to a booking:
// the start code and the completion code. Each is issued once and accepted once.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"github.com/example/freelance-dispatch/internal/models"
)

type Purpose string

const (
	Start      Purpose = "start"
	Completion Purpose = "completion"
)

type Record struct {
	Code string
	Used bool
}

// CodeStore persists codes. Put fails with models.ErrCodeAlreadyIssued when a
// code exists; MarkUsed fails with models.ErrInvalidTransition when the code
// was already consumed.
type CodeStore interface {
	Put(ctx context.Context, bookingID string, p Purpose, code string) error
	Get(ctx context.Context, bookingID string, p Purpose) (Record, error)
	MarkUsed(ctx context.Context, bookingID string, p Purpose) error
}

type Gate struct {
	store  CodeStore
	digits int
}

func NewGate(store CodeStore) *Gate {
	return &Gate{store: store, digits: 6}
}

func (g *Gate) newCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < g.digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", g.digits, n.Int64()), nil
}

// Issue mints the code for purpose. A second call for the same booking fails.
func (g *Gate) Issue(ctx context.Context, bookingID string, p Purpose) (string, error) {
	code, err := g.newCode()
	if err != nil {
		return "", fmt.Errorf("generate %s code: %w", p, err)
	}
	if err := g.store.Put(ctx, bookingID, p, code); err != nil {
		return "", err
	}
	return code, nil
}

func mismatch(p Purpose) error {
	if p == Start {
		return models.ErrInvalidStartCode
	}
	return models.ErrInvalidCompletionCode
}

// Verify checks code without consuming it.
func (g *Gate) Verify(ctx context.Context, bookingID string, p Purpose, code string) error {
	rec, err := g.store.Get(ctx, bookingID, p)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return mismatch(p)
		}
		return err
	}
	if rec.Used {
		return models.ErrInvalidTransition
	}
	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		return mismatch(p)
	}
	return nil
}

// Consume marks the code used; it succeeds once per code.
func (g *Gate) Consume(ctx context.Context, bookingID string, p Purpose) error {
	return g.store.MarkUsed(ctx, bookingID, p)
}

// Reveal returns the stored code. Whether the caller may see it is decided
// by the booking state machine.
func (g *Gate) Reveal(ctx context.Context, bookingID string, p Purpose) (string, error) {
	rec, err := g.store.Get(ctx, bookingID, p)
	if err != nil {
		return "", err
	}
	if rec.Used {
		return "", models.ErrCodeNotAvailable
	}
	return rec.Code, nil
}
