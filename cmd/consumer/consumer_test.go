package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freelance-dispatch/internal/geo"
	"github.com/example/freelance-dispatch/internal/logging"
	"github.com/example/freelance-dispatch/internal/models"
)

// flakyIndex fails the first fail upserts.
type flakyIndex struct {
	geo.Index
	fail  int
	calls int
}

func (f *flakyIndex) Upsert(ctx context.Context, fr models.Freelancer) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis unavailable")
	}
	return f.Index.Upsert(ctx, fr)
}

func TestUpsertWithRetrySucceedsAfterRetries(t *testing.T) {
	idx := &flakyIndex{Index: geo.NewMemoryIndex(), fail: 2}
	f := models.Freelancer{ID: "f1", Category: "plumber", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}
	start := time.Now()
	require.NoError(t, upsertWithRetry(context.Background(), idx, f, 3, 5*time.Millisecond))
	assert.Equal(t, 3, idx.calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestUpsertWithRetryFailsWhenExhausted(t *testing.T) {
	idx := &flakyIndex{Index: geo.NewMemoryIndex(), fail: 5}
	err := upsertWithRetry(context.Background(), idx, models.Freelancer{ID: "f1", Category: "plumber"}, 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, idx.calls)
}

type sliceReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *sliceReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeAppliesValidMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	good, err := json.Marshal(models.Freelancer{ID: "f1", Category: "plumber", Loc: models.Coord{Lat: 1, Lon: 1}, Online: true})
	require.NoError(t, err)
	r := &sliceReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte("garbage")},
		{Key: []byte("f1"), Value: good},
	}}
	idx := geo.NewMemoryIndex()

	consume(ctx, r, idx, logging.Discard())

	got, err := idx.Nearby(context.Background(), "plumber", models.Coord{Lat: 1, Lon: 1}, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f1", got[0].FreelancerID)
}
