package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freelance-dispatch/internal/models"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestPublishLocationRoundTrip(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaProducer{writer: w, timeout: time.Second}
	f := models.Freelancer{ID: "f1", Category: "plumber", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}

	require.NoError(t, p.PublishLocation(context.Background(), f))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "f1", string(w.msgs[0].Key))

	got, err := Decode(w.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestDecodeRejectsIncomplete(t *testing.T) {
	_, err := Decode(kafka.Message{Value: []byte(`{"id":"f1"}`)})
	assert.Error(t, err)
	_, err = Decode(kafka.Message{Value: []byte(`not json`)})
	assert.Error(t, err)
}
