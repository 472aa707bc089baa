package alerts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freelance-dispatch/internal/logging"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{ID: "t1", Queue: Queue}, nil
}

func TestAsynqAlerterEnqueuesIntegrityTask(t *testing.T) {
	fe := &fakeEnqueuer{}
	a := &AsynqAlerter{client: fe, logger: logging.Discard()}

	Raise(context.Background(), a, logging.Discard(), Alert{Code: "negative_balance", Subject: "f1", Message: "balance -10"})

	require.Len(t, fe.tasks, 1)
	assert.Equal(t, TaskIntegrity, fe.tasks[0].Type())
	var got Alert
	require.NoError(t, json.Unmarshal(fe.tasks[0].Payload(), &got))
	assert.Equal(t, "negative_balance", got.Code)
	assert.Equal(t, "f1", got.Subject)
	assert.False(t, got.RaisedAt.IsZero())
}

func TestRecorderDrain(t *testing.T) {
	r := NewRecorder()
	Raise(context.Background(), r, logging.Discard(), Alert{Code: "duplicate_settlement"})
	Raise(context.Background(), r, logging.Discard(), Alert{Code: "negative_balance"})

	got := r.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "duplicate_settlement", got[0].Code)
	assert.Empty(t, r.Drain())
}

func TestServeMuxDecodesAlert(t *testing.T) {
	var got Alert
	mux := NewServeMux(func(_ context.Context, a Alert) error { got = a; return nil })

	b, err := json.Marshal(Alert{Code: "credit_without_completion", Subject: "b1"})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TaskIntegrity, b)))
	assert.Equal(t, "credit_without_completion", got.Code)

	err = mux.ProcessTask(context.Background(), asynq.NewTask(TaskIntegrity, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
