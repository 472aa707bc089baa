// Package alerts surfaces integrity faults to operators.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/example/freelance-dispatch/internal/observability"
)

const (
	TaskIntegrity = "alert:integrity"
	Queue         = "alerts"
)

// Alert describes one integrity fault. Code matches the domain error code.
type Alert struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Subject  string         `json:"subject"`
	Fields   map[string]any `json:"fields,omitempty"`
	RaisedAt time.Time      `json:"raised_at"`
}

type Alerter interface {
	Raise(ctx context.Context, a Alert)
}

// Raise counts and logs the alert, then hands it to the alerter.
func Raise(ctx context.Context, al Alerter, logger *slog.Logger, a Alert) {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}
	observability.IntegrityFaults.WithLabelValues(a.Code).Inc()
	logger.Error("integrity fault", "code", a.Code, "subject", a.Subject, "message", a.Message, "fields", a.Fields)
	if al != nil {
		al.Raise(ctx, a)
	}
}

// LogAlerter only logs. It is used when no Redis is configured.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l LogAlerter) Raise(_ context.Context, a Alert) {
	l.Logger.Warn("alert raised", "code", a.Code, "subject", a.Subject)
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqAlerter enqueues alerts for the operator worker.
type AsynqAlerter struct {
	client enqueuer
	logger *slog.Logger
}

func NewAsynqAlerter(redisAddr, password string, logger *slog.Logger) *AsynqAlerter {
	c := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr, Password: password})
	return &AsynqAlerter{client: c, logger: logger}
}

func (a *AsynqAlerter) Raise(ctx context.Context, al Alert) {
	b, err := json.Marshal(al)
	if err != nil {
		a.logger.Error("marshal alert", "error", err)
		return
	}
	task := asynq.NewTask(TaskIntegrity, b)
	if _, err := a.client.EnqueueContext(ctx, task, asynq.Queue(Queue), asynq.MaxRetry(10)); err != nil {
		a.logger.Error("enqueue alert failed", "code", al.Code, "error", err)
	}
}

func (a *AsynqAlerter) Close() error {
	if c, ok := a.client.(*asynq.Client); ok {
		return c.Close()
	}
	return nil
}

// Recorder keeps alerts in memory.
type Recorder struct {
	ch chan Alert
}

func NewRecorder() *Recorder { return &Recorder{ch: make(chan Alert, 64)} }

func (r *Recorder) Raise(_ context.Context, a Alert) {
	select {
	case r.ch <- a:
	default:
	}
}

// Drain returns all alerts raised so far.
func (r *Recorder) Drain() []Alert {
	var out []Alert
	for {
		select {
		case a := <-r.ch:
			out = append(out, a)
		default:
			return out
		}
	}
}

// NewServeMux routes queued alerts to handle.
func NewServeMux(handle func(context.Context, Alert) error) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskIntegrity, func(ctx context.Context, t *asynq.Task) error {
		var a Alert
		if err := json.Unmarshal(t.Payload(), &a); err != nil {
			return fmt.Errorf("decode alert: %v: %w", err, asynq.SkipRetry)
		}
		return handle(ctx, a)
	})
	return mux
}

// NewServer builds the worker that drains the alert queue.
func NewServer(redisAddr, password string, concurrency int) *asynq.Server {
	return asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr, Password: password}, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Queue: 1},
	})
}
