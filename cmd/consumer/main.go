package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/freelance-dispatch/internal/alerts"
	"github.com/example/freelance-dispatch/internal/config"
	"github.com/example/freelance-dispatch/internal/geo"
	"github.com/example/freelance-dispatch/internal/ingest"
	"github.com/example/freelance-dispatch/internal/logging"
	"github.com/example/freelance-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total freelancer location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	indexUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_updates_total",
		Help: "Total successful geo index updates",
	})
	indexErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Total geo index update failures",
	})
	alertsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_alerts_handled_total",
		Help: "Integrity alerts drained from the queue",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, indexUpdates, indexErrors, alertsHandled)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	alertSrv := alerts.NewServer(cfg.RedisAddr, cfg.RedisPassword, cfg.AlertWorkers)
	go func() {
		if err := alertSrv.Run(alerts.NewServeMux(alertHandler(logger))); err != nil {
			logger.Error("alert worker stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		alertSrv.Shutdown()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)
	consume(ctx, r, index, logger)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume applies location pings to the index until ctx ends. Read errors
// back off exponentially up to 30s.
func consume(ctx context.Context, r messageReader, index geo.Index, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		f, err := ingest.Decode(m)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err, "offset", m.Offset)
			continue
		}
		if err := upsertWithRetry(ctx, index, f, 3, 200*time.Millisecond); err != nil {
			indexErrors.Inc()
			logger.Error("index update failed", "freelancer_id", f.ID, "error", err)
			continue
		}
		indexUpdates.Inc()
	}
}

// upsertWithRetry writes f to the index, doubling delay between attempts.
func upsertWithRetry(ctx context.Context, index geo.Index, f models.Freelancer, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = index.Upsert(ctx, f); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// alertHandler logs queued integrity alerts for the on-call operator.
func alertHandler(logger *slog.Logger) func(context.Context, alerts.Alert) error {
	return func(_ context.Context, a alerts.Alert) error {
		alertsHandled.WithLabelValues(a.Code).Inc()
		logger.Error("integrity alert", "code", a.Code, "subject", a.Subject, "message", a.Message, "fields", a.Fields, "raised_at", a.RaisedAt)
		return nil
	}
}
