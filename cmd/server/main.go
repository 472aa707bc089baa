package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/freelance-dispatch/internal/alerts"
	"github.com/example/freelance-dispatch/internal/booking"
	"github.com/example/freelance-dispatch/internal/config"
	"github.com/example/freelance-dispatch/internal/dispatch"
	"github.com/example/freelance-dispatch/internal/eta"
	"github.com/example/freelance-dispatch/internal/events"
	"github.com/example/freelance-dispatch/internal/geo"
	httpapi "github.com/example/freelance-dispatch/internal/http"
	"github.com/example/freelance-dispatch/internal/ingest"
	"github.com/example/freelance-dispatch/internal/ledger"
	"github.com/example/freelance-dispatch/internal/lock"
	"github.com/example/freelance-dispatch/internal/logging"
	"github.com/example/freelance-dispatch/internal/matcher"
	"github.com/example/freelance-dispatch/internal/otp"
	"github.com/example/freelance-dispatch/internal/payments"
	"github.com/example/freelance-dispatch/internal/storage"
	"github.com/example/freelance-dispatch/internal/withdrawal"
	"github.com/example/freelance-dispatch/internal/worker"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	// storage: Postgres when configured, memory otherwise
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, ps)
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx, "migrations")
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	// redis backs the geo index, OTP codes, locks and the alert queue
	var (
		index   geo.Index      = geo.NewMemoryIndex()
		codes   otp.CodeStore  = otp.NewMemoryStore()
		locker  lock.Locker    = lock.NewKeyedMutex()
		alerter alerts.Alerter = alerts.LogAlerter{Logger: logger}
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc)
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		codes = otp.NewRedisStore(rc)
		locker = lock.NewRedisLock(rc, "lock", 10*time.Second)
		aa := alerts.NewAsynqAlerter(cfg.RedisAddr, cfg.RedisPassword, logger)
		closers = append(closers, aa)
		alerter = aa
	}

	// outbound events
	var sinks []events.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic))
	}
	if cfg.AMQPURL != "" {
		as, err := events.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		sinks = append(sinks, as)
	}
	bus := events.NewBus(logger, 1024, sinks...)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bus.Close(cctx); err != nil {
			logger.Warn("event bus close", "error", err)
		}
	}()

	var gateway payments.Gateway = payments.NewFake()
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.Currency)
	} else {
		logger.Warn("STRIPE_API_KEY not set, payments are simulated")
	}

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
		closers = append(closers, kp)
		locations = kp
	}

	dc := cfg.Domain
	l := ledger.New(store, bus, alerter, logger, dc.HoldWindow(), ledger.WithLocker(locker))
	machine := &booking.Machine{
		Store:              store,
		Codes:              otp.NewGate(codes),
		Ledger:             l,
		Payments:           gateway,
		Events:             bus,
		Alerts:             alerter,
		Locks:              locker,
		Logger:             logger,
		Rates:              dc.Rates(),
		CancellationWindow: dc.CancellationWindow(),
	}

	wsreg := dispatch.NewWSRegistry()
	var notifier dispatch.Notifier = wsreg
	if cfg.PushEndpoint != "" {
		notifier = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, wsreg)
	}
	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: dc.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	dispatcher := &matcher.Dispatcher{
		Store:           store,
		Geo:             index,
		Notify:          notifier,
		ETA:             estimator,
		Bookings:        machine,
		Events:          bus,
		Logger:          logger,
		DefaultRadiusKm: dc.InstantRequestRadiusKm,
		MaxCandidates:   dc.MaxCandidates,
		TTL:             dc.InstantRequestTTL,
	}
	defer dispatcher.Wait()

	sweeper := &worker.Sweeper{
		Interval: dc.SweepInterval,
		Logger:   logger,
		Jobs: []worker.Job{
			{Name: "promote_pending", Run: l.PromotePending},
			{Name: "expire_requests", Run: dispatcher.ExpireStale},
		},
	}
	go sweeper.Run(ctx)

	api := httpapi.NewServer(httpapi.Deps{
		Dispatcher:  dispatcher,
		Bookings:    machine,
		Ledger:      l,
		Withdrawals: withdrawal.New(store, l, locker, bus, logger),
		Geo:         index,
		Locations:   locations,
		WSReg:       wsreg,
		Rates:       dc.Rates(),
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("freelance-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
