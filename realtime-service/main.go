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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/example/margwa-realtime/pkg/fanout"
	"github.com/example/margwa-realtime/pkg/identity"
	"github.com/example/margwa-realtime/pkg/otelhelper"
	"github.com/example/margwa-realtime/realtime-service/hub"
	"github.com/example/margwa-realtime/realtime-service/presence"
	"github.com/example/margwa-realtime/realtime-service/relay"
	"github.com/example/margwa-realtime/realtime-service/router"
	"github.com/example/margwa-realtime/realtime-service/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment")
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := setupLogger(cfg)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Realtime service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	otelShutdown := otelhelper.Noop
	if cfg.OTelEnabled {
		shutdown, err := otelhelper.Init(ctx)
		if err != nil {
			return err
		}
		otelShutdown = shutdown
	}

	verifier, err := identity.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}

	processID := uuid.NewString()
	logger = logger.With("process", processID)
	logger.Info("Starting Realtime Service", "port", cfg.Port, "fanout", redactURL(cfg.FanoutURL))

	bus := connectBus(ctx, cfg, logger)

	h := hub.New(logger)
	rl := relay.New(h, relay.Options{
		Bus:       bus,
		ProcessID: processID,
		QueueSize: cfg.PublishQueueSize,
		Logger:    logger,
	})
	if err := rl.Start(ctx); err != nil {
		logger.Warn("Fanout subscription failed, delivering to local members only", "error", err)
	}

	tracker := presence.New(h, rl, logger)
	rt := router.New(h, rl, tracker, logger)
	sessions := session.NewManager(verifier, h, tracker, rt, session.Config{
		SendBufferSize: cfg.SendBufferSize,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	registerGauges(h, sessions, tracker)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           (&server{hub: h, relay: rl, sessions: sessions}).routes(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Connections first so their offline announcements still reach the bus.
		var errs []error
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := rl.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := otelShutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// connectBus retries the broker for a while and falls back to local-only
// delivery rather than refusing to start.
func connectBus(ctx context.Context, cfg Config, logger *slog.Logger) fanout.Bus {
	opts := fanout.Options{
		Subject:    cfg.FanoutSubject,
		ClientName: "realtime-service",
		NATSUser:   cfg.NATSUser,
		NATSPass:   cfg.NATSPass,
		Logger:     logger,
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		bus, err := fanout.Open(ctx, cfg.FanoutURL, opts)
		if err == nil {
			logger.Info("Connected to fanout bus", "bus", bus.Name())
			return bus
		}
		if !errors.Is(err, fanout.ErrBusUnavailable) {
			logger.Error("Fanout bus misconfigured", "error", err)
			return nil
		}
		lastErr = err
		logger.Info("Waiting for fanout bus", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.ConnectWait):
		}
	}
	logger.Error("Fanout bus unreachable, delivering to local members only", "error", lastErr)
	return nil
}

func registerGauges(h *hub.Hub, sessions *session.Manager, tracker *presence.Tracker) {
	meter := otelhelper.Meter()
	connGauge, _ := meter.Int64ObservableGauge("realtime_connections",
		metric.WithDescription("Open client connections"))
	roomGauge, _ := meter.Int64ObservableGauge("realtime_rooms",
		metric.WithDescription("Rooms with at least one local member"))
	onlineGauge, _ := meter.Int64ObservableGauge("realtime_drivers_online",
		metric.WithDescription("Drivers currently online on this process"))

	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		rooms, _ := h.Stats()
		o.ObserveInt64(connGauge, int64(sessions.Count()))
		o.ObserveInt64(roomGauge, int64(rooms))
		o.ObserveInt64(onlineGauge, int64(tracker.OnlineCount()))
		return nil
	}, connGauge, roomGauge, onlineGauge)
}
