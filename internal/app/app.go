// Package app wires the service together: storage, reconciliation, capture,
// HTTP surface and graceful shutdown.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/platewise/pos/internal/domain/order"
	"github.com/platewise/pos/internal/domain/payment"
	"github.com/platewise/pos/internal/domain/recon"
	"github.com/platewise/pos/internal/handler"
	"github.com/platewise/pos/internal/processor"
	"github.com/platewise/pos/internal/storage/postgres"
	"github.com/platewise/pos/pkg/health"
	"github.com/platewise/pos/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, _ *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	feeRate, err := cfg.Payments.FeeRate()
	if err != nil {
		return err
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.DatabasePingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// Repositories.
	orderRepo := postgres.NewOrderRepository(pool)
	locationRepo := postgres.NewLocationRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)
	reconStore := postgres.NewReconStore(pool)

	// Delivery reference prefilter, warmed from the assigned refs.
	refs := recon.NewDeliveryRefIndex(cfg.Delivery.IndexCapacity, cfg.Delivery.IndexFPR)
	knownRefs, err := orderRepo.ListDeliveryRefs(ctx)
	if err != nil {
		return errors.Wrap(err, "warm delivery ref index")
	}
	refs.Warm(knownRefs)
	lg.Info("Delivery ref index warmed", zap.Int("refs", len(knownRefs)))

	// Reconciler with a paid-order audit hook.
	reconciler := recon.New(reconStore, refs)
	reconciler.OnPaid(func(ctx context.Context, o *order.Order) {
		zctx.From(ctx).Info("Order paid",
			zap.String("order_id", o.ID),
			zap.String("location_id", o.LocationID),
			zap.String("total", o.Total.String()),
		)
	})

	// Capture path against the upstream processor.
	providerClient := processor.NewClient(cfg.Processor.BaseURL, cfg.Processor.APIKey, &http.Client{
		Timeout: cfg.Processor.Timeout,
	})
	captureSvc := payment.NewCaptureService(orderRepo, providerClient, locationRepo, reconciler, cfg.Payments.Currency, feeRate)

	// HTTP surface: health + webhooks open, staff API behind API keys.
	h := handler.New(handler.Config{
		PaymentWebhookSecret: cfg.PaymentWebhookSecret,
		CourierWebhookSecret: cfg.CourierWebhookSecret,
	}, orderRepo, captureSvc, reconciler, refs)

	apiMux := http.NewServeMux()
	h.RegisterAPI(apiMux)
	protectedAPI := httpmiddleware.Wrap(apiMux,
		httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
			KeyFunc: func(r *http.Request) string {
				if key := r.Header.Get(handler.APIKeyHeader); key != "" {
					return key
				}
				return r.RemoteAddr
			},
		}),
		func(next http.Handler) http.Handler {
			return handler.APIKeyAuth(apikeyRepo, []byte(cfg.APIKeyPepper), next)
		},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	h.RegisterWebhooks(mux)
	mux.Handle("/api/", protectedAPI)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("pos-server"),
			httpmiddleware.LogRequests(),
		),
	}

	healthSvc.SetReady(true)

	// Graceful shutdown: flip readiness, drain, then stop the listener.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
