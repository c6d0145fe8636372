// Package app wires the catalog server together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/fakestore-catalog/internal/catalog"
	"github.com/xenking/fakestore-catalog/internal/domain/product"
	"github.com/xenking/fakestore-catalog/internal/handler"
	"github.com/xenking/fakestore-catalog/internal/imagecache"
	"github.com/xenking/fakestore-catalog/pkg/fetchstate"
	"github.com/xenking/fakestore-catalog/pkg/health"
	"github.com/xenking/fakestore-catalog/pkg/httpmiddleware"
)

// Service holds the assembled dependencies of a running server.
type Service struct {
	Health  *health.Health
	List    *catalog.Store[[]product.Product]
	Images  *imagecache.Loader
	Handler http.Handler
}

// Close stops background work started by New.
func (s *Service) Close() {
	s.Health.Stop()
	s.List.Close()
}

// New builds every dependency and starts the initial catalog load.
// The caller must Close the returned Service.
func New(ctx context.Context, cfg *Config, tp trace.TracerProvider, mp metric.MeterProvider) (*Service, error) {
	lg := zctx.From(ctx)

	client, err := catalog.NewClient(catalog.ClientConfig{
		BaseURL:           cfg.Upstream.BaseURL,
		Timeout:           cfg.Upstream.Timeout,
		MaxBodyBytes:      cfg.Upstream.MaxBodyBytes,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
		RedirectHosts:     cfg.Images.AllowedHosts,
		TracerProvider:    tp,
		MeterProvider:     mp,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create catalog client")
	}

	images, err := imagecache.New(ctx, client, imagecache.Config{
		MemoryFraction: cfg.Images.MemoryFraction,
		DiskBytes:      cfg.Images.DiskBytes,
		Dir:            cfg.Images.Dir,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create image cache")
	}

	list := catalog.NewListStore(client, catalog.StoreOptions{
		Name:           "list",
		TracerProvider: tp,
		MeterProvider:  mp,
	})
	// The home screen load outlives startup but keeps the base logger.
	list.Load(context.WithoutCancel(ctx), cfg.Upstream.ListPath)
	list.Subscribe(func(st fetchstate.State[[]product.Product]) {
		if !st.Settled() {
			return
		}
		lg.Info("Catalog list settled", zap.Stringer("state", st))
	})

	healthSvc := health.New()
	healthSvc.Add(health.Check{
		Name:             "catalog",
		Kind:             health.Readiness,
		Timeout:          time.Second,
		Func:             health.StateCheck(list.State),
		FailureThreshold: 1,
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, cfg.HealthInterval)
	healthSvc.SetReady(true)

	h := handler.New(handler.Config{
		ListPath:   cfg.Upstream.ListPath,
		ListWait:   cfg.ListWait,
		ImageHosts: cfg.Images.AllowedHosts,
		StoreOptions: catalog.StoreOptions{
			Name:           "details",
			TracerProvider: tp,
			MeterProvider:  mp,
		},
	}, list, client, images)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	return &Service{
		Health:  healthSvc,
		List:    list,
		Images:  images,
		Handler: wrap(mux, lg, cfg, tp, mp),
	}, nil
}

// wrap applies the server middleware chain. The logger goes first so that
// every later middleware, Recovery included, logs through it.
func wrap(h http.Handler, lg *zap.Logger, cfg *Config, tp trace.TracerProvider, mp metric.MeterProvider) http.Handler {
	return httpmiddleware.Wrap(h,
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins: cfg.CORS.Origins,
			MaxAge:       cfg.CORS.MaxAge,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.Instrument("catalog-api", tp, mp),
		httpmiddleware.LogRequests,
	)
}

// Run serves the catalog until ctx is cancelled, then drains gracefully.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("upstream", cfg.Upstream.BaseURL),
	)

	svc, err := New(zctx.Base(ctx, lg), cfg, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return err
	}
	defer svc.Close()

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Detail requests may wait for a full upstream round trip.
		WriteTimeout:   cfg.Upstream.Timeout + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler:        svc.Handler,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		svc.Health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone

	st := svc.Images.Stats()
	lg.Info("Image cache usage",
		zap.Int64("memory_hits", st.MemoryHits),
		zap.Int64("disk_hits", st.DiskHits),
		zap.Int64("downloads", st.Downloads),
	)
	return nil
}
