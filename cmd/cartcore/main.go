package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/efreitasn/cartcore/internal/authority"
	"github.com/efreitasn/cartcore/internal/bus"
	"github.com/efreitasn/cartcore/internal/config"
	"github.com/efreitasn/cartcore/internal/domain"
	"github.com/efreitasn/cartcore/internal/engine"
	"github.com/efreitasn/cartcore/internal/handler"
	"github.com/efreitasn/cartcore/internal/metrics"
	"github.com/efreitasn/cartcore/internal/remote"
	"github.com/efreitasn/cartcore/internal/service"
	"github.com/efreitasn/cartcore/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Authority: remote when configured, otherwise in-process.
	var auth engine.Authority
	if cfg.AuthorityURL != "" {
		auth = remote.NewClient(cfg.AuthorityURL, cfg.AuthorityToken, cfg.ReservationTimeout, logger)
		logger.Info("using remote authority", slog.String("url", cfg.AuthorityURL))
	} else {
		auth = authority.NewService(authority.NewMemoryStore(), logger)
		logger.Info("using in-process authority")
	}

	// Ledgers.
	stock := store.NewStockLedger(bus.New[int]())
	carts := store.NewCartStore(bus.New[[]domain.CartLine](), bus.New[domain.CartSummary]())

	// Engine.
	coord := engine.NewCoordinator(auth, stock, carts, engine.Options{
		Timeout:        cfg.ReservationTimeout,
		ResyncMaxTries: cfg.ResyncMaxTries,
		Logger:         logger,
		Metrics:        m,
	})
	sweeper := engine.NewSweeper(cfg.SweepInterval, cfg.KeyIdleTTL, coord)

	sessionSvc := service.NewSessionService(coord, auth, stock, carts, logger)

	router := handler.NewRouter(sessionSvc, coord, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Stop accepting requests first, then stop the sweeper.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("server stopped")
}
