package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	router "github.com/dkeye/ptt/internal/adapters/http"
	wsignal "github.com/dkeye/ptt/internal/adapters/signal"
	"github.com/dkeye/ptt/internal/app"
	"github.com/dkeye/ptt/internal/config"
	"github.com/dkeye/ptt/internal/core"
	"github.com/dkeye/ptt/internal/logging"
	"github.com/dkeye/ptt/internal/ratelimit"
	"github.com/dkeye/ptt/internal/store/local"
	"github.com/dkeye/ptt/internal/store/memtree"
	"github.com/dkeye/ptt/internal/store/redistree"
)

func openBackend(ctx context.Context, cfg config.StoreConfig) (local.Backend, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		t := memtree.New()
		return t, t.Close, nil
	case "redis":
		t, err := redistree.New(ctx, redistree.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Early logger so config.Load can report problems.
	logging.Setup(logging.Config{Level: "info", Pretty: true})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	backend, closeBackend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("store backend")
	}
	defer func() {
		if err := closeBackend(); err != nil {
			log.Error().Err(err).Msg("close store backend")
		}
	}()

	net := local.NewNetwork(backend)
	reg := app.NewRegistry()
	limiter := ratelimit.New[core.SessionID](cfg.Store.PushLimit, time.Second)
	ctrl := wsignal.NewSignalWSController(net, reg, app.SimplePolicy{}, limiter, wsignal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		SendBuffer: cfg.SendBuffer,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{Net: net, Registry: reg, Signal: ctrl})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("backend", cfg.Store.Backend).Msg("PTT relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Dropping the sockets runs every connection's disconnect hooks.
	reg.CancelAll()
	for reg.Len() > 0 && shutdownCtx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	log.Info().Msg("Server exited gracefully")
}
