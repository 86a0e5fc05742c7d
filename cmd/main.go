package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"audio-framer/pkg/api"
	"audio-framer/pkg/config"
	"audio-framer/pkg/logger"
	"audio-framer/pkg/observe"
	"audio-framer/pkg/pipeline"
	"audio-framer/pkg/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}

	log := logger.New(logger.Config{
		Level:      logger.ParseLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.JSON,
	})
	slog.SetDefault(log)

	provider, err := observe.InitProvider()
	if err != nil {
		log.Error("failed to initialize metrics", "error", err)
		return 1
	}

	memStore := storage.NewMemoryStore()
	var archive storage.FrameArchive
	if !cfg.Storage.DisableArchive {
		archive, err = storage.NewDiskStore(cfg.Storage.Path, cfg.Storage.RetentionTTL)
		if err != nil {
			log.Error("failed to initialize frame archive", "path", cfg.Storage.Path, "error", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	pipelineManager := pipeline.NewManager(cfg.Pipeline, memStore, archive, provider.Metrics, log)
	if err := pipelineManager.Start(ctx); err != nil {
		log.Error("failed to start pipeline", "error", err)
		return 1
	}

	handlers := api.NewHandlers(pipelineManager, memStore, archive)

	router := mux.NewRouter()
	router.Use(observe.Middleware(provider.Metrics, log))
	router.Handle("/metrics", provider.Handler()).Methods(http.MethodGet)
	handlers.Register(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "address", cfg.Server.Address, "archive", archive != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	code := 0
	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		code = 1
	}

	pipelineManager.Stop()
	if archive != nil {
		if err := archive.Close(); err != nil {
			log.Warn("failed to close frame archive", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to shut down metrics provider", "error", err)
	}

	log.Info("server exited")
	return code
}
