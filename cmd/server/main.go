package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan/internal/artifact"
	"github.com/Brownie44l1/dermascan/internal/config"
	"github.com/Brownie44l1/dermascan/internal/controller"
	"github.com/Brownie44l1/dermascan/internal/handlers"
	"github.com/Brownie44l1/dermascan/internal/logging"
	"github.com/Brownie44l1/dermascan/internal/model"
	"github.com/Brownie44l1/dermascan/internal/pipeline"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.toml"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := model.InitEnvironment(cfg.Model.LibraryPath); err != nil {
		logger.Fatal("failed to initialize onnxruntime", zap.Error(err))
	}
	defer model.DestroyEnvironment() //nolint:errcheck

	policy, err := pipeline.ParseBusyPolicy(cfg.Pipeline.BusyPolicy)
	if err != nil {
		logger.Fatal("invalid busy policy", zap.Error(err))
	}

	meta := model.DefaultMetadata()
	meta.Threshold = cfg.Model.Threshold

	opener := model.NewONNXOpener(meta, model.ONNXOptions{
		IntraOpThreads: cfg.Model.IntraOpThreads,
		InterOpThreads: cfg.Model.InterOpThreads,
	})
	rt := model.NewRuntime(opener, meta, logger)
	defer rt.Close()

	fetcher := artifact.NewFetcher(&http.Client{Timeout: cfg.Fetch.Timeout}, cfg.Fetch.ChunkSize, logger)
	ctrl := controller.New(
		pipeline.New(rt, policy, logger),
		pipeline.NewLoader(fetcher, rt, logger),
		cfg.Model.URL,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The server answers /health and /progress while the model downloads.
	go func() {
		if err := ctrl.LoadModel(ctx); err != nil {
			logger.Warn("model unavailable, POST /reload to retry", zap.Error(err))
			return
		}
		logger.Info("model ready", zap.Strings("classes", meta.Classes))
	}()

	r := mux.NewRouter()
	handlers.NewHandler(ctx, ctrl, cfg.Server.MaxUploadBytes, logger).Register(r)

	addr := ":" + cfg.Server.Port
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server starting",
		zap.String("addr", addr),
		zap.String("model_url", cfg.Model.URL),
		zap.Stringer("busy_policy", policy))
	logger.Debug("endpoints",
		zap.Strings("routes", []string{
			"GET /health",
			"GET /progress",
			"POST /image",
			"POST /classify",
			"POST /predict/image",
			"POST /reload",
		}))

	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
