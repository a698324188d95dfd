package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"vybbi-edge/internal/config"
	"vybbi-edge/internal/edge"
	"vybbi-edge/internal/logging"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", getenvDefault("VYBBI_EDGE_CONFIG", "/vybbi-edge.yaml"), "path to vybbi-edge.yaml")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	svc, err := edge.New(cfg, logger, edge.Options{})
	if err != nil {
		logger.Fatal("init service", zap.Error(err))
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Deploy(ctx); err != nil {
		logger.Warn("initial deploy failed, will retry", zap.Error(err))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams never go idle; end them with the process.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := svc.Run(ctx); err != nil {
			logger.Error("background loops stopped", zap.Error(err))
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := config.Load(configPath)
				if err != nil {
					logger.Error("reload config", zap.String("path", configPath), zap.Error(err))
					continue
				}
				if err := svc.Reload(ctx, next); err != nil {
					logger.Warn("deploy after reload failed, will retry", zap.Error(err))
				}
			}
		}
	}()

	go func() {
		logger.Info("vybbi-edge listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin), zap.String("cache", cfg.Cache.Name))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
