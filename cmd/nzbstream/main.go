// Command nzbstream runs the HTTP service: upload an NZB, get back a
// session URL that streams its reassembled video content with range
// support while segments are still downloading in the background.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nzbstream/pkg/config"
	"nzbstream/pkg/logger"
	"nzbstream/pkg/server"
	"nzbstream/pkg/session"
	"nzbstream/pkg/usenet/nntp"
	"nzbstream/pkg/usenet/retriever"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		log.Fatalf("failed to create cache dir %s: %v", cfg.CacheDir, err)
	}
	logger.Init(cfg.LogLevel, cfg.CacheDir)
	defer logger.Close()

	logger.Info("nzbstream starting", "nntp_host", cfg.NNTPHost, "http_addr", cfg.HTTPAddr)

	pool := nntp.NewClientPool(cfg.NNTPHost, cfg.NNTPPort, cfg.NNTPUseSSL, cfg.NNTPUsername, cfg.NNTPPassword, cfg.NNTPMaxConnections)
	if err := pool.Validate(); err != nil {
		log.Fatalf("NNTP provider validation failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.WarmPool(ctx)

	r := retriever.New(pool)
	manager := session.NewManager(cfg.CacheDir, cfg.SessionTTL)

	startJobs := server.DefaultScheduler(r, cfg.NNTPMaxConnections)
	srv := server.New(manager, startJobs)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Routes(),
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("nzbstream shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	manager.Shutdown()
	pool.Shutdown()
}
