package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/llmgateway/internal/cost"
	"github.com/howard-nolan/llmgateway/internal/credentials"
	"github.com/howard-nolan/llmgateway/internal/fetch"
	"github.com/howard-nolan/llmgateway/internal/gateway"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/server"
	"github.com/howard-nolan/llmgateway/internal/stats"
	"github.com/howard-nolan/llmgateway/internal/usagelog"
)

// shutdownTimeout bounds how long in-flight requests may finish after a
// stop signal. Streams longer than this are cut.
const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetchOpts := []fetch.Option{
		fetch.WithTimeout(cfg.Fetch.Timeout),
		fetch.WithMaxBytes(cfg.Fetch.MaxBytes),
		fetch.WithAllowHosts(cfg.Fetch.AllowHosts),
	}
	if cfg.Fetch.AllowPrivate {
		fetchOpts = append(fetchOpts, fetch.WithAllowPrivate())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Without Redis, usage goes to the log and routing uses catalog
	// metrics only.
	var rdb redis.UniversalClient
	var sink usagelog.Sink = usagelog.NewSlogSink(log)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		rdb = client
		sink = usagelog.NewRedisSink(client, cfg.Redis.LogStream)
	}
	live := stats.New(cat, rdb, cfg.Redis.StatsPrefix, log)
	go live.Run(ctx, cfg.Redis.StatsRefresh)

	gw := gateway.New(gateway.Options{
		Catalog:           cat,
		Adapters:          provider.NewAdapters(fetch.New(fetchOpts...)),
		Client:            provider.NewClient(&http.Client{}),
		Credentials:       credentials.New(cfg.Providers),
		Cost:              cost.New(cat, cost.NewTokenizer(log)),
		Stats:             live,
		Sink:              sink,
		Metrics:           metrics.New(reg),
		Logger:            log,
		UpstreamTimeout:   cfg.Upstream.Timeout,
		VideoPollInterval: cfg.Video.PollInterval,
		VideoTimeout:      cfg.Video.Timeout,
	})

	srv := server.New(server.Options{
		Gateway:  gw,
		Catalog:  cat,
		AuthKeys: cfg.Auth.Keys,
		Gatherer: reg,
		Logger:   log,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("llmgateway listening",
			"addr", httpServer.Addr,
			"models", len(cat.Models()),
			"providers", len(cat.Providers()),
			"redis", cfg.Redis.Addr != "",
		)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
