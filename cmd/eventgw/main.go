// Command eventgw runs the AMQP-to-browser events gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panyam/eventgw/bus"
	"github.com/panyam/eventgw/config"
	"github.com/panyam/eventgw/gateway"
)

func main() {
	configPath := flag.String("config", "eventgw.toml", "path to the TOML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		fmt.Fprintf(os.Stderr, "eventgw: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	connector := bus.NewAMQPConnector(cfg.AMQP.URL, logger)
	defer connector.Close()

	registry := gateway.NewRegistry()

	promRegistry := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(promRegistry, registry.Len)
	reporter := gateway.Reporters{gateway.NewLogReporter(logger), metrics}

	tokens, err := gateway.NewStreamTokens(cfg.Events.StreamTokenKey)
	if err != nil {
		return err
	}

	wsHandler := gateway.NewWSHandler(connector, registry, reporter, logger)
	wsHandler.Component = cfg.Events.Component
	wsHandler.AllowedExchanges = cfg.Events.AllowedExchanges
	wsHandler.MaxMissedPongs = cfg.Events.MaxMissedPongs

	sseHandler := gateway.NewSSEHandler(connector, reporter, tokens, logger)
	sseHandler.Component = cfg.Events.Component
	sseHandler.PingInterval = cfg.Events.StreamPingInterval

	startTime := time.Now()
	router := mux.NewRouter()
	router.Handle("/v1/socket", wsHandler)
	router.Handle("/v1/connect", sseHandler)
	router.Handle("/v1/connect/", sseHandler)
	router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	if cfg.Server.AssetsDir != "" {
		router.PathPrefix("/assets/").Handler(
			http.StripPrefix("/assets/", http.FileServer(http.Dir(cfg.Server.AssetsDir))))
	}
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"component": cfg.Events.Component,
			"uptime":    time.Since(startTime).String(),
			"sessions":  registry.Len(),
		})
	})

	keepalive := gateway.NewKeepalive(registry, cfg.Events.PingInterval, logger)
	keepalive.Start()

	server := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		errc <- server.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errc:
		keepalive.Stop()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	keepalive.Stop()
	registry.CloseAll(context.Canceled)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
