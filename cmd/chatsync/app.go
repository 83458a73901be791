// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/souravsarkar1/chatsync/lib/config"
	"github.com/souravsarkar1/chatsync/messaging"
	"github.com/souravsarkar1/chatsync/metrics"
	"github.com/souravsarkar1/chatsync/outbox"
	"github.com/souravsarkar1/chatsync/reconcile"
	"github.com/souravsarkar1/chatsync/session"
	"github.com/souravsarkar1/chatsync/transport"
)

// app holds the process-wide pieces every command shares. The outbox
// and socket are opened on first use.
type app struct {
	config        *config.Config
	logger        *slog.Logger
	session       *session.Session
	client        *messaging.Client
	metrics       *metrics.Metrics
	metricsServer *http.Server

	outbox *outbox.Outbox
}

func newApp(opts options, logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	token, err := readToken(opts.tokenFile)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(session.Config{Token: token, UserID: opts.userID, Logger: logger})
	if err != nil {
		return nil, err
	}
	if expires := sess.ExpiresAt(); !expires.IsZero() {
		logger.Debug("session loaded", "user_id", sess.UserID(), "expires_at", expires, "expires_in", time.Until(expires).Round(time.Second))
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		BaseURL:     cfg.Server.URL,
		Credentials: sess,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	a := &app{config: cfg, logger: logger, session: sess, client: client, metrics: m}
	if opts.metricsAddr != "" {
		if err := a.serveMetrics(opts.metricsAddr, registry); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// loadConfig reads path, or $CHATSYNC_CONFIG, or falls back to the
// defaults.
func loadConfig(path string) (*config.Config, error) {
	load := config.Load
	if path != "" {
		load = func() (*config.Config, error) { return config.LoadFile(path) }
	}
	cfg, err := load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func readToken(tokenFile string) (string, error) {
	if tokenFile != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if token := strings.TrimSpace(os.Getenv(tokenEnvVar)); token != "" {
		return token, nil
	}
	return "", usagef("no token: set %s or pass --token-file", tokenEnvVar)
}

func (a *app) serveMetrics(addr string, registry *prometheus.Registry) error {
	for _, collector := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(collector); err != nil {
			return fmt.Errorf("registering runtime metrics: %w", err)
		}
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{ErrorLog: slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn)}))
	a.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "address", listener.Addr().String())
	return nil
}

// engineHooks are the callbacks a command wires into its engine.
type engineHooks struct {
	onChange func(conversationID string)
	onNotice func(reconcile.Notice)
	onTyping func(conversationID string, typists []string)
}

// newEngine builds the socket transport, opens the outbox, and returns
// an engine over them. Closing the engine closes the socket.
func (a *app) newEngine(hooks engineHooks) (*reconcile.Engine, error) {
	if err := a.config.EnsurePaths(); err != nil {
		return nil, err
	}
	box, err := outbox.Open(outbox.Config{Path: a.config.Paths.Outbox, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	a.outbox = box

	socket, err := transport.NewSocketAdapter(transport.SocketConfig{
		URL:            a.config.Server.SocketURL,
		Client:         a.client,
		Credentials:    a.session,
		InitialBackoff: a.config.Sync.ReconnectBackoff,
		MaxBackoff:     a.config.Sync.MaxReconnectBackoff,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := reconcile.New(reconcile.Config{
		Adapter:         socket,
		Session:         a.session,
		Outbox:          box,
		Metrics:         a.metrics,
		SendAttempts:    a.config.Sync.SendAttempts,
		RetryBackoff:    a.config.Sync.RetryBackoff,
		MaxRetryBackoff: a.config.Sync.MaxRetryBackoff,
		HistoryPageSize: a.config.Sync.HistoryPageSize,
		MaxBodyBytes:    a.config.Sync.MaxBodyBytes,
		TypingTimeout:   a.config.Typing.Timeout,
		TypingInterval:  a.config.Typing.ThrottleInterval,
		OnChange:        hooks.onChange,
		OnNotice:        hooks.onNotice,
		OnTyping:        hooks.onTyping,
		Logger:          a.logger,
	})
	if err != nil {
		socket.Close()
		return nil, err
	}
	return engine, nil
}

func (a *app) Close() {
	if a.outbox != nil {
		if err := a.outbox.Close(); err != nil {
			a.logger.Warn("closing outbox", "error", err)
		}
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.metricsServer.Shutdown(ctx)
	}
	a.client.CloseIdleConnections()
}
