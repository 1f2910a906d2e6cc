package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mikeyg42/clipcam/internal/api"
	"github.com/mikeyg42/clipcam/internal/recorder/recorderlog"
)

// ServerManager handles the lifecycle of the maintenance API server
type ServerManager struct {
	api       *api.Server
	healthURL string
	logger    recorderlog.Logger
}

// NewServerManager wraps srv, which listens on addr.
func NewServerManager(srv *api.Server, addr string, logger recorderlog.Logger) *ServerManager {
	return &ServerManager{
		api:       srv,
		healthURL: healthURL(addr),
		logger:    logger,
	}
}

// healthURL turns a listen address such as ":8080" into a loopback URL.
func healthURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + "/api/health"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/api/health"
}

// Start launches the API server and waits until it answers health checks.
func (sm *ServerManager) Start(ctx context.Context) error {
	sm.api.StartInBackground()
	if err := sm.waitReady(ctx, 10*time.Second); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sm.Stop(shutdownCtx)
		return fmt.Errorf("API server failed to start: %w", err)
	}
	return nil
}

func (sm *ServerManager) waitReady(ctx context.Context, limit time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	check := func() error {
		resp, err := client.Get(sm.healthURL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 && resp.StatusCode != http.StatusServiceUnavailable {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil
	}

	timeout := time.After(limit)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout waiting for %s", sm.healthURL)
		case <-ticker.C:
			if err := check(); err == nil {
				sm.logger.Info("API server ready", recorderlog.String("health", sm.healthURL))
				return nil
			}
		}
	}
}

// Stop shuts the API server down, logging rather than returning errors.
func (sm *ServerManager) Stop(ctx context.Context) {
	if err := sm.api.Shutdown(ctx); err != nil {
		sm.logger.Warn("API server shutdown incomplete", recorderlog.Error(err))
	}
}
