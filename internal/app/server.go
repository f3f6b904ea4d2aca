package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	intrnl "staypresence/internal"
	"staypresence/internal/storage"
)

// ServerHandle represents a running presence server instance.
type ServerHandle struct {
	addr     string
	server   *http.Server
	presence *intrnl.Server
	store    *storage.Store
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	logger   zerolog.Logger
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Presence exposes the emit and query API of the running server.
func (h *ServerHandle) Presence() *intrnl.Server {
	return h.presence
}

// Stop cancels the hub and shuts the HTTP server down, waiting until ctx expires.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.cancel == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.cancel()
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the user directory, runs migrations, and starts the hub
// and the HTTP server in the background. Cancelling ctx stops both.
func RunServer(ctx context.Context, cfg ServerConfig, logger zerolog.Logger) (*ServerHandle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(cfg.DBPath, "file:") && !strings.HasPrefix(cfg.DBPath, "sqlite://") && !strings.HasPrefix(cfg.DBPath, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	metrics := intrnl.NewMetrics()
	directory := intrnl.NewStoreDirectory(store)
	hub := intrnl.NewHub(logger, metrics)
	presence := intrnl.NewServer(hub, intrnl.NewJWTAuthenticator(cfg.JWTSecret, directory), directory, metrics, cfg.Options(), logger)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           presence.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &ServerHandle{
		addr:     listener.Addr().String(),
		server:   httpServer,
		presence: presence,
		store:    store,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logger,
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return hub.Run(groupCtx)
	})
	group.Go(func() error {
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	logger.Info().Str("addr", handle.addr).Str("path", presence.WSPath()).Msg("presence server listening")
	go handle.serve(group)
	return handle, nil
}

func (h *ServerHandle) serve(group *errgroup.Group) {
	defer close(h.done)
	err := group.Wait()
	h.cancel()
	if closeErr := h.store.Close(); closeErr != nil {
		h.logger.Error().Err(closeErr).Msg("store close error")
	}
	h.err = err
}
