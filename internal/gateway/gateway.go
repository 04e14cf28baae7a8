// Package gateway hosts the local diagnostics surface: the WebSocket
// event bus and the HTTP API server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Gateway serves the diagnostics API and owns the event bus.
type Gateway struct {
	addr   string
	log    *zap.Logger
	bus    *EventBus
	server *http.Server
}

// New constructs a Gateway without starting it. The handler is the
// api.NewRouter result; the bus is shared with the device loop, which
// publishes into it.
func New(addr string, bus *EventBus, handler http.Handler, log *zap.Logger) *Gateway {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Gateway{addr: addr, log: log, bus: bus, server: srv}
}

// Bus returns the shared event bus.
func (g *Gateway) Bus() *EventBus { return g.bus }

// Start serves HTTP and blocks until ctx is cancelled or the server
// fails.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.addr, err)
	}
	g.log.Info("diagnostics API listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.log.Info("shutting down diagnostics API")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}
