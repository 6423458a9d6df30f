package relay

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncline/syncline/internal/broadcast"
	"github.com/syncline/syncline/internal/store"
	"github.com/syncline/syncline/internal/wire"
)

// upgrader accepts any origin: syncline vaults are expected to sit
// behind a trusted network or reverse proxy doing its own access
// control (see the Open Question decision on auth/TLS in DESIGN.md).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay's HTTP entry point: a WebSocket upgrade at
// /sync and a Prometheus scrape endpoint at /metrics.
type Server struct {
	store   *store.Store
	hub     broadcast.Hub
	logger  log.Logger
	metrics *Metrics
}

// NewServer wires a Server from its dependencies.
func NewServer(st *store.Store, hub broadcast.Hub, logger log.Logger, m *Metrics) *Server {
	return &Server{store: st, hub: hub, logger: logger, metrics: m}
}

// Handler returns the server's http.Handler, mountable directly or
// wrapped by a cmd/server http.Server.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", srv.handleSync)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (srv *Server) handleSync(w http.ResponseWriter, r *http.Request) {

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(srv.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}

	conn := wire.NewConn(ws)
	session := NewSession(conn, srv.store, srv.hub, srv.logger, srv.metrics)

	session.Run(r.Context())
}

// Serve blocks, listening on addr until ctx is cancelled. When
// tlsConfig is non-nil the listener terminates TLS in-process;
// otherwise it serves plain HTTP/WebSocket, leaving TLS termination to
// a reverse proxy.
func (srv *Server) Serve(ctx context.Context, addr string, tlsConfig *tls.Config) error {

	httpServer := &http.Server{
		Addr:      addr,
		Handler:   srv.Handler(),
		TLSConfig: tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		level.Info(srv.logger).Log("msg", "relay listening", "addr", addr, "tls", tlsConfig != nil)
		if tlsConfig != nil {
			errCh <- httpServer.ListenAndServeTLS("", "")
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		return httpServer.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "relay http server")
		}
		return nil
	}
}
