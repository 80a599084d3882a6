// Package server exposes the document cache over HTTP: a JSON API for
// listings, rendered documents, search, and cache administration, plus a
// websocket endpoint streaming ordered change notifications.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/markview/markview/internal/cache"
	"github.com/markview/markview/internal/config"
	"github.com/markview/markview/internal/hub"
	"github.com/markview/markview/internal/index"
	"github.com/markview/markview/internal/logging"
	"github.com/markview/markview/internal/pathguard"
	"github.com/markview/markview/internal/scanner"
)

// Sequencer reports the last change sequence number assigned, so clients
// can tell how far behind a reconnect left them.
type Sequencer interface {
	Sequence() uint64
}

// Deps are the collaborators the server serves from.
type Deps struct {
	Config    *config.Config
	Guard     *pathguard.Guard
	Cache     *cache.Store
	Index     *index.Index
	Scanner   *scanner.Scanner
	Hub       *hub.Hub
	Sequencer Sequencer
	Logger    logging.Logger
}

// Server is the HTTP front end.
type Server struct {
	deps    Deps
	logger  logging.Logger
	started time.Time
	mux     *http.ServeMux
}

// New builds the server and its routing table.
func New(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		logger:  deps.Logger.WithComponent("server"),
		started: time.Now(),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	s.mux.HandleFunc("GET /api/documents/", s.handleGetDocument)
	s.mux.HandleFunc("GET /api/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("POST /api/cache/clear", s.handleCacheClear)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s
}

// Handler returns the routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.withRequestLog(s.mux)
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Server.Host, s.deps.Config.Server.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if max := s.deps.Config.Server.MaxConnections; max > 0 {
		ln = netutil.LimitListener(ln, max)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info(ctx, "listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// withRequestLog logs one line per completed request.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start).String())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker during websocket
// upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
