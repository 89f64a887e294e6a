// ABOUTME: HTTP server for the roomfeed dashboard: router, listener, lifecycle.
// ABOUTME: Serves either on a TCP address or over tailnet via tsnet.

package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"tailscale.com/tsnet"

	"github.com/lumenlab/roomfeed/internal/config"
	"github.com/lumenlab/roomfeed/internal/fanout"
	"github.com/lumenlab/roomfeed/internal/session"
	"github.com/lumenlab/roomfeed/internal/store"
)

// LoginFunc exchanges homeserver credentials for a durable access token.
// Split out so handlers can be tested without a live homeserver.
type LoginFunc func(ctx context.Context, homeserver, username, password string) (session.Credential, error)

// Server hosts the dashboard: auth pages, room selection, filter
// settings, the live feed websocket, and outbound send.
type Server struct {
	cfg      *config.Config
	store    store.Store
	manager  *session.Manager
	registry *fanout.Registry
	login    LoginFunc
	tokens   *tokenIssuer
	logger   *slog.Logger

	router      chi.Router
	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New creates a Server. login may be nil only in tests that never hit
// the link-account route.
func New(cfg *config.Config, st store.Store, manager *session.Manager, registry *fanout.Registry, login LoginFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		manager:  manager,
		registry: registry,
		login:    login,
		tokens:   newTokenIssuer(cfg.Auth.JWTSecret),
		logger:   logger.With("component", "web"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowCredentials: true,
	}))

	r.Get("/health", s.handleHealth)

	r.Get("/signup", s.handleSignupPage)
	r.Post("/signup", s.handleSignup)
	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/", s.handleFeed)
		r.Get("/link", s.handleLinkPage)
		r.Post("/link", s.handleLink)
		r.Post("/unlink", s.handleUnlink)
		r.Get("/rooms", s.handleRoomsPage)
		r.Post("/rooms", s.handleRoomsSave)
		r.Get("/settings", s.handleSettingsPage)
		r.Post("/settings", s.handleSettingsSave)
		r.Post("/send", s.handleSend)
		r.Get("/ws", s.handleWS)
	})

	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// accessLogger is a middleware that logs HTTP requests
func (s *Server) accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}

// Start listens and serves until the context is cancelled or the
// listener fails. Blocks.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	s.logger.Info("dashboard listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// listen returns the serving listener: a tsnet one when tailscale is
// enabled, plain TCP otherwise.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if !s.cfg.Tailscale.Enabled {
		ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", s.cfg.Server.HTTPAddr, err)
		}
		return ln, nil
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  s.cfg.Tailscale.Hostname,
		AuthKey:   s.cfg.Tailscale.AuthKey,
		Dir:       s.cfg.Tailscale.StateDir,
		Ephemeral: s.cfg.Tailscale.Ephemeral,
		Logf:      func(format string, args ...any) {}, // tsnet is chatty
	}

	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logger.Info("tailscale up",
		"hostname", s.cfg.Tailscale.Hostname, "ips", status.TailscaleIPs)

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("tailscale listen: %w", err)
	}
	return ln, nil
}

// Shutdown drains the HTTP server and closes the tailscale node.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
