// Package web serves the casedesk inspection API.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/casedesk/internal/dbsession"
	"github.com/saltyorg/casedesk/internal/web/handlers"
	"github.com/saltyorg/casedesk/internal/web/middleware"
)

const requestTimeout = 30 * time.Second

// Server represents the web server
type Server struct {
	port       int
	bind       string
	allowedNet *net.IPNet
	router     *chi.Mux
	handlers   *handlers.Handlers
}

// NewServer creates a new web server. probes may be nil.
func NewServer(coord *dbsession.Coordinator, probes handlers.ProbeResults, version handlers.VersionInfo, port int, bind string, allowedNet *net.IPNet) *Server {
	s := &Server{
		port:       port,
		bind:       bind,
		allowedNet: allowedNet,
		router:     chi.NewRouter(),
		handlers:   handlers.New(coord, probes, version),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router
	h := s.handlers

	r.Use(chimiddleware.RequestID)
	// AllowSubnet must come BEFORE RealIP so we check the actual connection source
	r.Use(middleware.AllowSubnet(s.allowedNet))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", h.Version)
		r.Get("/sessions", h.Sessions)
		r.Get("/connections", h.Connections)
		r.Put("/connections/{key}", h.PutConnection)
		r.Get("/probes", h.Probes)
	})
}

// Addr returns the listen address
func (s *Server) Addr() string {
	if s.bind != "" {
		return fmt.Sprintf("%s:%d", s.bind, s.port)
	}
	return fmt.Sprintf(":%d", s.port)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := s.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
