// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/borrowarr/borrowarr/internal/api/handlers"
	"github.com/borrowarr/borrowarr/internal/api/middleware"
	"github.com/borrowarr/borrowarr/internal/config"
	"github.com/borrowarr/borrowarr/internal/database"
	"github.com/borrowarr/borrowarr/internal/downloadclient"
	"github.com/borrowarr/borrowarr/internal/models"
	"github.com/borrowarr/borrowarr/internal/services/grab"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	db                  *database.DB
	downloadClientStore *models.DownloadClientStore
	clientPool          *downloadclient.Pool
	grabService         *grab.Service
}

type Dependencies struct {
	Config              *config.AppConfig
	Version             string
	DB                  *database.DB
	DownloadClientStore *models.DownloadClientStore
	ClientPool          *downloadclient.Pool
	GrabService         *grab.Service
}

const (
	readHeaderTimeout = 15 * time.Second
	readTimeout       = time.Minute
	// A grab can chain a release fetch and a client upload, each bounded by
	// the client timeout.
	writeTimeout = 2 * time.Minute
	idleTimeout  = 3 * time.Minute
)

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		},
		logger:              log.Logger.With().Str("module", "api").Logger(),
		config:              deps.Config,
		version:             deps.Version,
		db:                  deps.DB,
		downloadClientStore: deps.DownloadClientStore,
		clientPool:          deps.ClientPool,
		grabService:         deps.GrabService,
	}
}

func (s *Server) ListenAndServe() error {
	return s.ListenAndServeReady(nil)
}

// ListenAndServeReady serves the API and sends on ready, without blocking,
// once the listener is bound.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	handler, err := s.Handler()
	if err != nil {
		return fmt.Errorf("build API router: %w", err)
	}
	s.server.Handler = handler

	listener, err := s.listen()
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("base_url", s.baseURL()).
		Msgf("API listening on http://%s%sapi", displayAddr(listener.Addr()), s.baseURL())

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

// listen binds host:port, falling back to a single address family when the
// dual-stack bind fails.
func (s *Server) listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.config.Config.Host, strconv.Itoa(s.config.Config.Port))

	var errs []error
	for _, network := range []string{"tcp", "tcp4", "tcp6"} {
		l, err := net.Listen(network, addr)
		if err == nil {
			return l, nil
		}
		s.logger.Warn().Err(err).Str("addr", addr).Str("network", network).Msg("Could not bind API listener")
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// displayAddr swaps a wildcard host for localhost so the logged URL works
// when clicked.
func displayAddr(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) baseURL() string {
	base := s.config.Config.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func (s *Server) useCommonMiddleware(r chi.Router) {
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	compress, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("Response compression disabled")
	} else {
		r.Use(compress)
	}

	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}).Handler)
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()
	s.useCommonMiddleware(r)

	healthHandler := handlers.NewHealthHandler(s.db)
	clientsHandler := handlers.NewDownloadClientsHandler(s.downloadClientStore, s.clientPool, s.grabService)
	downloadsHandler := handlers.NewDownloadsHandler(s.clientPool)
	grabHandler := handlers.NewGrabHandler(s.grabService)

	apiRouter := chi.NewRouter()
	apiRouter.Group(func(r chi.Router) {
		r.Use(middleware.Logger(s.logger))

		r.Get("/openapi.json", serveOpenAPIJSON)

		r.Route("/download-clients", func(r chi.Router) {
			r.Get("/", clientsHandler.ListDownloadClients)
			r.Post("/", clientsHandler.CreateDownloadClient)
			r.Get("/types", clientsHandler.ListTypes)
			r.Post("/test", clientsHandler.TestSettings)
			r.Put("/order", clientsHandler.UpdateOrder)

			r.Route("/{clientID}", func(r chi.Router) {
				r.Get("/", clientsHandler.GetDownloadClient)
				r.Put("/", clientsHandler.UpdateDownloadClient)
				r.Delete("/", clientsHandler.DeleteDownloadClient)
				r.Put("/status", clientsHandler.UpdateDownloadClientStatus)
				r.Post("/test", clientsHandler.TestConnection)
				r.Get("/capabilities", clientsHandler.GetCapabilities)

				r.Route("/downloads", func(r chi.Router) {
					r.Get("/", downloadsHandler.ListDownloads)

					r.Route("/{downloadID}", func(r chi.Router) {
						r.Delete("/", downloadsHandler.RemoveDownload)
						r.Post("/pause", downloadsHandler.PauseDownload())
						r.Post("/resume", downloadsHandler.ResumeDownload())
						r.Post("/start", downloadsHandler.StartDownload())
						r.Post("/stop", downloadsHandler.StopDownload())
						r.Put("/label", downloadsHandler.SetLabel)
					})
				})

				r.Post("/categories", downloadsHandler.AddCategory)
			})
		})

		r.Route("/grab", func(r chi.Router) {
			r.Post("/", grabHandler.Grab)
			r.Get("/history", grabHandler.History)
		})
	})

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	r.Mount(s.baseURL()+"api", apiRouter)

	if base := s.baseURL(); base != "/" {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "BorrowArr is served under "+base, http.StatusNotFound)
		})
	}

	return r, nil
}
