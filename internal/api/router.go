package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskcenter/internal/core"
	"taskcenter/internal/store"
	"taskcenter/web"
)

// DefaultUploadLimit caps request bodies, including multipart uploads.
const DefaultUploadLimit int64 = 10 << 20

// ServerConfig holds the dependencies of the HTTP server.
type ServerConfig struct {
	Addr      string
	Store     *store.Store
	Engine    *core.Engine
	Simulator *core.Simulator
	Syncer    *core.Syncer
	// MCP is mounted at /mcp when set.
	MCP         http.Handler
	Logger      *slog.Logger
	UploadLimit int64
}

func (c *ServerConfig) defaults() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Engine == nil {
		return errors.New("engine is required")
	}
	if c.Simulator == nil {
		return errors.New("simulator is required")
	}
	if c.Syncer == nil {
		return errors.New("syncer is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.UploadLimit <= 0 {
		c.UploadLimit = DefaultUploadLimit
	}
	return nil
}

// Server holds the HTTP server state.
type Server struct {
	httpServer  *http.Server
	router      *chi.Mux
	store       *store.Store
	engine      *core.Engine
	simulator   *core.Simulator
	syncer      *core.Syncer
	mcpHandler  http.Handler
	logger      *slog.Logger
	uploadLimit int64
}

// NewServer constructs the HTTP API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger(cfg.Logger))
	router.Use(middleware.Recoverer)
	router.Use(SecurityHeaders)

	s := &Server{
		router:      router,
		store:       cfg.Store,
		engine:      cfg.Engine,
		simulator:   cfg.Simulator,
		syncer:      cfg.Syncer,
		mcpHandler:  cfg.MCP,
		logger:      cfg.Logger,
		uploadLimit: cfg.UploadLimit,
	}
	s.registerRoutes(web.Files())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(staticFS fs.FS) {
	fileServer := http.StripPrefix("/assets/", http.FileServer(http.FS(staticFS)))

	s.router.Get("/", s.handleIndex(staticFS))
	s.router.Handle("/assets/*", fileServer)
	s.router.Get("/healthz", s.handleHealth)

	if s.mcpHandler != nil {
		s.router.Handle("/mcp", s.mcpHandler)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(RequestSizeLimit(s.uploadLimit))

		r.Get("/transitions", s.handleTransitions)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Get("/profile", s.handleTaskProfile)
				r.Get("/script", s.handleTaskScript)
				r.Post("/transition", s.handleTransitionTask)
				r.Post("/run", s.handleRunTask)
				r.Post("/stop", s.handleStopTask)
			})
		})

		r.Route("/simulator", func(r chi.Router) {
			r.Get("/", s.handleSimulatorState)
			r.Post("/sync", s.handleSimulatorSync)
		})

		r.Route("/scripts", func(r chi.Router) {
			r.Get("/", s.handleListScripts)
			r.Post("/", s.handleCreateScript)
			r.Route("/{scriptID}", func(r chi.Router) {
				r.Get("/", s.handleGetScript)
				r.Put("/", s.handleUpdateScript)
				r.Delete("/", s.handleDeleteScript)
				r.Get("/download", s.handleDownloadScript)
			})
		})

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", s.handleListProfiles)
			r.Post("/", s.handleCreateProfile)
			r.Route("/{profileID}", func(r chi.Router) {
				r.Get("/", s.handleGetProfile)
				r.Put("/", s.handleUpdateProfile)
				r.Delete("/", s.handleDeleteProfile)
				r.Get("/download", s.handleDownloadProfile)
			})
		})

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleCreateWorker)
			r.Route("/{workerID}", func(r chi.Router) {
				r.Get("/", s.handleGetWorker)
				r.Put("/", s.handleUpdateWorker)
				r.Delete("/", s.handleDeleteWorker)
			})
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(staticFS fs.FS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, err := staticFS.Open("index.html")
		if err != nil {
			http.Error(w, "index not found", http.StatusInternalServerError)
			return
		}
		defer file.Close()
		info, err := fs.Stat(staticFS, "index.html")
		modTime := time.Now()
		if err == nil {
			modTime = info.ModTime()
		}
		if reader, ok := file.(io.ReadSeeker); ok {
			http.ServeContent(w, r, "index.html", modTime, reader)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "failed to load index", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "index.html", modTime, bytes.NewReader(data))
	}
}
