// Package api is the HTTP upload boundary for scanned donation forms.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gmsas95/donorscan/internal/config"
	"github.com/gmsas95/donorscan/internal/store"
)

// Version is reported by the health endpoint.
var Version = "dev"

type Server struct {
	app    *fiber.App
	config *config.Config
	jobs   Jobs
	store  *store.Store
	health Health
	logger *zap.Logger
}

func New(cfg *config.Config, jobs Jobs, st *store.Store, health Health, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.Server.MaxUploadMB * 1024 * 1024,
		ReadTimeout:           time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	s := &Server{
		app:    app,
		config: cfg,
		jobs:   jobs,
		store:  st,
		health: health,
		logger: logger,
	}

	s.setupRoutes()
	return s
}

// App exposes the underlying fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Start() error {
	return s.app.Listen(s.config.ListenAddr())
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
