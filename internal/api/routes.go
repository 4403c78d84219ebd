package api

import (
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.requestLogger())

	s.app.Get("/metrics", adaptor.HTTPHandler(s.health.Metrics().Handler()))

	api := s.app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Get("/metrics", s.handleMetricsJSON)

	api.Post("/documents", s.handleUpload)
	api.Get("/documents", s.handleListDocuments)
	api.Get("/documents/:id", s.handleGetDocument)

	api.Get("/records", s.handleListRecords)
}
