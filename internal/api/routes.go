package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Server-Identity", "ses-bulk-mailer")
			next.ServeHTTP(w, req)
		})
	})

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health.HandleHealth)
	r.Get("/health/live", s.health.HandleLiveness)
	r.Get("/health/ready", s.health.HandleReadiness)
	r.Post("/bulk-send", s.handleBulkSend)
	r.Post("/upload-and-send", s.handleUploadAndSend)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health.HandleHealth)

		r.Route("/email", func(r chi.Router) {
			r.Post("/send", s.handleSend)
			r.Post("/send-welcome", s.handleSendWelcome)
			r.Post("/send-otp", s.handleSendOTP)
			r.Post("/send-notification", s.handleSendNotification)
			r.Post("/send-templated", s.handleSendTemplated)
			r.Post("/send-bulk", s.handleSendBulk)

			r.Get("/bulk-send", s.handleListRuns)
			r.Post("/bulk-send", s.handleBulkSend)
			r.Get("/bulk-send/{runID}", s.handleGetRun)
			r.Post("/bulk-send/{runID}/retry", s.handleRetryRun)
			r.Post("/upload-and-send", s.handleUploadAndSend)

			r.Get("/templates", s.handleListTemplates)
			r.Post("/templates", s.handleCreateTemplate)
			r.Get("/templates/{name}", s.handleGetTemplate)
			r.Delete("/templates/{name}", s.handleDeleteTemplate)

			r.Get("/account", s.handleAccount)
		})
	})

	return r
}
