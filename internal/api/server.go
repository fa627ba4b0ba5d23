package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/domain"
	"github.com/ignite/ses-bulk-mailer/internal/ratelimit"
	"github.com/ignite/ses-bulk-mailer/internal/ses"
	"github.com/ignite/ses-bulk-mailer/internal/storage"
	"github.com/ignite/ses-bulk-mailer/internal/templates"
)

// Provider is the SES surface the handlers use. *ses.Client satisfies it.
type Provider interface {
	domain.Mailer
	Region() string
	SendTemplated(ctx context.Context, msg ses.TemplatedMessage) (*domain.SendResult, error)
	BulkSender(opts ses.BulkOptions) (*ses.BulkSender, error)
	CreateTemplate(ctx context.Context, t ses.Template) error
	GetTemplate(ctx context.Context, name string) (*ses.Template, error)
	DeleteTemplate(ctx context.Context, name string) error
	ListTemplates(ctx context.Context) ([]ses.Template, error)
	GetAccountInfo(ctx context.Context) (*ses.AccountInfo, error)
}

// Deps wires the server. SES and Templates are required; the rest may be nil.
type Deps struct {
	SES       Provider
	SMTP      domain.Mailer
	Templates *templates.Engine
	Reports   storage.ReportStore
	Limiter   *ratelimit.Limiter

	// Transport picks the mailer for single sends: "ses" or "smtp".
	Transport string
	FromEmail string
	FromName  string
	Dispatch  config.DispatchConfig
}

// Server is the HTTP API.
type Server struct {
	config config.ServerConfig
	deps   Deps
	health *HealthChecker
	router *chi.Mux
	server *http.Server
}

// NewServer builds the router.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	var redis Pinger
	if deps.Limiter != nil {
		redis = deps.Limiter
	}
	s := &Server{
		config: cfg,
		deps:   deps,
		health: NewHealthChecker(deps.SES.Region(), redis, deps.Reports),
	}
	s.router = s.setupRoutes()
	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// Bulk sends hold the request open for the whole run.
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mailerFor picks the transport for one message. Attachments need SMTP.
func (s *Server) mailerFor(msg *domain.EmailMessage) domain.Mailer {
	if s.deps.SMTP != nil && (s.deps.Transport == string(domain.TransportSMTP) || len(msg.Attachments) > 0) {
		return s.deps.SMTP
	}
	return s.deps.SES
}

// gate wraps a batch sender with the rate limiter when one is configured.
func (s *Server) gate(sender dispatch.BatchSender) dispatch.BatchSender {
	if s.deps.Limiter == nil {
		return sender
	}
	return s.deps.Limiter.Wrap(sender)
}
