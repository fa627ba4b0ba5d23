package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/ses-bulk-mailer/internal/api"
	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/domain"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
	"github.com/ignite/ses-bulk-mailer/internal/ratelimit"
	"github.com/ignite/ses-bulk-mailer/internal/ses"
	"github.com/ignite/ses-bulk-mailer/internal/smtp"
	"github.com/ignite/ses-bulk-mailer/internal/storage"
	"github.com/ignite/ses-bulk-mailer/internal/templates"
)

// checkPortAvailable fails fast when another process holds the port.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v", addr, err)
	}
	return ln.Close()
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.ShouldRedact())

	addr := cfg.Server.Addr()
	log.Println("╔════════════════════════════════════════════════════════╗")
	log.Println("║  SES bulk mailer (cmd/server)                          ║")
	log.Println("╚════════════════════════════════════════════════════════╝")
	log.Printf("  listen:    http://%s", addr)
	log.Printf("  region:    %s", cfg.SES.Region)
	log.Printf("  from:      %s", cfg.SES.FromAddress)
	log.Printf("  transport: %s", cfg.Server.Transport)

	for _, missing := range cfg.Validate() {
		log.Printf("Warning: missing setting %s", missing)
	}

	if err := checkPortAvailable(addr); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sesClient, err := ses.NewClient(ctx, cfg.SES)
	if err != nil {
		log.Fatalf("Failed to create SES client: %v", err)
	}

	var smtpSender domain.Mailer
	if cfg.SMTP.Enabled() {
		s, err := smtp.NewSender(cfg.SMTP)
		if err != nil {
			log.Fatalf("Failed to create SMTP sender: %v", err)
		}
		smtpSender = s
		log.Printf("SMTP transport enabled via %s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
	}

	engine, err := templates.New()
	if err != nil {
		log.Fatalf("Failed to parse templates: %v", err)
	}

	reports, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize report storage: %v", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.Redis.RateLimitEnabled && cfg.Redis.URL != "" {
		limiter, err = ratelimit.NewFromURL(ctx, cfg.Redis.URL, "ses", ratelimit.Limits{
			PerSecond: cfg.Redis.MaxSendRate,
			PerDay:    cfg.Redis.Max24HourSend,
		})
		if err != nil {
			// The SES quota still applies; run without the shared gate.
			log.Printf("Warning: rate limiter disabled: %v", err)
		} else {
			defer limiter.Close()
		}
	}

	server := api.NewServer(cfg.Server, api.Deps{
		SES:       sesClient,
		SMTP:      smtpSender,
		Templates: engine,
		Reports:   reports,
		Limiter:   limiter,
		Transport: cfg.Server.Transport,
		FromEmail: cfg.SES.FromAddress,
		FromName:  cfg.SES.FromName,
		Dispatch:  cfg.Dispatch,
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")
	cancel()

	// In-flight bulk sends finish their admitted batches before returning.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
