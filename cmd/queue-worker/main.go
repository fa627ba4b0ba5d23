// Command queue-worker drains the email_queue table through the bulk
// dispatcher. With -enqueue it loads a recipient list into the queue and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/domain"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/distlock"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
	"github.com/ignite/ses-bulk-mailer/internal/queue"
	"github.com/ignite/ses-bulk-mailer/internal/ratelimit"
	"github.com/ignite/ses-bulk-mailer/internal/recipients"
	"github.com/ignite/ses-bulk-mailer/internal/ses"
	"github.com/ignite/ses-bulk-mailer/internal/storage"
)

const lockTTL = 5 * time.Minute

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	enqueue := flag.String("enqueue", "", "load this recipient list into the queue and exit")
	once := flag.Bool("once", false, "drain once and exit")
	flag.Parse()

	log.Println("Starting queue worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.ShouldRedact())

	if cfg.Queue.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := queue.Open(ctx, cfg.Queue.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := queue.NewRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}

	if *enqueue != "" {
		list, err := recipients.Load(ctx, *enqueue)
		for _, pe := range recipients.ParseErrors(err) {
			logger.Warn("skipping recipient row", "line", pe.Line, "reason", pe.Reason)
		}
		if err != nil && len(recipients.ParseErrors(err)) == 0 {
			log.Fatalf("Failed to load recipients: %v", err)
		}
		n, err := repo.Enqueue(ctx, list)
		if err != nil {
			log.Fatalf("Failed to enqueue: %v", err)
		}
		log.Printf("Enqueued %d recipients", n)
		return
	}

	if n, err := repo.RecoverStale(ctx); err != nil {
		logger.Warn("stale row recovery failed", "error", err)
	} else if n > 0 {
		log.Printf("Recovered %d rows left in sending state", n)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("Connected to Redis")
	}
	lock := distlock.NewLock(redisClient, db, "email-queue-drain", lockTTL)

	client, err := ses.NewClient(ctx, cfg.SES)
	if err != nil {
		log.Fatalf("Failed to create SES client: %v", err)
	}
	from := (&domain.EmailMessage{FromEmail: cfg.SES.FromAddress, FromName: cfg.SES.FromName}).From()
	templateName := cfg.Queue.TemplateName
	if templateName == "" {
		templateName = cfg.Dispatch.DefaultTemplate
	}
	bulk, err := client.BulkSender(ses.BulkOptions{From: from, TemplateName: templateName})
	if err != nil {
		log.Fatalf("Invalid queue sender settings: %v", err)
	}

	var sender dispatch.BatchSender = bulk
	if redisClient != nil && cfg.Redis.RateLimitEnabled {
		limiter := ratelimit.New(redisClient, "ses", ratelimit.Limits{
			PerSecond: cfg.Redis.MaxSendRate,
			PerDay:    cfg.Redis.Max24HourSend,
		})
		sender = limiter.Wrap(bulk)
	}

	dispatcher, err := dispatch.New(dispatch.WithOptions(dispatch.Options{
		MaxBatchSize:    min(cfg.Dispatch.MaxBatchSize, ses.MaxBulkDestinations),
		MaxConcurrency:  cfg.Dispatch.MaxConcurrency,
		InterBatchDelay: cfg.Dispatch.InterBatchDelay(),
	}))
	if err != nil {
		log.Fatalf("Invalid dispatch settings: %v", err)
	}

	drainer := queue.NewDrainer(repo, lock, dispatcher, sender, queue.DrainerConfig{
		ClaimSize:  cfg.Queue.ClaimSize,
		MaxRetries: cfg.Queue.MaxRetries,
		LockTTL:    lockTTL,
	})
	if reports, err := storage.New(ctx, cfg.Storage); err != nil {
		logger.Warn("drain reports will not be archived", "error", err)
	} else {
		drainer.SetReportSink(reports)
	}

	if *once {
		res, err := drainer.Drain(ctx)
		if err != nil {
			log.Fatalf("Drain failed: %v", err)
		}
		log.Printf("Drained: %d claimed, %d sent, %d failed, %d released", res.Claimed, res.Sent, res.Failed, res.Released)
		return
	}

	log.Printf("Draining every %s", cfg.Queue.PollInterval())
	if err := drainer.Run(ctx, cfg.Queue.PollInterval()); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Worker stopped: %v", err)
	}

	if stats, err := repo.Stats(context.Background()); err == nil {
		log.Printf("Queue at shutdown: %+v", *stats)
	}
	log.Println("Queue worker stopped")
}
