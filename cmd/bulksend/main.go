// Command bulksend dispatches one recipient list through an SES template and
// exits non-zero when any batch fails.
//
//	bulksend -input recipients.csv -template order-shipped -batch-size 50 -concurrency 2
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/domain"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
	"github.com/ignite/ses-bulk-mailer/internal/ratelimit"
	"github.com/ignite/ses-bulk-mailer/internal/recipients"
	"github.com/ignite/ses-bulk-mailer/internal/ses"
	"github.com/ignite/ses-bulk-mailer/internal/storage"
)

const (
	exitOK      = 0
	exitPartial = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "config/config.yaml", "path to the YAML config")
		input       = flag.String("input", "", "recipient list: .csv, .json, .txt or s3://bucket/key")
		template    = flag.String("template", "", "SES template name (default from config)")
		from        = flag.String("from", "", "sender address (default from config)")
		batchSize   = flag.Int("batch-size", 0, "recipients per SendBulkEmail call (max 50)")
		concurrency = flag.Int("concurrency", 0, "batches in flight")
		delay       = flag.Duration("delay", 0, "pause between batches when concurrency is 1")
		dryRun      = flag.Bool("dry-run", false, "parse and partition only, send nothing")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bulksend: loading config: %v\n", err)
		return exitUsage
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.ShouldRedact())

	if *input == "" {
		fmt.Fprintln(os.Stderr, "bulksend: -input is required")
		flag.Usage()
		return exitUsage
	}
	if *template == "" {
		*template = cfg.Dispatch.DefaultTemplate
	}
	if *template == "" && !*dryRun {
		fmt.Fprintln(os.Stderr, "bulksend: -template is required")
		return exitUsage
	}

	flags := dispatchFlags{
		batchSize:   *batchSize,
		concurrency: *concurrency,
		delay:       *delay,
		set:         visited(flag.CommandLine),
	}
	dispatcher, err := newDispatcher(cfg.Dispatch, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bulksend: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	list, err := loadRecipients(ctx, cfg, *input)
	if err != nil {
		logger.Error("loading recipients failed", "source", *input, "error", err)
		return exitUsage
	}
	if len(list) == 0 {
		logger.Warn("no valid recipients, nothing to send", "source", *input)
		return exitOK
	}

	if *dryRun {
		batches, err := dispatch.Partition(list, dispatcher.Options().MaxBatchSize)
		if err != nil {
			logger.Error("partition failed", "error", err)
			return exitUsage
		}
		logger.Info("dry run",
			"recipients", len(list),
			"batches", len(batches),
			"max_batch_size", dispatcher.Options().MaxBatchSize,
		)
		return exitOK
	}

	client, err := ses.NewClient(ctx, cfg.SES)
	if err != nil {
		logger.Error("creating SES client failed", "error", err)
		return exitUsage
	}
	sender := *from
	if sender == "" {
		m := domain.EmailMessage{FromEmail: cfg.SES.FromAddress, FromName: cfg.SES.FromName}
		sender = m.From()
	}
	bulk, err := client.BulkSender(ses.BulkOptions{From: sender, TemplateName: *template})
	if err != nil {
		logger.Error("invalid bulk options", "error", err)
		return exitUsage
	}

	var batchSender dispatch.BatchSender = bulk
	if cfg.Redis.RateLimitEnabled && cfg.Redis.URL != "" {
		limiter, err := ratelimit.NewFromURL(ctx, cfg.Redis.URL, "ses", ratelimit.Limits{
			PerSecond: cfg.Redis.MaxSendRate,
			PerDay:    cfg.Redis.Max24HourSend,
		})
		if err != nil {
			logger.Warn("rate limiter disabled", "error", err)
		} else {
			defer limiter.Close()
			batchSender = limiter.Wrap(bulk)
		}
	}

	report, err := dispatcher.Dispatch(ctx, list, batchSender)
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		return exitUsage
	}

	saveReport(cfg, report)
	printSummary(report)

	if report.PartialFailure() {
		return exitPartial
	}
	return exitOK
}

// dispatchFlags are the command-line dispatch overrides. Only flags in set
// were given on the command line.
type dispatchFlags struct {
	batchSize   int
	concurrency int
	delay       time.Duration
	set         map[string]bool
}

func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// newDispatcher layers explicitly set flags over the config. An explicit zero
// is passed through and rejected like any other invalid value.
func newDispatcher(cfg config.DispatchConfig, f dispatchFlags) (*dispatch.Dispatcher, error) {
	opts := []dispatch.Option{dispatch.WithOptions(dispatch.Options{
		MaxBatchSize:    cfg.MaxBatchSize,
		MaxConcurrency:  cfg.MaxConcurrency,
		InterBatchDelay: cfg.InterBatchDelay(),
	})}
	if f.set["batch-size"] {
		opts = append(opts, dispatch.WithMaxBatchSize(f.batchSize))
	}
	if f.set["concurrency"] {
		opts = append(opts, dispatch.WithMaxConcurrency(f.concurrency))
	}
	if f.set["delay"] {
		opts = append(opts, dispatch.WithInterBatchDelay(f.delay))
	}

	d, err := dispatch.New(opts...)
	if err != nil {
		return nil, err
	}
	if n := d.Options().MaxBatchSize; n > ses.MaxBulkDestinations {
		return nil, &dispatch.ConfigError{
			Option: "maxBatchSize",
			Value:  n,
			Reason: fmt.Sprintf("must be <= %d", ses.MaxBulkDestinations),
		}
	}
	return d, nil
}

func loadRecipients(ctx context.Context, cfg *config.Config, source string) ([]dispatch.Recipient, error) {
	loader := recipients.NewLoader(nil)
	if strings.HasPrefix(source, "s3://") {
		l, err := recipients.NewS3Loader(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		loader = l
	}

	list, err := loader.Load(ctx, source)
	for _, pe := range recipients.ParseErrors(err) {
		logger.Warn("skipping recipient row", "line", pe.Line, "reason", pe.Reason)
	}
	if err != nil && len(recipients.ParseErrors(err)) == 0 {
		return nil, err
	}
	return list, nil
}

// saveReport archives the report; a storage failure is logged, never fatal.
func saveReport(cfg *config.Config, report *dispatch.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Warn("report not saved", "run_id", report.RunID, "error", err)
		return
	}
	if err := store.Save(ctx, report); err != nil {
		logger.Warn("report not saved", "run_id", report.RunID, "error", err)
		return
	}
	logger.Info("report saved", "run_id", report.RunID)
}

func printSummary(r *dispatch.Report) {
	logger.Info("run summary",
		"run_id", r.RunID,
		"batches", r.TotalBatches,
		"succeeded_batches", r.SucceededBatches,
		"recipients", r.TotalRecipients,
		"succeeded_recipients", r.SucceededRecipients,
		"duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
	)

	failed := r.Failed()
	if len(failed) == 0 {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, o := range failed {
		_ = enc.Encode(map[string]any{
			"batch":      o.BatchIndex,
			"recipients": len(o.Recipients),
			"code":       o.Code,
			"error":      o.Error,
		})
	}
}
