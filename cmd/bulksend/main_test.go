package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
)

func parseFlags(t *testing.T, args ...string) dispatchFlags {
	t.Helper()
	fs := flag.NewFlagSet("bulksend", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	batchSize := fs.Int("batch-size", 0, "")
	concurrency := fs.Int("concurrency", 0, "")
	delay := fs.Duration("delay", 0, "")
	require.NoError(t, fs.Parse(args))
	return dispatchFlags{batchSize: *batchSize, concurrency: *concurrency, delay: *delay, set: visited(fs)}
}

func TestNewDispatcher_ConfigDefaults(t *testing.T) {
	cfg := config.DispatchConfig{MaxBatchSize: 25, MaxConcurrency: 3, InterBatchDelayMS: 200}

	d, err := newDispatcher(cfg, parseFlags(t))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Options{MaxBatchSize: 25, MaxConcurrency: 3, InterBatchDelay: 200 * time.Millisecond}, d.Options())
}

func TestNewDispatcher_FlagsOverrideConfig(t *testing.T) {
	cfg := config.DispatchConfig{MaxBatchSize: 25, MaxConcurrency: 3, InterBatchDelayMS: 200}

	d, err := newDispatcher(cfg, parseFlags(t, "-batch-size", "10", "-concurrency", "1", "-delay", "0s"))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Options{MaxBatchSize: 10, MaxConcurrency: 1}, d.Options())
}

func TestNewDispatcher_RejectsExplicitInvalidValues(t *testing.T) {
	cfg := config.DispatchConfig{MaxBatchSize: 50, MaxConcurrency: 1}
	tests := []struct {
		args       []string
		wantOption string
	}{
		{[]string{"-batch-size", "0"}, "maxBatchSize"},
		{[]string{"-batch-size", "-5"}, "maxBatchSize"},
		{[]string{"-batch-size", "51"}, "maxBatchSize"},
		{[]string{"-concurrency", "0"}, "maxConcurrency"},
		{[]string{"-delay", "-1s"}, "interBatchDelay"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0]+"="+tt.args[1], func(t *testing.T) {
			_, err := newDispatcher(cfg, parseFlags(t, tt.args...))
			var ce *dispatch.ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.wantOption, ce.Option)
		})
	}
}

func TestLoadRecipients_SkippedRowsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetRedactPII(true)
	t.Cleanup(func() { logger.SetOutput(os.Stderr) })

	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("ok@example.com\n<john.doe@example.com>\n"), 0o600))

	list, err := loadRecipients(context.Background(), &config.Config{}, path)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ok@example.com", list[0].Address)

	out := buf.String()
	assert.Contains(t, out, "skipping recipient row")
	assert.Contains(t, out, "jo***@example.com")
	assert.NotContains(t, out, "john.doe@")
}
