package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/ses-bulk-mailer/internal/pkg/httputil"
	"github.com/ignite/ses-bulk-mailer/internal/storage"
)

// Pinger is a dependency with a cheap liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ComponentCheck is the health of one dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker reports process and dependency health. Any dependency may be
// nil.
type HealthChecker struct {
	region    string
	redis     Pinger
	reports   storage.ReportStore
	startTime time.Time
	now       func() time.Time
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker(region string, redis Pinger, reports storage.ReportStore) *HealthChecker {
	return &HealthChecker{
		region:    region,
		redis:     redis,
		reports:   reports,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// HandleHealth reports that the process is serving.
//
//	GET /health, GET /api/health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status":    "ok",
		"timestamp": hc.now().UTC().Format(time.RFC3339),
		"region":    hc.region,
		"uptime":    time.Since(hc.startTime).Round(time.Second).String(),
	})
}

// HandleLiveness always returns 200 while the process runs.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"status": "alive"})
}

// HandleReadiness returns 503 when a configured dependency is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]ComponentCheck{
		"redis":   hc.checkRedis(r.Context()),
		"reports": hc.checkReports(r.Context()),
	}

	ready := true
	for _, c := range checks {
		if c.Status == "down" {
			ready = false
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redis == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.redis.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String()}
}

func (hc *HealthChecker) checkReports(ctx context.Context) ComponentCheck {
	if hc.reports == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	_, err := hc.reports.List(ctx, 1)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("list failed: %v", err)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String()}
}
