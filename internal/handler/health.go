package handler

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/aegisgate/gateway-service/internal/client"
	"github.com/aegisgate/gateway-service/internal/config"
	"github.com/aegisgate/gateway-service/internal/util/logger"
)

var startTime = time.Now()

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      HealthStatus           `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version,omitempty"`
	Environment string                 `json:"environment"`
	Uptime      string                 `json:"uptime"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
	Summary     HealthSummary          `json:"summary"`
}

// HealthSummary provides summary statistics
type HealthSummary struct {
	TotalChecks     int `json:"total_checks"`
	HealthyChecks   int `json:"healthy_checks"`
	DegradedChecks  int `json:"degraded_checks"`
	UnhealthyChecks int `json:"unhealthy_checks"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Latency   string         `json:"latency,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HealthChecker interface for implementing health checks
type HealthChecker interface {
	Name() string
	Check() CheckResult
}

// HealthHandler handles health check requests
type HealthHandler struct {
	config   *config.Config
	checkers []HealthChecker
	version  string
}

// NewHealthHandler creates a health handler over the given checkers.
func NewHealthHandler(cfg *config.Config, version string, checkers ...HealthChecker) *HealthHandler {
	h := &HealthHandler{
		config:   cfg,
		version:  version,
		checkers: checkers,
	}
	logger.Info("Health handler initialized with %d checkers", len(h.checkers))
	return h
}

// ServeHTTP handles the /healthz endpoint
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestStart := time.Now()

	response := HealthResponse{
		Status:      HealthStatusHealthy,
		Timestamp:   time.Now().UTC(),
		Version:     h.version,
		Environment: h.config.Env,
		Uptime:      time.Since(startTime).String(),
		Checks:      make(map[string]CheckResult),
	}

	overallStatus := HealthStatusHealthy
	summary := HealthSummary{}

	for _, checker := range h.checkers {
		checkStart := time.Now()
		result := checker.Check()
		result.Latency = time.Since(checkStart).String()
		result.Timestamp = time.Now().UTC()

		response.Checks[checker.Name()] = result
		summary.TotalChecks++

		switch result.Status {
		case HealthStatusHealthy:
			summary.HealthyChecks++
		case HealthStatusDegraded:
			summary.DegradedChecks++
			if overallStatus != HealthStatusUnhealthy {
				overallStatus = HealthStatusDegraded
			}
		case HealthStatusUnhealthy:
			summary.UnhealthyChecks++
			overallStatus = HealthStatusUnhealthy
		}
	}

	response.Status = overallStatus
	response.Summary = summary

	statusCode := http.StatusOK
	if overallStatus == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	} else if overallStatus == HealthStatusDegraded {
		statusCode = http.StatusPartialContent
	}

	logger.Debug("Health check completed: status=%s, checks=%d, latency=%s",
		overallStatus, summary.TotalChecks, time.Since(requestStart))

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, statusCode, response)
}

// ReadinessHandler handles the /readyz endpoint. The window store backend is
// the only dependency a decision cannot be served without; everything else
// degrades.
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	critical := map[string]bool{"redis": true, "database": true}

	for _, checker := range h.checkers {
		if !critical[checker.Name()] {
			continue
		}
		result := checker.Check()
		if result.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready - %s: %s\n", checker.Name(), result.Error)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

// LivenessHandler handles the /livez endpoint
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live - uptime: %s\n", time.Since(startTime).String())
}

// DatabaseHealthChecker checks the event sink database connection.
type DatabaseHealthChecker struct {
	db *sql.DB
}

func NewDatabaseHealthChecker(db *sql.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db}
}

func (d *DatabaseHealthChecker) Name() string {
	return "database"
}

func (d *DatabaseHealthChecker) Check() CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.db.PingContext(ctx); err != nil {
		logger.Error("Database ping error: %v", err)
		return CheckResult{
			Status: HealthStatusUnhealthy,
			Error:  fmt.Sprintf("Ping failed: %v", err),
		}
	}

	stats := d.db.Stats()
	return CheckResult{
		Status:  HealthStatusHealthy,
		Message: "Database connection successful",
		Metadata: map[string]any{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
		},
	}
}

// RedisHealthChecker checks the shared window store backend.
type RedisHealthChecker struct {
	rc *client.RedisClient
}

func NewRedisHealthChecker(rc *client.RedisClient) *RedisHealthChecker {
	return &RedisHealthChecker{rc: rc}
}

func (r *RedisHealthChecker) Name() string {
	return "redis"
}

func (r *RedisHealthChecker) Check() CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.rc.HealthCheck(ctx); err != nil {
		logger.Error("Redis ping error: %v", err)
		return CheckResult{
			Status: HealthStatusUnhealthy,
			Error:  fmt.Sprintf("Ping failed: %v", err),
		}
	}

	stats := r.rc.Stats()
	return CheckResult{
		Status:  HealthStatusHealthy,
		Message: "Redis connection successful",
		Metadata: map[string]any{
			"commands": stats.Commands,
			"errors":   stats.Errors,
			"timeouts": stats.Timeouts,
		},
	}
}

// ApplicationHealthChecker validates the running enforcement configuration.
type ApplicationHealthChecker struct {
	config *config.Config
}

func NewApplicationHealthChecker(cfg *config.Config) *ApplicationHealthChecker {
	return &ApplicationHealthChecker{config: cfg}
}

func (a *ApplicationHealthChecker) Name() string {
	return "application"
}

func (a *ApplicationHealthChecker) Check() CheckResult {
	metadata := map[string]any{
		"environment": a.config.Env,
		"port":        a.config.Port,
		"soft_limit":  a.config.Enforcement.SoftLimit,
		"hard_limit":  a.config.Enforcement.HardLimit,
		"window":      a.config.Enforcement.WindowDuration.String(),
		"fail_open":   a.config.Enforcement.FailOpen,
	}

	if a.config.Enforcement.HardLimit < a.config.Enforcement.SoftLimit {
		return CheckResult{
			Status:   HealthStatusUnhealthy,
			Message:  "Hard limit below soft limit",
			Metadata: metadata,
		}
	}
	if a.config.Enforcement.WindowDuration <= 0 {
		return CheckResult{
			Status:   HealthStatusUnhealthy,
			Message:  "Invalid window duration",
			Metadata: metadata,
		}
	}

	return CheckResult{
		Status:   HealthStatusHealthy,
		Message:  "Enforcement configuration is valid",
		Metadata: metadata,
	}
}
