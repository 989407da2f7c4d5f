package logging

import (
	"io"
	"os"
	"time"

	"github.com/driftlabs/agentgrid/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "agentgrid").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// InvocationLogEntry is a structured log entry for one routed invocation
type InvocationLogEntry struct {
	RequestID     string        `json:"request_id"`
	DeploymentID  string        `json:"deployment_id"`
	TemplateID    string        `json:"template_id"`
	TenantID      string        `json:"tenant_id"`
	ExecutionType string        `json:"execution_type"`
	Latency       time.Duration `json:"latency_ms"`
	Status        string        `json:"status"`
	ErrorCode     string        `json:"error_code,omitempty"`
	InputTokens   int           `json:"input_tokens"`
	OutputTokens  int           `json:"output_tokens"`
}

// LogInvocation logs a routed invocation with structured data
func LogInvocation(entry *InvocationLogEntry) {
	event := log.Info()
	if entry.Status == "error" {
		event = log.Error()
	}

	event.
		Str("request_id", entry.RequestID).
		Str("deployment_id", entry.DeploymentID).
		Str("template_id", entry.TemplateID).
		Str("tenant_id", entry.TenantID).
		Str("execution_type", entry.ExecutionType).
		Dur("latency", entry.Latency).
		Str("status", entry.Status).
		Str("error_code", entry.ErrorCode).
		Int("input_tokens", entry.InputTokens).
		Int("output_tokens", entry.OutputTokens).
		Msg("Invocation")
}

// LogRevenueRun logs the outcome of a revenue calculation batch
func LogRevenueRun(periodStart, periodEnd time.Time, processed, skipped, failed int, total string) {
	log.Info().
		Time("period_start", periodStart).
		Time("period_end", periodEnd).
		Int("processed", processed).
		Int("skipped", skipped).
		Int("failed", failed).
		Str("total_revenue", total).
		Msg("Revenue run")
}

// LogSecurityEvent logs security-related events
func LogSecurityEvent(eventType, deploymentID, clientIP, details string) {
	log.Warn().
		Str("event_type", eventType).
		Str("deployment_id", deploymentID).
		Str("client_ip", clientIP).
		Str("details", details).
		Msg("Security event")
}

// SanitizeForLog truncates data before it goes into a log field
func SanitizeForLog(data string, maxLen int) string {
	if len(data) > maxLen {
		return data[:maxLen] + "...[truncated]"
	}
	return data
}
