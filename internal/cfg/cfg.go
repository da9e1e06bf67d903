// Package cfg holds the application configuration, registered as flags and
// overridable from SITREP_-prefixed environment variables.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config collects the app-level knobs. Scoring weights register their own
// flags from the triage package.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL string

	ResyncIntervalSeconds int
	ActionTimeoutSeconds  int

	GeofenceKm        float64
	SpamThreshold     int
	SpamWindowMinutes int

	BaseLat float64
	BaseLng float64

	ClaudeAPIKey string
	ClaudeModel  string

	SlackWebhookURL string

	// APITokens is a comma-separated set of operator bearer tokens. Empty
	// disables authentication on mutating routes (dev mode).
	APITokens string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.ResyncIntervalSeconds, "resync-interval-seconds", 60, "seconds between full projection resyncs (1..3600)")
	fs.IntVar(&c.ActionTimeoutSeconds, "action-timeout-seconds", 5, "timeout for store verify/resolve calls (1..60)")
	fs.Float64Var(&c.GeofenceKm, "geofence-km", 10, "radius in km marking verification-queue items as nearby")
	fs.IntVar(&c.SpamThreshold, "spam-threshold", 3, "reports per location within the spam window before flagging")
	fs.IntVar(&c.SpamWindowMinutes, "spam-window-minutes", 60, "duplicate-report counting window in minutes (1..1440)")
	fs.Float64Var(&c.BaseLat, "base-lat", 17.6599, "fallback latitude for submissions without a position")
	fs.Float64Var(&c.BaseLng, "base-lng", 75.9064, "fallback longitude for submissions without a position")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for report classification (empty = classifier disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for report classification")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for verified-critical escalations")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated operator bearer tokens (empty = auth disabled)")
}

// Validate checks all configuration fields for correctness.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.ResyncIntervalSeconds <= 0 || c.ResyncIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid RESYNC_INTERVAL_SECONDS %d (must be 1..3600)", c.ResyncIntervalSeconds))
	}
	if c.ActionTimeoutSeconds <= 0 || c.ActionTimeoutSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid ACTION_TIMEOUT_SECONDS %d (must be 1..60)", c.ActionTimeoutSeconds))
	}

	if c.GeofenceKm <= 0 {
		errs = append(errs, fmt.Errorf("invalid GEOFENCE_KM %v (must be positive)", c.GeofenceKm))
	}
	if c.SpamThreshold < 1 {
		errs = append(errs, fmt.Errorf("invalid SPAM_THRESHOLD %d (must be >= 1)", c.SpamThreshold))
	}
	if c.SpamWindowMinutes <= 0 || c.SpamWindowMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid SPAM_WINDOW_MINUTES %d (must be 1..1440)", c.SpamWindowMinutes))
	}

	if c.BaseLat < -90 || c.BaseLat > 90 {
		errs = append(errs, fmt.Errorf("invalid BASE_LAT %v (must be -90..90)", c.BaseLat))
	}
	if c.BaseLng < -180 || c.BaseLng > 180 {
		errs = append(errs, fmt.Errorf("invalid BASE_LNG %v (must be -180..180)", c.BaseLng))
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ResyncInterval returns the projection resync cadence.
func (c *Config) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalSeconds) * time.Second
}

// ActionTimeout returns the per-action store call budget.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSeconds) * time.Second
}

// SpamWindow returns the duplicate-report counting window.
func (c *Config) SpamWindow() time.Duration {
	return time.Duration(c.SpamWindowMinutes) * time.Minute
}

// Tokens splits the configured operator tokens, dropping blank entries.
func (c *Config) Tokens() []string {
	if c.APITokens == "" {
		return nil
	}
	parts := strings.Split(c.APITokens, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
