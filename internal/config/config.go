package config

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port      int
	DataDir   string
	Inventory string // Path to the hosts inventory file
	MasterKey string // Key for decrypting inventory credentials (env only)

	CheckEvery   time.Duration // Interval between fleet update checks (0 = disabled)
	AnalyzeEvery time.Duration // Interval between auth-log analysis runs (0 = disabled)
	Concurrency  int           // Max hosts processed in parallel per batch

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	PullTimeout    time.Duration
	PackageTimeout time.Duration

	CorrelationWindow time.Duration // Incidents within this window can be correlated
	AuthLogLines      int           // Lines read from the tail of the auth log

	ClassifierURL     string // Base URL of an Ollama-compatible API ("" = heuristics only)
	ClassifierModel   string
	ClassifierTimeout time.Duration

	DiscordWebhook string
	NotifyMin      string // Minimum severity that triggers a notification

	Dev      bool
	LogLevel slog.Level // Parsed log level (debug, info, warn, error)
	NoAuth   bool       // Skip authentication (all endpoints open)
	Pprof    bool       // Enable /debug/pprof/ endpoints
}

func Parse() *Config {
	cfg := &Config{}

	var logLevel string
	flag.IntVar(&cfg.Port, "port", 5010, "HTTP server port")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory (bbolt DB)")
	flag.StringVar(&cfg.Inventory, "inventory", "./hosts.yml", "Path to the hosts inventory file")
	flag.DurationVar(&cfg.CheckEvery, "check-every", 24*time.Hour, "Interval between fleet update checks (0 disables)")
	flag.DurationVar(&cfg.AnalyzeEvery, "analyze-every", 30*time.Minute, "Interval between auth-log analysis runs (0 disables)")
	flag.IntVar(&cfg.Concurrency, "concurrency", 4, "Max hosts processed in parallel")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 10*time.Second, "Remote connection timeout")
	flag.DurationVar(&cfg.CommandTimeout, "command-timeout", 60*time.Second, "Remote command timeout")
	flag.DurationVar(&cfg.PullTimeout, "pull-timeout", 5*time.Minute, "Image pull timeout")
	flag.DurationVar(&cfg.PackageTimeout, "package-timeout", 5*time.Minute, "Package manager command timeout")
	flag.DurationVar(&cfg.CorrelationWindow, "correlation-window", time.Hour, "Window for correlating incidents")
	flag.IntVar(&cfg.AuthLogLines, "auth-log-lines", 500, "Lines read from the tail of the auth log")
	flag.StringVar(&cfg.ClassifierURL, "classifier-url", "", "Base URL of an Ollama-compatible API (empty = heuristics only)")
	flag.StringVar(&cfg.ClassifierModel, "classifier-model", "llama3", "Model name for the log classifier")
	flag.DurationVar(&cfg.ClassifierTimeout, "classifier-timeout", 60*time.Second, "Log classifier request timeout")
	flag.StringVar(&cfg.NotifyMin, "notify-min", "medium", "Minimum severity that triggers a notification")
	flag.BoolVar(&cfg.Dev, "dev", false, "Development mode (seeded admin user, relaxed auth)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.NoAuth, "no-auth", false, "Disable authentication (all endpoints open)")
	flag.BoolVar(&cfg.Pprof, "pprof", false, "Enable /debug/pprof/ endpoints")
	flag.Parse()

	// Env vars override flags (if set)
	if v := os.Getenv("UPDECK_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("UPDECK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("UPDECK_INVENTORY"); v != "" {
		cfg.Inventory = v
	}
	if v := os.Getenv("UPDECK_CHECK_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CheckEvery = d
		}
	}
	if v := os.Getenv("UPDECK_ANALYZE_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AnalyzeEvery = d
		}
	}
	if v := os.Getenv("UPDECK_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("UPDECK_CLASSIFIER_URL"); v != "" {
		cfg.ClassifierURL = v
	}
	if v := os.Getenv("UPDECK_CLASSIFIER_MODEL"); v != "" {
		cfg.ClassifierModel = v
	}
	if v := os.Getenv("UPDECK_DISCORD_WEBHOOK"); v != "" {
		cfg.DiscordWebhook = v
	}
	if v := os.Getenv("UPDECK_NOTIFY_MIN"); v != "" {
		cfg.NotifyMin = v
	}
	if v := os.Getenv("UPDECK_LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if v := os.Getenv("UPDECK_NO_AUTH"); v == "1" || v == "true" {
		cfg.NoAuth = true
	}
	if v := os.Getenv("UPDECK_PPROF"); v == "1" || v == "true" {
		cfg.Pprof = true
	}

	// Secrets are accepted from the environment only, never from flags,
	// so they don't show up in process listings.
	cfg.MasterKey = os.Getenv("UPDECK_MASTER_KEY")

	cfg.LogLevel = parseLogLevel(logLevel)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
