// Updeck keeps a small fleet of Linux hosts current: it checks and applies
// container image and OS package updates over SSH or the Docker API, and
// watches auth logs for security incidents. Everything is driven from a YAML
// host inventory; state lives in a single bbolt file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/updeck/updeck/internal/config"
	"github.com/updeck/updeck/internal/db"
	"github.com/updeck/updeck/internal/fleet"
	"github.com/updeck/updeck/internal/handlers"
	"github.com/updeck/updeck/internal/inventory"
	"github.com/updeck/updeck/internal/models"
	"github.com/updeck/updeck/internal/notify"
	"github.com/updeck/updeck/internal/registry"
	"github.com/updeck/updeck/internal/sched"
	"github.com/updeck/updeck/internal/secrets"
	"github.com/updeck/updeck/internal/soc"
	"github.com/updeck/updeck/internal/ws"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Container healthchecks run "updeck healthcheck" before flags exist, so
	// handle the subcommand ahead of config.Parse.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(healthcheck())
	}

	cfg := config.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.Info("starting updeck", "version", version, "port", cfg.Port)

	if err := run(cfg); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	users := models.NewUserStore(database)
	settings := models.NewSettingStore(database)
	incidents := models.NewIncidentStore(database)
	runs := models.NewUpdateRunStore(database)

	jwtSecret, err := settings.EnsureJWTSecret()
	if err != nil {
		return fmt.Errorf("ensure jwt secret: %w", err)
	}
	if err := handlers.EnsureAdmin(users, cfg.Dev); err != nil {
		return fmt.Errorf("ensure admin user: %w", err)
	}

	resolver := secrets.NewResolver(cfg.MasterKey)
	if cfg.MasterKey == "" {
		slog.Warn("UPDECK_MASTER_KEY not set, encrypted inventory credentials will not decrypt")
	}

	inv, err := inventory.NewManager(cfg.Inventory)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	slog.Info("inventory loaded", "path", cfg.Inventory, "hosts", len(inv.Hosts()))

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() {
		if err := inv.Watch(watchCtx); err != nil {
			slog.Error("inventory watch stopped", "err", err)
		}
	}()

	hub := ws.NewHub()

	var classifier soc.Classifier = soc.NopClassifier{}
	if cfg.ClassifierURL != "" {
		classifier = soc.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierModel, cfg.ClassifierTimeout)
		slog.Info("log classifier enabled", "url", cfg.ClassifierURL, "model", cfg.ClassifierModel)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.DiscordWebhook != "" {
		notifier = notify.Threshold{
			Min:  models.ParseSeverity(cfg.NotifyMin),
			Next: notify.NewDiscord(cfg.DiscordWebhook, 10*time.Second),
		}
		slog.Info("discord alerts enabled", "minSeverity", cfg.NotifyMin)
	}

	correlator := soc.NewCorrelator(incidents, cfg.CorrelationWindow)
	analyzer := &soc.Analyzer{
		Store:      incidents,
		Correlator: correlator,
		Classifier: classifier,
		Notifier:   notifier,
		LogLines:   cfg.AuthLogLines,
		OnEvent: func(kind string, inc *models.Incident) {
			hub.Broadcast(kind, inc)
		},
	}

	svc := fleet.New(inv, resolver, runs, registry.New(cfg.ConnectTimeout), analyzer)
	svc.Concurrency = cfg.Concurrency
	svc.ConnectTimeout = cfg.ConnectTimeout
	svc.StepTimeout = cfg.CommandTimeout
	svc.PullTimeout = cfg.PullTimeout
	svc.PackageTimeout = cfg.PackageTimeout
	svc.OnEvent = hub.Broadcast

	scheduler := sched.New(svc, cfg.CheckEvery, cfg.AnalyzeEvery)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	app := &handlers.App{
		Users:      users,
		Settings:   settings,
		Incidents:  incidents,
		Runs:       runs,
		Inventory:  inv,
		Fleet:      svc,
		Sched:      scheduler,
		Correlator: correlator,
		JWTSecret:  jwtSecret,
		NoAuth:     cfg.NoAuth,
		Dev:        cfg.Dev,
	}
	if cfg.NoAuth {
		slog.Warn("authentication disabled, all endpoints are open")
	}

	hub.Authorize = app.VerifyToken

	mux := http.NewServeMux()
	app.RegisterRoutes(mux)
	mux.Handle("/ws", hub)

	if cfg.Dev || cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", netpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
		slog.Info("pprof endpoints enabled")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Stop in dependency order: no new scheduled batches, then no new
	// requests, then the watcher and live streams. The deferred Close takes
	// the database down last.
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}

	stopWatch()
	hub.Shutdown()

	slog.Info("goodbye")
	return nil
}

// healthcheck probes the local /healthz endpoint and reports via exit code,
// for use as a container HEALTHCHECK.
func healthcheck() int {
	port := os.Getenv("UPDECK_PORT")
	if port == "" {
		port = "5010"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "healthcheck: status", resp.Status)
		return 1
	}
	return 0
}
