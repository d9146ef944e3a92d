package soc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/updeck/updeck/internal/models"
	"github.com/updeck/updeck/internal/notify"
	"github.com/updeck/updeck/internal/sshx"
)

// Runner executes a shell command on the analyzed host.
type Runner interface {
	Run(ctx context.Context, command string, opts sshx.RunOpts) (sshx.Result, error)
}

const (
	// dedupWindow is how far back an unresolved incident can lie and still
	// absorb a new finding of the same kind.
	dedupWindow = 24 * time.Hour

	fetchTimeout = 30 * time.Second

	defaultLogLines = 500
)

// HostAnalysis is the outcome of analyzing one host's logs.
type HostAnalysis struct {
	Host     string           `json:"host"`
	Incident *models.Incident `json:"incident,omitempty"`
	Deduped  bool             `json:"deduped"`
}

// Analyzer runs the incident pipeline: classify a log excerpt, deduplicate
// against recent incidents, create and correlate new ones, alert. The
// dedup-create-correlate sequence for one finding runs under a single lock so
// concurrent analyses cannot mint duplicate incidents or correlation ids.
type Analyzer struct {
	Store      *models.IncidentStore
	Correlator *Correlator
	Classifier Classifier
	Notifier   notify.Notifier

	// OnEvent, when set, receives pipeline events ("incident_new",
	// "incident_dedup") for live streaming.
	OnEvent func(kind string, inc *models.Incident)

	// LogLines is how many auth log lines to fetch per sweep. Zero means the
	// default.
	LogLines int

	// Now is the dedup clock. Tests pin it.
	Now func() time.Time

	mu sync.Mutex
}

func (a *Analyzer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// FetchAuthLog reads the tail of the host's authentication log. Debian-family
// hosts log to auth.log, RHEL-family to secure; one compound command covers
// both in a single round trip.
func FetchAuthLog(ctx context.Context, run Runner, lines int) (string, error) {
	if lines <= 0 {
		lines = defaultLogLines
	}
	cmd := fmt.Sprintf("tail -n %d /var/log/auth.log 2>/dev/null || tail -n %d /var/log/secure 2>/dev/null", lines, lines)
	res, err := run.Run(ctx, cmd, sshx.RunOpts{Sudo: true, Timeout: fetchTimeout})
	if err != nil {
		return "", fmt.Errorf("fetch auth log: %w", err)
	}
	return res.Stdout, nil
}

// AnalyzeHost fetches, filters and classifies one host's auth log, then
// pushes any finding through the incident pipeline.
func (a *Analyzer) AnalyzeHost(ctx context.Context, host string, run Runner) (*HostAnalysis, error) {
	raw, err := FetchAuthLog(ctx, run, a.LogLines)
	if err != nil {
		return nil, err
	}
	return a.AnalyzeLog(ctx, host, raw)
}

// AnalyzeLog classifies already-fetched log content for host. The heuristic
// brute-force detector acts as a floor: when the classifier sees nothing but
// the failure counts cross the threshold, the heuristic finding is used.
func (a *Analyzer) AnalyzeLog(ctx context.Context, host, raw string) (*HostAnalysis, error) {
	analysis := &HostAnalysis{Host: host}

	excerpt := FilterAuthLog(raw)
	if excerpt == "" {
		return analysis, nil
	}

	finding := a.Classifier.Classify(ctx, host, excerpt)
	if finding.None() {
		finding = HeuristicFinding(excerpt)
	}
	if finding.None() {
		return analysis, nil
	}

	inc, deduped, err := a.Ingest(ctx, host, finding)
	if err != nil {
		return nil, err
	}
	analysis.Incident = inc
	analysis.Deduped = deduped
	return analysis, nil
}

// Ingest pushes one finding through dedup, creation, correlation and
// alerting. Deduplicated findings update the existing incident and are never
// re-alerted; only genuinely new incidents correlate and notify.
func (a *Analyzer) Ingest(ctx context.Context, host string, finding *Finding) (*models.Incident, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := finding.Incident(host)

	existing, err := a.dedup(candidate)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		slog.Info("incident deduplicated",
			"host", host, "incident", existing.ID, "eventCount", existing.EventCount)
		a.emit("incident_dedup", existing)
		return existing, true, nil
	}

	if err := a.Store.Create(candidate); err != nil {
		return nil, false, err
	}
	slog.Info("incident created",
		"host", host, "incident", candidate.ID,
		"severity", candidate.Severity, "category", candidate.Category)

	if a.Correlator != nil {
		correlationID, err := a.Correlator.Correlate(candidate)
		if err != nil {
			slog.Error("correlation failed", "incident", candidate.ID, "err", err)
		} else if correlationID != "" {
			slog.Info("incident correlated", "incident", candidate.ID, "group", correlationID)
		}
	}

	a.emit("incident_new", candidate)
	a.alert(ctx, candidate)
	return candidate, false, nil
}

// dedup looks for an unresolved incident of the same host and category
// within the window sharing at least one source IP. A match absorbs the new
// finding: event count summed, severity upgraded but never downgraded.
func (a *Analyzer) dedup(candidate *models.Incident) (*models.Incident, error) {
	if len(candidate.SourceIPs) == 0 {
		return nil, nil
	}

	since := a.now().UTC().Add(-dedupWindow)
	recent, err := a.Store.RecentUnresolved(candidate.Host, candidate.Category, since)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	for _, existing := range recent {
		if !existing.SharesSourceIP(candidate.SourceIPs) {
			continue
		}
		updated, err := a.Store.Mutate(existing.ID, func(inc *models.Incident) error {
			inc.EventCount += candidate.EventCount
			if candidate.Severity.Rank() > inc.Severity.Rank() {
				inc.Severity = candidate.Severity
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("dedup update: %w", err)
		}
		return updated, nil
	}
	return nil, nil
}

func (a *Analyzer) emit(kind string, inc *models.Incident) {
	if a.OnEvent != nil {
		a.OnEvent(kind, inc)
	}
}

func (a *Analyzer) alert(ctx context.Context, inc *models.Incident) {
	if a.Notifier == nil {
		return
	}
	err := a.Notifier.Notify(ctx, notify.Alert{
		Title:       inc.Title,
		Description: inc.Description,
		Severity:    inc.Severity,
		Host:        inc.Host,
		Category:    inc.Category,
		SourceIPs:   inc.SourceIPs,
	})
	if err != nil {
		slog.Warn("incident alert failed", "incident", inc.ID, "err", err)
	}
}
