package soc

import (
	"context"
	"testing"
	"time"

	"github.com/updeck/updeck/internal/models"
	"github.com/updeck/updeck/internal/notify"
)

type stubClassifier struct{ finding *Finding }

func (s stubClassifier) Classify(context.Context, string, string) *Finding {
	if s.finding == nil {
		return &Finding{ThreatType: "none"}
	}
	return s.finding
}

type recordingNotifier struct{ alerts []notify.Alert }

func (r *recordingNotifier) Notify(_ context.Context, a notify.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func newAnalyzer(t *testing.T, classifier Classifier) (*Analyzer, *recordingNotifier) {
	t.Helper()
	store := openIncidentStore(t)
	sink := &recordingNotifier{}
	return &Analyzer{
		Store:      store,
		Correlator: NewCorrelator(store, time.Hour),
		Classifier: classifier,
		Notifier:   sink,
	}, sink
}

func bruteForceFinding(ip string, count int) *Finding {
	return &Finding{
		ThreatType: "brute_force",
		Severity:   "high",
		Title:      "Brute force from " + ip,
		SourceIPs:  []string{ip},
		EventCount: count,
	}
}

// Two findings of the same kind on the same host sharing a source IP must
// collapse into one incident with the event counts summed.
func TestIngestDeduplicates(t *testing.T) {
	t.Parallel()
	a, sink := newAnalyzer(t, NopClassifier{})

	first, deduped, err := a.Ingest(context.Background(), "h1", bruteForceFinding("10.0.0.5", 12))
	if err != nil {
		t.Fatal(err)
	}
	if deduped {
		t.Fatal("first finding cannot dedup")
	}

	second, deduped, err := a.Ingest(context.Background(), "h1", bruteForceFinding("10.0.0.5", 8))
	if err != nil {
		t.Fatal(err)
	}
	if !deduped {
		t.Fatal("second finding should dedup")
	}
	if second.ID != first.ID {
		t.Errorf("new incident %d minted instead of updating %d", second.ID, first.ID)
	}
	if second.EventCount != 20 {
		t.Errorf("event count = %d, want 20", second.EventCount)
	}

	all, err := a.Store.List(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("incidents = %d, want 1", len(all))
	}

	// Dedup must not re-alert.
	if len(sink.alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(sink.alerts))
	}
}

func TestIngestDedupUpgradesSeverityOnly(t *testing.T) {
	t.Parallel()
	a, _ := newAnalyzer(t, NopClassifier{})

	f := bruteForceFinding("10.0.0.5", 1)
	f.Severity = "high"
	if _, _, err := a.Ingest(context.Background(), "h1", f); err != nil {
		t.Fatal(err)
	}

	// A weaker repeat must not downgrade.
	weak := bruteForceFinding("10.0.0.5", 1)
	weak.Severity = "low"
	inc, _, err := a.Ingest(context.Background(), "h1", weak)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Severity != models.SeverityHigh {
		t.Errorf("severity downgraded to %s", inc.Severity)
	}

	// A stronger repeat upgrades.
	strong := bruteForceFinding("10.0.0.5", 1)
	strong.Severity = "critical"
	inc, _, err = a.Ingest(context.Background(), "h1", strong)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", inc.Severity)
	}
}

func TestIngestDifferentHostsStaySeparate(t *testing.T) {
	t.Parallel()
	a, _ := newAnalyzer(t, NopClassifier{})

	if _, _, err := a.Ingest(context.Background(), "h1", bruteForceFinding("10.0.0.5", 3)); err != nil {
		t.Fatal(err)
	}
	_, deduped, err := a.Ingest(context.Background(), "h2", bruteForceFinding("10.0.0.5", 3))
	if err != nil {
		t.Fatal(err)
	}
	if deduped {
		t.Error("findings on different hosts must not dedup")
	}
}

func TestAnalyzeLogUsesClassifierFinding(t *testing.T) {
	t.Parallel()
	a, sink := newAnalyzer(t, stubClassifier{finding: &Finding{
		ThreatType: "privilege_escalation",
		Severity:   "critical",
		Title:      "Suspicious sudo chain",
		SourceIPs:  []string{"192.0.2.8"},
		Techniques: []string{"T1548"},
	}})

	log := "Jan 10 10:00:01 h1 sudo: eve : TTY=pts/0 ; PWD=/ ; USER=root ; COMMAND=/bin/bash"
	res, err := a.AnalyzeLog(context.Background(), "h1", log)
	if err != nil {
		t.Fatal(err)
	}
	if res.Incident == nil {
		t.Fatal("no incident created")
	}
	if res.Incident.Category != models.CategoryPrivilegeEscalation {
		t.Errorf("category = %s", res.Incident.Category)
	}
	if len(sink.alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(sink.alerts))
	}
}

// With the classifier silent, a failed-login burst must still become an
// incident through the heuristic floor.
func TestAnalyzeLogHeuristicFallback(t *testing.T) {
	t.Parallel()
	a, _ := newAnalyzer(t, NopClassifier{})

	var log string
	for i := 0; i < 8; i++ {
		log += "Jan 10 10:00:0" + string(rune('0'+i%10)) + " h1 sshd[123]: Failed password for root from 203.0.113.66 port 4242 ssh2\n"
	}

	res, err := a.AnalyzeLog(context.Background(), "h1", log)
	if err != nil {
		t.Fatal(err)
	}
	if res.Incident == nil {
		t.Fatal("heuristic did not flag the burst")
	}
	if res.Incident.Category != models.CategoryBruteForce {
		t.Errorf("category = %s", res.Incident.Category)
	}
	if res.Incident.EventCount != 8 {
		t.Errorf("event count = %d, want 8", res.Incident.EventCount)
	}
}

func TestAnalyzeLogQuietLog(t *testing.T) {
	t.Parallel()
	a, sink := newAnalyzer(t, NopClassifier{})

	res, err := a.AnalyzeLog(context.Background(), "h1",
		"Jan 10 10:00:01 h1 CRON[999]: pam_unix(cron:session): nothing relevant here\n")
	if err != nil {
		t.Fatal(err)
	}
	if res.Incident != nil {
		t.Errorf("incident from quiet log: %+v", res.Incident)
	}
	if len(sink.alerts) != 0 {
		t.Errorf("alerts = %d, want 0", len(sink.alerts))
	}
}
