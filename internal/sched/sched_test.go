package sched

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/updeck/updeck/internal/db"
	"github.com/updeck/updeck/internal/fleet"
	"github.com/updeck/updeck/internal/inventory"
	"github.com/updeck/updeck/internal/models"
	"github.com/updeck/updeck/internal/registry"
	"github.com/updeck/updeck/internal/secrets"
	"github.com/updeck/updeck/internal/soc"
)

// emptyFleet is a real fleet service over an empty inventory: batches finish
// immediately without touching any host.
func emptyFleet(t *testing.T) *fleet.Service {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.yml")
	if err := os.WriteFile(path, []byte("hosts: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	inv, err := inventory.NewManager(path)
	if err != nil {
		t.Fatal(err)
	}

	database, err := db.Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	store := models.NewIncidentStore(database)
	analyzer := &soc.Analyzer{Store: store, Classifier: soc.NopClassifier{}}

	return fleet.New(inv, secrets.NewResolver(""), models.NewUpdateRunStore(database),
		registry.New(time.Second), analyzer)
}

func TestScheduledCheckFires(t *testing.T) {
	t.Parallel()
	svc := emptyFleet(t)

	var batches atomic.Int32
	svc.OnEvent = func(event string, _ any) {
		if event == "batch_done" {
			batches.Add(1)
		}
	}

	s := New(svc, 10*time.Millisecond, 0)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for batches.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled check never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDisabledIntervalsRegisterNothing(t *testing.T) {
	t.Parallel()
	s := New(emptyFleet(t), 0, 0)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if n := len(s.cron.Entries()); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestRunNowPassthroughs(t *testing.T) {
	t.Parallel()
	s := New(emptyFleet(t), 0, 0)

	check, err := s.RunCheckNow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if check.Kind != fleet.KindCheck || len(check.Hosts) != 0 {
		t.Errorf("check report = %+v", check)
	}

	analyze, err := s.RunAnalyzeNow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if analyze.Kind != fleet.KindAnalyze {
		t.Errorf("analyze report = %+v", analyze)
	}
}
