package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/updeck/updeck/internal/models"
)

func TestDiscordEmbed(t *testing.T) {
	t.Parallel()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, 0)
	err := d.Notify(context.Background(), Alert{
		Title:       "Brute force attempt",
		Description: "57 failed attempts",
		Severity:    models.SeverityCritical,
		Host:        "web1",
		Category:    models.CategoryBruteForce,
		SourceIPs:   []string{"10.0.0.5"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var payload struct {
		Embeds []struct {
			Title  string `json:"title"`
			Color  int    `json:"color"`
			Fields []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(payload.Embeds))
	}
	e := payload.Embeds[0]
	if e.Color != 0xDC143C {
		t.Errorf("critical color = %#x", e.Color)
	}
	if !strings.HasPrefix(e.Title, "[CRITICAL]") {
		t.Errorf("title = %q", e.Title)
	}

	fields := make(map[string]string)
	for _, f := range e.Fields {
		fields[f.Name] = f.Value
	}
	if fields["Host"] != "web1" || fields["Source IPs"] != "10.0.0.5" {
		t.Errorf("fields = %v", fields)
	}
}

func TestDiscordRejectedStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if err := NewDiscord(srv.URL, 0).Notify(context.Background(), Alert{}); err == nil {
		t.Fatal("expected error on 429")
	}
}

type countingNotifier struct{ alerts []Alert }

func (c *countingNotifier) Notify(_ context.Context, a Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func TestThreshold(t *testing.T) {
	t.Parallel()
	sink := &countingNotifier{}
	th := Threshold{Min: models.SeverityHigh, Next: sink}

	for _, s := range []models.Severity{
		models.SeverityLow, models.SeverityMedium,
		models.SeverityHigh, models.SeverityCritical,
	} {
		th.Notify(context.Background(), Alert{Severity: s})
	}

	if len(sink.alerts) != 2 {
		t.Fatalf("forwarded = %d, want 2 (high and critical)", len(sink.alerts))
	}
}
