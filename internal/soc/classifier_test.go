package soc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func classifierServer(t *testing.T, answer string) *HTTPClassifier {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Model != "security-model" {
			t.Errorf("model = %s", req.Model)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Message: chatMessage{Role: "assistant", Content: answer},
		})
	}))
	t.Cleanup(srv.Close)
	return NewHTTPClassifier(srv.URL, "security-model", time.Second)
}

const findingJSON = `{
  "severity": "high",
  "threat_type": "brute_force",
  "title": "SSH brute force",
  "description": "Repeated failures from one address",
  "source_ips": ["10.0.0.5"],
  "affected_users": ["root"],
  "mitre_techniques": ["T1110"],
  "event_count": 14
}`

func TestHTTPClassifier(t *testing.T) {
	t.Parallel()
	c := classifierServer(t, findingJSON)

	f := c.Classify(context.Background(), "h1", "Failed password for root from 10.0.0.5")
	if f.None() {
		t.Fatal("finding collapsed to none")
	}
	if f.ThreatType != "brute_force" || f.Severity != "high" || f.EventCount != 14 {
		t.Errorf("finding = %+v", f)
	}
}

func TestHTTPClassifierStripsFences(t *testing.T) {
	t.Parallel()
	for name, wrap := range map[string]string{
		"json fence":          "```json\n" + findingJSON + "\n```",
		"plain fence":         "```\n" + findingJSON + "\n```",
		"chatter after fence": "```json\n" + findingJSON + "\n```\nLet me know if you need more detail.",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := classifierServer(t, wrap)
			if f := c.Classify(context.Background(), "h1", "logs"); f.None() {
				t.Errorf("fenced answer not parsed")
			}
		})
	}
}

func TestHTTPClassifierFailuresAreNone(t *testing.T) {
	t.Parallel()

	t.Run("invalid json", func(t *testing.T) {
		t.Parallel()
		c := classifierServer(t, "The logs look mostly fine to me!")
		if f := c.Classify(context.Background(), "h1", "logs"); !f.None() {
			t.Errorf("prose answer produced finding %+v", f)
		}
	})

	t.Run("http error", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}))
		defer srv.Close()
		c := NewHTTPClassifier(srv.URL, "m", time.Second)
		if f := c.Classify(context.Background(), "h1", "logs"); !f.None() {
			t.Errorf("server error produced finding %+v", f)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		c := NewHTTPClassifier("http://127.0.0.1:1", "m", 200*time.Millisecond)
		if f := c.Classify(context.Background(), "h1", "logs"); !f.None() {
			t.Errorf("unreachable endpoint produced finding %+v", f)
		}
	})
}

func TestStripFences(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"{}", "{}"},
		{"```json\n{}\n```", "{}"},
		{"```\n{}\n```", "{}"},
		{"  ```json\n{\"a\":1}\n``` ", `{"a":1}`},
	}
	for _, tc := range cases {
		if got := stripFences(tc.in); got != tc.want {
			t.Errorf("stripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPromptMentionsHostAndLogs(t *testing.T) {
	t.Parallel()
	var captured string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		captured = req.Messages[0].Content
		json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Content: `{"threat_type":"none"}`}})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, "m", time.Second)
	c.Classify(context.Background(), "edge-7", "Failed password for root")

	if !strings.Contains(captured, "edge-7") || !strings.Contains(captured, "Failed password for root") {
		t.Errorf("prompt missing host or excerpt:\n%s", captured)
	}
}
