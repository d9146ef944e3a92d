package soc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Classifier turns a log excerpt into a structured finding. Implementations
// must degrade to a "none" finding on any transport or parse problem; log
// analysis never fails a batch.
type Classifier interface {
	Classify(ctx context.Context, host, excerpt string) *Finding
}

// NopClassifier always reports no threat, for deployments without a model
// endpoint. The heuristic pre-parse still applies.
type NopClassifier struct{}

func (NopClassifier) Classify(context.Context, string, string) *Finding {
	return &Finding{ThreatType: "none"}
}

// HTTPClassifier calls an Ollama-compatible chat endpoint and expects the
// model to answer with a single JSON object describing the finding.
type HTTPClassifier struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewHTTPClassifier(baseURL, model string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: timeout},
	}
}

const promptTemplate = `Analyze these SSH authentication logs from host '%s' and identify security threats.

LOGS:
%s

ANALYSIS REQUIRED:
1. Detect brute-force attempts (repeated failures)
2. Identify logins from unusual addresses
3. Spot suspicious privilege escalations
4. List suspicious commands executed

RETURN A JSON OBJECT with:
{
  "severity": "low|medium|high|critical",
  "threat_type": "brute_force|ssh_intrusion|privilege_escalation|suspicious_command|anomaly|none",
  "title": "Short incident title (max 100 chars)",
  "description": "Detailed technical description",
  "recommendations": "Recommended remediation actions",
  "mitre_techniques": ["T1078", "T1110"],
  "source_ips": ["192.168.1.100"],
  "affected_users": ["root", "admin"],
  "event_count": 5
}

RETURN ONLY THE JSON, NOTHING ELSE.`

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Classify sends the excerpt to the model. Any failure along the way is
// logged and collapses to a "none" finding.
func (c *HTTPClassifier) Classify(ctx context.Context, host, excerpt string) *Finding {
	none := &Finding{ThreatType: "none"}

	payload, err := json.Marshal(chatRequest{
		Model:    c.Model,
		Messages: []chatMessage{{Role: "user", Content: fmt.Sprintf(promptTemplate, host, excerpt)}},
		Format:   "json",
	})
	if err != nil {
		slog.Error("classifier request encode failed", "err", err)
		return none
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		slog.Error("classifier request build failed", "err", err)
		return none
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		slog.Warn("classifier unreachable", "host", host, "err", err)
		return none
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("classifier returned error", "host", host, "status", resp.StatusCode)
		return none
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		slog.Warn("classifier response decode failed", "host", host, "err", err)
		return none
	}

	var finding Finding
	if err := json.Unmarshal([]byte(stripFences(chat.Message.Content)), &finding); err != nil {
		slog.Warn("classifier answer is not valid JSON", "host", host, "err", err)
		return none
	}
	return &finding
}

// stripFences removes markdown code fences models wrap JSON in despite
// instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if body, ok := strings.CutPrefix(s, "```json"); ok {
		s = body
	} else if body, ok := strings.CutPrefix(s, "```"); ok {
		s = body
	} else {
		return s
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
