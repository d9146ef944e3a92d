package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/updeck/updeck/internal/models"
)

// Discord posts alerts as webhook embeds.
type Discord struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscord(webhookURL string, timeout time.Duration) *Discord {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Discord{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: timeout},
	}
}

// Embed colors by severity.
const (
	colorCritical = 0xDC143C
	colorHigh     = 0xFF8C00
	colorMedium   = 0xFFD700
	colorLow      = 0x808080
)

func severityColor(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return colorCritical
	case models.SeverityHigh:
		return colorHigh
	case models.SeverityMedium:
		return colorMedium
	}
	return colorLow
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (d *Discord) Notify(ctx context.Context, alert Alert) error {
	e := embed{
		Title:       fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
		Description: alert.Description,
		Color:       severityColor(alert.Severity),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if alert.Host != "" {
		e.Fields = append(e.Fields, embedField{Name: "Host", Value: alert.Host, Inline: true})
	}
	if alert.Category != "" {
		e.Fields = append(e.Fields, embedField{Name: "Category", Value: alert.Category, Inline: true})
	}
	if len(alert.SourceIPs) > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Source IPs", Value: strings.Join(alert.SourceIPs, ", "), Inline: false})
	}

	payload, err := json.Marshal(webhookPayload{Embeds: []embed{e}})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected: status %d", resp.StatusCode)
	}
	return nil
}
