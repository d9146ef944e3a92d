// Package soc analyzes host authentication logs into security incidents:
// filter, classify, deduplicate, correlate, notify.
package soc

import (
	"github.com/updeck/updeck/internal/models"
)

// Finding is one classification result for a log excerpt. ThreatType "none"
// means nothing incident-worthy was seen.
type Finding struct {
	ThreatType      string   `json:"threat_type"`
	Severity        string   `json:"severity"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Recommendations string   `json:"recommendations"`
	SourceIPs       []string `json:"source_ips"`
	AffectedUsers   []string `json:"affected_users"`
	Techniques      []string `json:"mitre_techniques"`
	EventCount      int      `json:"event_count"`
}

// None reports whether the finding carries no threat.
func (f *Finding) None() bool {
	return f == nil || f.ThreatType == "" || f.ThreatType == "none"
}

// Incident maps the finding onto a fresh incident for host. Severity and
// category are clamped to the known enums; classifier output is untrusted.
func (f *Finding) Incident(host string) *models.Incident {
	count := f.EventCount
	if count < 1 {
		count = 1
	}
	title := f.Title
	if title == "" {
		title = "Security event detected"
	}
	return &models.Incident{
		Host:            host,
		Severity:        models.ParseSeverity(f.Severity),
		Category:        models.ParseCategory(f.ThreatType),
		Title:           title,
		Description:     f.Description,
		Recommendations: f.Recommendations,
		SourceIPs:       f.SourceIPs,
		AffectedUsers:   f.AffectedUsers,
		Techniques:      f.Techniques,
		EventCount:      count,
	}
}
