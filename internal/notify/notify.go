// Package notify delivers incident alerts to an external sink. Delivery is
// fire-and-forget: failures are logged, never retried, and never block the
// caller beyond a short timeout.
package notify

import (
	"context"

	"github.com/updeck/updeck/internal/models"
)

// Alert is one outbound notification.
type Alert struct {
	Title       string
	Description string
	Severity    models.Severity
	Host        string
	Category    string
	SourceIPs   []string
}

// Notifier is the notification sink.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Nop discards all alerts, for deployments without a configured sink.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

// Threshold filters alerts below a minimum severity before forwarding.
type Threshold struct {
	Min  models.Severity
	Next Notifier
}

func (t Threshold) Notify(ctx context.Context, alert Alert) error {
	if alert.Severity.Rank() < t.Min.Rank() {
		return nil
	}
	return t.Next.Notify(ctx, alert)
}
