package platform

import "context"

type AlertSeverity string

const (
	SeverityLow    AlertSeverity = "low"
	SeverityMedium AlertSeverity = "medium"
	SeverityHigh   AlertSeverity = "high"
)

// AlertSink delivers operator-facing alerts (rate-limit warnings, sync
// failures) to the external alerting service.
type AlertSink interface {
	Raise(ctx context.Context, title, description string, severity AlertSeverity) error
}
