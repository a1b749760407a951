package platform

import (
	"context"
	"log/slog"
	"net/http"
)

type AlertHTTPOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// AlertHTTPSink posts alerts to the alerting service. Delivery failures are
// logged and swallowed so alerting trouble never breaks a sync.
type AlertHTTPSink struct {
	core   httpCore
	logger *slog.Logger
}

func NewAlertHTTPSink(opts AlertHTTPOptions) *AlertHTTPSink {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertHTTPSink{
		core:   newHTTPCore(opts.BaseURL, opts.APIKey, opts.HTTPClient),
		logger: logger,
	}
}

func (s *AlertHTTPSink) Raise(ctx context.Context, title, description string, severity AlertSeverity) error {
	body := map[string]any{
		"message":     title,
		"description": description,
		"priority":    severity,
	}
	if err := s.core.doJSON(ctx, http.MethodPost, "/v2/alerts", body, nil, nil); err != nil {
		s.logger.Error("alert delivery failed", "title", title, "error", err)
		return nil
	}
	return nil
}

var _ AlertSink = (*AlertHTTPSink)(nil)
