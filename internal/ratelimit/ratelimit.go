// Package ratelimit tracks the helpdesk's shared API budget from the rate
// headers carried on every response and gates outgoing calls while the
// budget is exhausted.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsbridge/ticketbridge/internal/platform"
)

const (
	// blockMargin pads the server's Retry-After so the first call after the
	// window reopens does not race the reset.
	blockMargin = 10 * time.Second

	DefaultWarnThreshold     = 500
	DefaultCriticalThreshold = 200
)

// BlockedError rejects a call while the rate window is closed.
type BlockedError struct {
	Until time.Time
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("helpdesk rate limit exhausted, blocked until %s", e.Until.Format(time.RFC3339))
}

type Options struct {
	Alerts            platform.AlertSink
	Logger            *slog.Logger
	WarnThreshold     int
	CriticalThreshold int
	Now               func() time.Time
}

// Tracker is both the CallGate consulted before every helpdesk call and the
// RateObserver fed by every helpdesk response. One instance guards the whole
// process; the budget is account-wide, not per-client.
type Tracker struct {
	alerts platform.AlertSink
	logger *slog.Logger
	warnAt int
	critAt int
	now    func() time.Time

	mu            sync.Mutex
	lastRemaining int
	total         int
	blockedUntil  time.Time
	warned        bool
	warnedCrit    bool

	// alertMu serializes alert delivery so threshold crossings observed by
	// concurrent responses produce one alert each, in order.
	alertMu sync.Mutex
}

func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	warnAt := opts.WarnThreshold
	if warnAt <= 0 {
		warnAt = DefaultWarnThreshold
	}
	critAt := opts.CriticalThreshold
	if critAt <= 0 {
		critAt = DefaultCriticalThreshold
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		alerts:        opts.Alerts,
		logger:        logger,
		warnAt:        warnAt,
		critAt:        critAt,
		now:           now,
		lastRemaining: -1,
		total:         -1,
	}
}

// Allow implements platform.CallGate.
func (t *Tracker) Allow() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.blockedUntil.IsZero() {
		return nil
	}
	if t.now().Before(t.blockedUntil) {
		return &BlockedError{Until: t.blockedUntil}
	}
	t.blockedUntil = time.Time{}
	return nil
}

// Observe implements platform.RateObserver.
func (t *Tracker) Observe(info platform.RateInfo) {
	t.mu.Lock()
	if info.Total >= 0 {
		t.total = info.Total
	}

	var alerts []pendingAlert

	if info.RetryAfter > 0 {
		until := t.now().Add(info.RetryAfter + blockMargin)
		if until.After(t.blockedUntil) {
			t.blockedUntil = until
			alerts = append(alerts, pendingAlert{
				title:    "helpdesk rate limit exhausted",
				detail:   fmt.Sprintf("all helpdesk calls blocked until %s (url %s)", until.Format(time.RFC3339), info.URL),
				severity: platform.SeverityLow,
			})
		}
	}

	if info.Remaining >= 0 {
		if t.lastRemaining >= 0 && info.Remaining > t.lastRemaining {
			// Budget replenished: the window rolled over.
			t.blockedUntil = time.Time{}
			t.warned = false
			t.warnedCrit = false
		}
		t.lastRemaining = info.Remaining

		switch {
		case info.Remaining < t.critAt && !t.warnedCrit:
			t.warnedCrit = true
			t.warned = true
			alerts = append(alerts, pendingAlert{
				title:    "helpdesk rate budget critical",
				detail:   fmt.Sprintf("remaining %d of %d (url %s)", info.Remaining, t.total, info.URL),
				severity: platform.SeverityLow,
			})
		case info.Remaining < t.warnAt && !t.warned:
			t.warned = true
			alerts = append(alerts, pendingAlert{
				title:    "helpdesk rate budget low",
				detail:   fmt.Sprintf("remaining %d of %d (url %s)", info.Remaining, t.total, info.URL),
				severity: platform.SeverityLow,
			})
		}
	}
	t.mu.Unlock()

	for _, a := range alerts {
		t.raise(a)
	}
}

type pendingAlert struct {
	title    string
	detail   string
	severity platform.AlertSeverity
}

func (t *Tracker) raise(a pendingAlert) {
	t.alertMu.Lock()
	defer t.alertMu.Unlock()
	t.logger.Warn(a.title, "detail", a.detail, "severity", a.severity)
	if t.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = t.alerts.Raise(ctx, a.title, a.detail, a.severity)
}

// Snapshot reports the tracker's view for the status surface.
type Snapshot struct {
	Total        int       `json:"total"`
	Remaining    int       `json:"remaining"`
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	blocked := !t.blockedUntil.IsZero() && t.now().Before(t.blockedUntil)
	s := Snapshot{
		Total:     t.total,
		Remaining: t.lastRemaining,
		Blocked:   blocked,
	}
	if blocked {
		s.BlockedUntil = t.blockedUntil
	}
	return s
}
