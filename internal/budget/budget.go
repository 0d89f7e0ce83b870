// Package budget watches month-to-date spend against a configured USD
// budget and raises one alert per threshold crossed.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/metrics"
	"github.com/felipepmaragno/llm-orchestrator/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

// DefaultScope names the alert state when no scope is configured.
const DefaultScope = "llm-orchestrator"

type Alert struct {
	Scope      string
	Period     string
	Level      AlertLevel
	Budget     float64
	CurrentUse float64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

// Spend reports cost accrued since a point in time. cost.Tracker and the
// SQL usage repository both satisfy it.
type Spend interface {
	TotalCost(ctx context.Context, since time.Time) (float64, error)
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

type Monitor struct {
	mu            sync.RWMutex
	spend         Spend
	budgetUSD     float64
	thresholds    Thresholds
	scope         string
	dedup         Deduplicator
	alertHandlers []AlertHandler
	now           func() time.Time
}

type MonitorOption func(*Monitor)

// WithDeduplicator shares alert state, e.g. across instances through Redis.
func WithDeduplicator(d Deduplicator) MonitorOption {
	return func(m *Monitor) {
		m.dedup = d
	}
}

func WithScope(scope string) MonitorOption {
	return func(m *Monitor) {
		if scope != "" {
			m.scope = scope
		}
	}
}

func NewMonitor(spend Spend, budgetUSD float64, thresholds Thresholds, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		spend:         spend,
		budgetUSD:     budgetUSD,
		thresholds:    thresholds,
		scope:         DefaultScope,
		alertHandlers: make([]AlertHandler, 0),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dedup == nil {
		m.dedup = NewMemoryDeduplicator()
	}
	return m
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Check compares month-to-date spend with the budget. It returns the alert
// it dispatched, or nil when spend is under the warning threshold or the
// level was already reported.
func (m *Monitor) Check(ctx context.Context) (*Alert, error) {
	if m.budgetUSD <= 0 {
		return nil, nil
	}

	start := m.periodStart()
	period := start.Format("2006-01")
	currentCost, err := m.spend.TotalCost(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("load spend: %w", err)
	}

	ratio := currentCost / m.budgetUSD
	metrics.SetBudgetUsage(ratio)

	var level AlertLevel
	switch {
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= m.thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.dedup.Reset(ctx, m.scope, period)
		return nil, nil
	}

	if !m.dedup.Claim(ctx, AlertKey{Scope: m.scope, Period: period, Level: level}) {
		return nil, nil
	}

	alert := &Alert{
		Scope:      m.scope,
		Period:     period,
		Level:      level,
		Budget:     m.budgetUSD,
		CurrentUse: currentCost,
		Percentage: ratio * 100,
		Timestamp:  m.now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}

	return alert, nil
}

func (m *Monitor) IsBudgetExceeded(ctx context.Context) (bool, error) {
	if m.budgetUSD <= 0 {
		return false, nil
	}

	currentCost, err := m.spend.TotalCost(ctx, m.periodStart())
	if err != nil {
		return false, fmt.Errorf("load spend: %w", err)
	}

	return currentCost >= m.budgetUSD, nil
}

func (m *Monitor) periodStart() time.Time {
	now := m.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.Warn("budget alert",
		"scope", alert.Scope,
		"period", alert.Period,
		"level", alert.Level,
		"budget", alert.Budget,
		"current_use", alert.CurrentUse,
		"percentage", alert.Percentage,
	)
}

// NotifyHandler forwards alerts to a notifier. Delivery failures are logged.
func NotifyHandler(n notifications.Notifier) AlertHandler {
	return func(ctx context.Context, alert Alert) {
		err := n.Notify(ctx, notifications.Notification{
			Kind:       notificationKind(alert.Level),
			Message:    fmt.Sprintf("%s spend is at %.1f%% of the $%.2f budget", alert.Scope, alert.Percentage, alert.Budget),
			SpendUSD:   alert.CurrentUse,
			BudgetUSD:  alert.Budget,
			Percentage: alert.Percentage,
		})
		if err != nil {
			slog.Error("failed to send budget notification",
				"level", alert.Level,
				"error", err,
			)
		}
	}
}

func notificationKind(level AlertLevel) notifications.Kind {
	switch level {
	case AlertLevelExceeded:
		return notifications.KindBudgetExceeded
	case AlertLevelCritical:
		return notifications.KindBudgetCritical
	default:
		return notifications.KindBudgetWarning
	}
}
