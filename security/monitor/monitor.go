// Copyright 2025 Sentinel
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinel/platform/shared/logger"
)

var (
	promEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_security_events_total",
			Help: "Total security events recorded, by type and severity",
		},
		[]string{"type", "severity"},
	)
	promAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_security_alerts_total",
			Help: "Total security alerts raised, by severity",
		},
		[]string{"severity"},
	)
	promBudgetRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_error_budget_remaining_fraction",
			Help: "Remaining error-budget fraction per SLO",
		},
		[]string{"slo"},
	)
)

func init() {
	prometheus.MustRegister(promEventsTotal)
	prometheus.MustRegister(promAlertsTotal)
	prometheus.MustRegister(promBudgetRemaining)
}

// Monitor is the event-driven security monitoring service: persistence,
// error-budget accounting, correlation, and alert routing behind a
// single RecordEvent entry point.
type Monitor struct {
	log     *logger.Logger
	queue   *persistQueue
	budgets *budgetTracker
	corr    *correlator
	alerts  *alertRouter
	now     func() time.Time
}

// Options configures a Monitor. Zero values fall back to stock
// policies.
type Options struct {
	// Store persists events; nil records to a NopStore.
	Store EventStore

	// SLOs and their budgets; nil uses DefaultSLOs.
	SLOs []SLO

	// Rules for correlation; nil uses DefaultCorrelationRules.
	Rules []CorrelationRule

	// Routing per severity tier; empty tiers fall back to the log
	// channel.
	Routing Routing

	// AckDeadlines per tier; nil uses DefaultAckDeadlines.
	AckDeadlines AckDeadlines

	// QueueSize and Workers shape the async persist queue.
	QueueSize int
	Workers   int

	// FallbackPath is the local spill file for events the store could
	// not accept. Empty disables the fallback.
	FallbackPath string

	// Clock override for tests.
	Clock func() time.Time
}

// New creates and starts a Monitor.
func New(log *logger.Logger, opts Options) (*Monitor, error) {
	if opts.Store == nil {
		opts.Store = NopStore{}
	}
	if opts.SLOs == nil {
		opts.SLOs = DefaultSLOs()
	}
	if opts.Rules == nil {
		opts.Rules = DefaultCorrelationRules()
	}
	if opts.AckDeadlines == nil {
		opts.AckDeadlines = DefaultAckDeadlines()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	queue, err := newPersistQueue(opts.Store, log, opts.QueueSize, opts.Workers, opts.FallbackPath)
	if err != nil {
		return nil, fmt.Errorf("failed to start persist queue: %w", err)
	}

	return &Monitor{
		log:     log,
		queue:   queue,
		budgets: newBudgetTracker(opts.SLOs, opts.Clock),
		corr:    newCorrelator(opts.Rules, opts.Clock),
		alerts:  newAlertRouter(opts.Routing, opts.AckDeadlines, log, opts.Clock),
		now:     opts.Clock,
	}, nil
}

// RecordEvent ingests one SecurityEvent: persists it, consumes the
// relevant error budgets, and evaluates correlation rules. Budget state
// transitions and fired correlations each raise a single alert.
func (m *Monitor) RecordEvent(ctx context.Context, event SecurityEvent) error {
	if event.ID == "" || event.Timestamp.IsZero() {
		return fmt.Errorf("monitor: event must come from NewEvent (missing id or timestamp)")
	}

	promEventsTotal.WithLabelValues(string(event.Type), string(event.Severity)).Inc()

	if err := m.queue.submit(ctx, event); err != nil {
		// Persistence trouble is logged, not propagated: monitoring must
		// never take the request path down.
		m.log.Error(event.Actor, event.ID, "failed to persist security event",
			map[string]interface{}{"error": err.Error()})
	}

	for _, status := range m.budgets.record(event.Type) {
		promBudgetRemaining.WithLabelValues(status.SLO).Set(status.RemainingFraction)
		m.raiseBudgetAlert(ctx, status)
	}

	for _, c := range m.corr.observe(event) {
		promAlertsTotal.WithLabelValues(string(c.rule.AlertSeverity)).Inc()
		m.alerts.raise(ctx, c.rule.AlertSeverity, c.title(), c.detail(), "correlation")
	}

	return nil
}

func (m *Monitor) raiseBudgetAlert(ctx context.Context, status BudgetStatus) {
	var severity Severity
	switch status.State {
	case BudgetExhausted:
		severity = SeverityCritical
	case BudgetCritical:
		severity = SeverityHigh
	case BudgetWarning:
		severity = SeverityMedium
	default:
		// Transition back toward healthy needs no alert.
		return
	}

	promAlertsTotal.WithLabelValues(string(severity)).Inc()
	m.alerts.raise(ctx, severity,
		fmt.Sprintf("error budget %s: %s", status.State, status.SLO),
		fmt.Sprintf("SLO %q consumed %d of %d (remaining %.0f%%)",
			status.SLO, status.Consumed, status.Budget, status.RemainingFraction*100),
		"budget")
}

// BudgetStatus returns the current state of one SLO's budget.
func (m *Monitor) BudgetStatus(sloName string) (BudgetStatus, error) {
	return m.budgets.status(sloName)
}

// BudgetStatuses returns every SLO's budget state.
func (m *Monitor) BudgetStatuses() []BudgetStatus {
	return m.budgets.statuses()
}

// Acknowledge marks an alert handled, stopping escalation.
func (m *Monitor) Acknowledge(alertID string) {
	m.alerts.acknowledge(alertID)
}

// QueueStats exposes persist-queue health for diagnostics endpoints.
func (m *Monitor) QueueStats() (processed, failed uint64, pending int) {
	return m.queue.stats()
}

// Shutdown drains the persist queue and stops the escalation loop.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.alerts.stop()
	return m.queue.shutdown(ctx)
}
