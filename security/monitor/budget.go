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
	"fmt"
	"sync"
	"time"
)

// BudgetState is the per-SLO health state.
type BudgetState string

const (
	BudgetHealthy   BudgetState = "healthy"
	BudgetWarning   BudgetState = "warning"   // >=50% consumed
	BudgetCritical  BudgetState = "critical"  // >=90% consumed
	BudgetExhausted BudgetState = "exhausted" // >100% consumed
)

// stateFor maps consumed fraction to budget state.
func stateFor(consumed float64) BudgetState {
	switch {
	case consumed > 1.0:
		return BudgetExhausted
	case consumed >= 0.9:
		return BudgetCritical
	case consumed >= 0.5:
		return BudgetWarning
	default:
		return BudgetHealthy
	}
}

// SLO defines one objective: the event types that consume its budget
// and how many qualifying events the period tolerates.
type SLO struct {
	Name string `yaml:"name" json:"name"`

	// EventTypes whose occurrence consumes this budget.
	EventTypes []EventType `yaml:"event_types" json:"event_types"`

	// Budget is the number of qualifying events tolerated per period.
	Budget int64 `yaml:"budget" json:"budget"`
}

// DefaultSLOs returns the stock objectives.
func DefaultSLOs() []SLO {
	return []SLO{
		{Name: "auth_failures", EventTypes: []EventType{EventAuthenticationRejected}, Budget: 1000},
		{Name: "threat_detections", EventTypes: []EventType{EventThreatSignatureDetected}, Budget: 500},
		{Name: "backend_availability", EventTypes: []EventType{EventBackendUnavailable}, Budget: 10},
		{Name: "encryption_integrity", EventTypes: []EventType{EventEncryptionFailure}, Budget: 5},
	}
}

// BudgetStatus is the queryable view of one SLO's budget.
type BudgetStatus struct {
	SLO               string      `json:"slo"`
	State             BudgetState `json:"state"`
	Consumed          int64       `json:"consumed"`
	Budget            int64       `json:"budget"`
	RemainingFraction float64     `json:"remaining_fraction"`
	PeriodStart       time.Time   `json:"period_start"`
}

// budgetTracker accounts qualifying events against per-SLO budgets with
// a calendar-month period. All methods are safe for concurrent use.
type budgetTracker struct {
	mu     sync.Mutex
	slos   []SLO
	byType map[EventType][]int // event type -> slo indexes
	spent  []int64
	period time.Time // start of current calendar month (UTC)
	now    func() time.Time
}

func newBudgetTracker(slos []SLO, now func() time.Time) *budgetTracker {
	bt := &budgetTracker{
		slos:   slos,
		byType: make(map[EventType][]int),
		spent:  make([]int64, len(slos)),
		now:    now,
	}
	for i, slo := range slos {
		for _, et := range slo.EventTypes {
			bt.byType[et] = append(bt.byType[et], i)
		}
	}
	bt.period = monthStart(now())
	return bt
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// record consumes budget for every SLO the event type qualifies for and
// returns the statuses whose state changed as a result.
func (bt *budgetTracker) record(eventType EventType) []BudgetStatus {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.rollPeriodLocked()

	var transitions []BudgetStatus
	for _, i := range bt.byType[eventType] {
		before := bt.stateLocked(i)
		bt.spent[i]++
		after := bt.stateLocked(i)
		if after != before {
			transitions = append(transitions, bt.statusLocked(i))
		}
	}
	return transitions
}

// status returns the budget view for one SLO by name.
func (bt *budgetTracker) status(name string) (BudgetStatus, error) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.rollPeriodLocked()

	for i, slo := range bt.slos {
		if slo.Name == name {
			return bt.statusLocked(i), nil
		}
	}
	return BudgetStatus{}, fmt.Errorf("unknown SLO %q", name)
}

// statuses returns the budget view for every SLO.
func (bt *budgetTracker) statuses() []BudgetStatus {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.rollPeriodLocked()

	out := make([]BudgetStatus, len(bt.slos))
	for i := range bt.slos {
		out[i] = bt.statusLocked(i)
	}
	return out
}

// rollPeriodLocked resets all budgets when the calendar month changes.
func (bt *budgetTracker) rollPeriodLocked() {
	current := monthStart(bt.now())
	if current.After(bt.period) {
		bt.period = current
		for i := range bt.spent {
			bt.spent[i] = 0
		}
	}
}

func (bt *budgetTracker) consumedLocked(i int) float64 {
	if bt.slos[i].Budget <= 0 {
		return 0
	}
	return float64(bt.spent[i]) / float64(bt.slos[i].Budget)
}

func (bt *budgetTracker) stateLocked(i int) BudgetState {
	return stateFor(bt.consumedLocked(i))
}

func (bt *budgetTracker) statusLocked(i int) BudgetStatus {
	consumed := bt.consumedLocked(i)
	remaining := 1.0 - consumed
	if remaining < 0 {
		remaining = 0
	}
	return BudgetStatus{
		SLO:               bt.slos[i].Name,
		State:             stateFor(consumed),
		Consumed:          bt.spent[i],
		Budget:            bt.slos[i].Budget,
		RemainingFraction: remaining,
		PeriodStart:       bt.period,
	}
}
