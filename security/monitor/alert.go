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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel/platform/shared/logger"
)

// Alert is a notification raised by budget transitions or correlation
// rules. Each alert must be acknowledged within its tier's deadline or
// it escalates to the next configured channel.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Detail    string    `json:"detail"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`

	// AckDeadline is CreatedAt plus the tier's response-time ceiling.
	AckDeadline time.Time `json:"ack_deadline"`
}

// AckDeadlines maps each tier to its required response-time ceiling.
type AckDeadlines map[Severity]time.Duration

// DefaultAckDeadlines returns the stock response-time ceilings.
func DefaultAckDeadlines() AckDeadlines {
	return AckDeadlines{
		SeverityCritical: 15 * time.Minute,
		SeverityHigh:     time.Hour,
		SeverityMedium:   4 * time.Hour,
		SeverityLow:      24 * time.Hour,
	}
}

// Notifier delivers an alert to one channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
	Name() string
}

// LogNotifier writes alerts to the structured log, the default channel
// and the last escalation stop.
type LogNotifier struct {
	Log *logger.Logger
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	n.Log.Warn("", alert.ID, "security alert: "+alert.Title, map[string]interface{}{
		"severity":     string(alert.Severity),
		"detail":       alert.Detail,
		"source":       alert.Source,
		"ack_deadline": alert.AckDeadline.Format(time.RFC3339),
	})
	return nil
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	name   string
}

// NewWebhookNotifier creates a webhook channel. name distinguishes
// multiple webhooks in routing config ("pagerduty", "slack-ops").
func NewWebhookNotifier(name, url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		name:   name,
	}
}

func (n *WebhookNotifier) Name() string { return n.name }

func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Routing maps each severity tier to its ordered escalation chain: the
// first channel gets the alert immediately, each subsequent channel is
// tried when the previous one's acknowledgement deadline passes.
type Routing map[Severity][]Notifier

// alertRouter owns alert lifecycle: dispatch, acknowledgement, and
// deadline-driven escalation.
type alertRouter struct {
	routing   Routing
	deadlines AckDeadlines
	log       *logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingAlert
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

type pendingAlert struct {
	alert    Alert
	chainPos int
	nextDue  time.Time
}

func newAlertRouter(routing Routing, deadlines AckDeadlines, log *logger.Logger, now func() time.Time) *alertRouter {
	ar := &alertRouter{
		routing:   routing,
		deadlines: deadlines,
		log:       log,
		now:       now,
		pending:   make(map[string]*pendingAlert),
		stopCh:    make(chan struct{}),
	}
	ar.wg.Add(1)
	go ar.escalationLoop()
	return ar
}

// raise creates the alert, delivers it to the first channel of its
// tier, and schedules escalation.
func (ar *alertRouter) raise(ctx context.Context, severity Severity, title, detail, source string) Alert {
	now := ar.now().UTC()
	deadline, ok := ar.deadlines[severity]
	if !ok {
		deadline = DefaultAckDeadlines()[severity]
	}

	alert := Alert{
		ID:          uuid.NewString(),
		Severity:    severity,
		Title:       title,
		Detail:      detail,
		Source:      source,
		CreatedAt:   now,
		AckDeadline: now.Add(deadline),
	}

	ar.deliver(ctx, alert, 0)

	ar.mu.Lock()
	ar.pending[alert.ID] = &pendingAlert{
		alert:    alert,
		chainPos: 0,
		nextDue:  alert.AckDeadline,
	}
	ar.mu.Unlock()

	return alert
}

// Acknowledge marks the alert handled, stopping further escalation.
// Unknown ids are a no-op so duplicate acks are harmless.
func (ar *alertRouter) acknowledge(id string) {
	ar.mu.Lock()
	delete(ar.pending, id)
	ar.mu.Unlock()
}

func (ar *alertRouter) deliver(ctx context.Context, alert Alert, chainPos int) {
	chain := ar.routing[alert.Severity]
	if len(chain) == 0 {
		chain = []Notifier{&LogNotifier{Log: ar.log}}
	}
	if chainPos >= len(chain) {
		chainPos = len(chain) - 1
	}

	notifier := chain[chainPos]
	if err := notifier.Notify(ctx, alert); err != nil {
		ar.log.Error("", alert.ID, "alert delivery failed",
			map[string]interface{}{"channel": notifier.Name(), "error": err.Error()})
	}
}

// escalationLoop re-delivers unacknowledged alerts to the next channel
// when their deadline lapses.
func (ar *alertRouter) escalationLoop() {
	defer ar.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ar.stopCh:
			return
		case <-ticker.C:
			ar.escalateDue()
		}
	}
}

func (ar *alertRouter) escalateDue() {
	now := ar.now()

	ar.mu.Lock()
	var escalate []*pendingAlert
	for _, pa := range ar.pending {
		if !now.After(pa.nextDue) {
			continue
		}
		chain := ar.routing[pa.alert.Severity]
		if pa.chainPos+1 >= len(chain) {
			// Nowhere further to escalate; stop tracking.
			delete(ar.pending, pa.alert.ID)
			continue
		}
		pa.chainPos++
		deadline := ar.deadlines[pa.alert.Severity]
		if deadline <= 0 {
			deadline = DefaultAckDeadlines()[pa.alert.Severity]
		}
		pa.nextDue = now.Add(deadline)
		escalate = append(escalate, pa)
	}
	ar.mu.Unlock()

	// Most urgent re-deliveries go out first.
	sort.SliceStable(escalate, func(i, j int) bool {
		return severityRank(escalate[i].alert.Severity) < severityRank(escalate[j].alert.Severity)
	})
	for _, pa := range escalate {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ar.deliver(ctx, pa.alert, pa.chainPos)
		cancel()
	}
}

func (ar *alertRouter) stop() {
	ar.mu.Lock()
	if !ar.stopped {
		ar.stopped = true
		close(ar.stopCh)
	}
	ar.mu.Unlock()
	ar.wg.Wait()
}
