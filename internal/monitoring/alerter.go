package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate    AlertType = "job_failure_rate"
	AlertRecordFailureRate AlertType = "record_failure_rate"
	AlertStalledJob        AlertType = "stalled_job"
)

// Job failure rates over fewer finished jobs are noise.
const minFinishedJobs = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// key identifies the condition for repeat suppression.
	key string
}

// webhookPayload is the body POSTed to monitoring.webhook_url.
type webhookPayload struct {
	Service  string           `json:"service"`
	Alerts   []Alert          `json:"alerts"`
	Snapshot *MetricsSnapshot `json:"snapshot,omitempty"`
}

// Alerter turns snapshots into alerts and delivers them to a webhook. An
// alert for a condition already delivered within the repeat window is held
// back.
type Alerter struct {
	cfg         config.MonitoringConfig
	client      *http.Client
	repeatAfter time.Duration
	now         func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	repeat := time.Duration(cfg.RepeatAfterMins) * time.Minute
	if repeat <= 0 {
		repeat = time.Hour
	}
	return &Alerter{
		cfg:         cfg,
		client:      &http.Client{Timeout: 10 * time.Second},
		repeatAfter: repeat,
		now:         func() time.Time { return time.Now().UTC() },
		sent:        make(map[string]time.Time),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := a.now()
	var alerts []Alert
	for _, rule := range []func(*MetricsSnapshot) *Alert{a.jobFailureRate, a.recordFailureRate, a.stalledJobs} {
		if alert := rule(snap); alert != nil {
			alert.Timestamp = now
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

func (a *Alerter) jobFailureRate(snap *MetricsSnapshot) *Alert {
	finished := snap.JobsCompleted + snap.JobsFailed
	if finished < minFinishedJobs || snap.JobFailRate <= a.cfg.FailureRateThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertJobFailureRate,
		Severity: "high",
		Message: fmt.Sprintf(
			"Migration job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
			snap.JobFailRate*100, a.cfg.FailureRateThreshold*100, snap.JobsFailed, finished, snap.LookbackHours,
		),
		Details: map[string]any{
			"failure_rate": snap.JobFailRate,
			"threshold":    a.cfg.FailureRateThreshold,
			"failed":       snap.JobsFailed,
			"finished":     finished,
		},
		key: string(AlertJobFailureRate),
	}
}

func (a *Alerter) recordFailureRate(snap *MetricsSnapshot) *Alert {
	if a.cfg.RecordFailureThreshold <= 0 || snap.RecordFailRate <= a.cfg.RecordFailureThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertRecordFailureRate,
		Severity: "medium",
		Message: fmt.Sprintf(
			"%d of %d records failed (%.1f%%) in last %dh",
			snap.RecordsFailed, snap.RecordsProcessed, snap.RecordFailRate*100, snap.LookbackHours,
		),
		Details: map[string]any{
			"failure_rate": snap.RecordFailRate,
			"threshold":    a.cfg.RecordFailureThreshold,
			"failed":       snap.RecordsFailed,
			"processed":    snap.RecordsProcessed,
		},
		key: string(AlertRecordFailureRate),
	}
}

func (a *Alerter) stalledJobs(snap *MetricsSnapshot) *Alert {
	if len(snap.StalledJobs) == 0 {
		return nil
	}
	ids := strings.Join(snap.StalledJobs, ", ")
	return &Alert{
		Type:     AlertStalledJob,
		Severity: "high",
		Message: fmt.Sprintf("%d executing job(s) without a checkpoint for over %dm: %s",
			len(snap.StalledJobs), a.cfg.StalledAfterMins, ids),
		Details: map[string]any{"job_ids": snap.StalledJobs},
		// a different set of stuck jobs is a new condition
		key: string(AlertStalledJob) + ":" + ids,
	}
}

// Notify POSTs the alerts not delivered within the repeat window to the
// webhook as one payload and returns how many went out. Without a webhook
// URL it does nothing.
func (a *Alerter) Notify(ctx context.Context, alerts []Alert, snap *MetricsSnapshot) (int, error) {
	if a.cfg.WebhookURL == "" {
		return 0, nil
	}

	a.mu.Lock()
	now := a.now()
	var fresh []Alert
	for _, alert := range alerts {
		if at, ok := a.sent[alert.key]; ok && now.Sub(at) < a.repeatAfter {
			continue
		}
		fresh = append(fresh, alert)
	}
	a.mu.Unlock()
	if len(fresh) == 0 {
		return 0, nil
	}

	if err := a.post(ctx, webhookPayload{Service: "crm-migrate", Alerts: fresh, Snapshot: snap}); err != nil {
		return 0, err
	}

	a.mu.Lock()
	for _, alert := range fresh {
		a.sent[alert.key] = now
	}
	a.mu.Unlock()
	return len(fresh), nil
}

func (a *Alerter) post(ctx context.Context, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
