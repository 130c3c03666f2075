package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-migrate/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold:   0.10,
		RecordFailureThreshold: 0.20,
		StalledAfterMins:       15,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		JobsTotal:        100,
		JobsCompleted:    95,
		JobsFailed:       5,
		JobFailRate:      0.05,
		RecordsProcessed: 1000,
		RecordsFailed:    10,
		RecordFailRate:   0.01,
		LookbackHours:    24,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_JobFailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		JobsTotal:     20,
		JobsCompleted: 12,
		JobsFailed:    8,
		JobFailRate:   0.4,
		LookbackHours: 24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "8 failed / 20 finished")
}

func TestAlerter_Evaluate_MinimumJobsRequired(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		JobsTotal:     3,
		JobsCompleted: 1,
		JobsFailed:    2,
		JobFailRate:   0.666,
		LookbackHours: 24,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_RecordFailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		RecordsProcessed: 200,
		RecordsFailed:    50,
		RecordFailRate:   0.25,
		LookbackHours:    24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRecordFailureRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "50 of 200 records failed (25.0%)")
}

func TestAlerter_Evaluate_RecordThresholdDisabled(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.RecordFailureThreshold = 0
	a := NewAlerter(cfg)

	alerts := a.Evaluate(&MetricsSnapshot{RecordsProcessed: 10, RecordsFailed: 10, RecordFailRate: 1})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_StalledJobs(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{StalledJobs: []string{"job-1", "job-2"}})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStalledJob, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 executing job(s)")
	assert.Contains(t, alerts[0].Message, "over 15m")
	assert.Contains(t, alerts[0].Message, "job-1, job-2")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		JobsCompleted:    10,
		JobsFailed:       10,
		JobFailRate:      0.5,
		RecordsProcessed: 100,
		RecordsFailed:    30,
		RecordFailRate:   0.3,
		StalledJobs:      []string{"job-1"},
		LookbackHours:    24,
	})
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertJobFailureRate])
	assert.True(t, types[AlertRecordFailureRate])
	assert.True(t, types[AlertStalledJob])
}

func TestAlerter_Notify_Webhook(t *testing.T) {
	var requests atomic.Int32
	var got webhookPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	snap := &MetricsSnapshot{JobsTotal: 7, StalledJobs: []string{"job-1"}}

	sent, err := a.Notify(context.Background(), []Alert{
		{Type: AlertJobFailureRate, Severity: "high", Message: "test alert 1", key: "a"},
		{Type: AlertStalledJob, Severity: "high", Message: "test alert 2", key: "b"},
	}, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, "crm-migrate", got.Service)
	require.Len(t, got.Alerts, 2)
	assert.Equal(t, AlertStalledJob, got.Alerts[1].Type)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, 7, got.Snapshot.JobsTotal)
}

func TestAlerter_Notify_SuppressesRepeats(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL, RepeatAfterMins: 30, StalledAfterMins: 15})
	a.now = func() time.Time { return now }
	ctx := context.Background()

	stalled := a.Evaluate(&MetricsSnapshot{StalledJobs: []string{"job-1"}})
	sent, err := a.Notify(ctx, stalled, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	now = now.Add(10 * time.Minute)
	sent, err = a.Notify(ctx, a.Evaluate(&MetricsSnapshot{StalledJobs: []string{"job-1"}}), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sent, "same condition inside the repeat window")

	sent, err = a.Notify(ctx, a.Evaluate(&MetricsSnapshot{StalledJobs: []string{"job-1", "job-2"}}), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "a different set of stalled jobs is new")

	now = now.Add(31 * time.Minute)
	sent, err = a.Notify(ctx, a.Evaluate(&MetricsSnapshot{StalledJobs: []string{"job-1"}}), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "repeat window elapsed")
	assert.Equal(t, int32(3), requests.Load())
}

func TestAlerter_Notify_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent, err := a.Notify(context.Background(), []Alert{{Type: AlertJobFailureRate, Message: "test"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestAlerter_Notify_NothingToSend(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://127.0.0.1:1"})

	sent, err := a.Notify(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestAlerter_Notify_WebhookErrorRetriesNextTime(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	alerts := a.Evaluate(&MetricsSnapshot{StalledJobs: []string{"job-1"}})

	sent, err := a.Notify(context.Background(), alerts, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, 0, sent)

	fail.Store(false)
	sent, err = a.Notify(context.Background(), alerts, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}
