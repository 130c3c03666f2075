package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/config"
)

// Checker collects, evaluates and notifies on a fixed interval.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	interval  time.Duration
	log       *zap.Logger
}

// NewChecker creates a background alert checker. A non-positive
// check_interval_secs means every five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  interval,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// NewCheckerFromConfig builds the collector, alerter and checker over jobs.
func NewCheckerFromConfig(jobs JobLister, cfg config.MonitoringConfig) *Checker {
	stalled := time.Duration(cfg.StalledAfterMins) * time.Minute
	return NewChecker(NewCollector(jobs, stalled), NewAlerter(cfg), cfg)
}

// Run checks once at start and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.Check(ctx)
		}
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check runs one cycle and returns the alerts raised, delivered or not.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("monitoring: collect failed", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	for _, a := range alerts {
		c.log.Warn("monitoring: threshold breached",
			zap.String("type", string(a.Type)),
			zap.String("severity", a.Severity),
			zap.String("message", a.Message),
		)
	}
	if len(alerts) == 0 {
		return nil
	}

	sent, err := c.alerter.Notify(ctx, alerts, snap)
	if err != nil {
		c.log.Error("monitoring: webhook delivery failed", zap.Error(err))
	}
	c.log.Debug("monitoring: check complete",
		zap.Int("jobs", snap.JobsTotal),
		zap.Int("alerts", len(alerts)),
		zap.Int("delivered", sent),
	)
	return alerts
}
