package watch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mushstyle/scrape2-sub001/pkg/orchestrate"
)

// RunFunc executes one full crawl run and reports its summary.
type RunFunc func(ctx context.Context) (orchestrate.RunSummary, error)

// Scheduler re-runs a crawl on a fixed interval, persisting run state
// between invocations so restarts pick up the schedule where it left off.
type Scheduler struct {
	runName  string
	interval time.Duration
	run      RunFunc
	state    *StateManager
	log      *logrus.Entry
}

func NewScheduler(runName string, interval time.Duration, state *StateManager, run RunFunc, logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		runName:  runName,
		interval: interval,
		run:      run,
		state:    state,
		log:      logger.WithField("component", "watch"),
	}
}

// Run loops until the context is cancelled, executing the crawl whenever
// it is due. The first run happens immediately unless persisted state says
// a recent run already covered this interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.state.Load(); err != nil {
		return fmt.Errorf("failed to load watch state: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run":      s.runName,
		"interval": FormatInterval(s.interval),
	}).Info("Watch mode started")

	tick := tickInterval(s.interval)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if s.state.ShouldRun(s.runName, s.interval) {
			s.executeRun(ctx)
		} else {
			next := s.state.NextRunTime(s.runName, s.interval)
			s.log.WithField("next_run", next.Format(time.RFC3339)).Debug("Run not due yet")
		}

		select {
		case <-ctx.Done():
			s.log.Info("Watch mode stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) executeRun(ctx context.Context) {
	s.log.WithField("run", s.runName).Info("Starting scheduled run")
	start := time.Now()

	summary, err := s.run(ctx)
	if err != nil && ctx.Err() != nil {
		// Shutdown, not a run failure. Leave state untouched so the
		// interrupted run re-runs on the next start.
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		s.log.WithError(err).Error("Scheduled run failed")
	} else {
		s.log.WithFields(logrus.Fields{
			"processed": summary.Processed,
			"records":   summary.RecordsSaved,
			"duration":  time.Since(start).Round(time.Second).String(),
		}).Info("Scheduled run complete")
	}

	s.state.UpdateRunState(s.runName, err == nil, summary.Processed, summary.RecordsSaved, errMsg)
	if saveErr := s.state.Save(); saveErr != nil {
		s.log.WithError(saveErr).Warn("Failed to persist watch state")
	}
}

// tickInterval picks how often to re-check the schedule: a tenth of the
// run interval, clamped between one minute and ten minutes.
func tickInterval(interval time.Duration) time.Duration {
	tick := interval / 10
	if tick < time.Minute {
		tick = time.Minute
	}
	if tick > 10*time.Minute {
		tick = 10 * time.Minute
	}
	return tick
}

// ParseInterval parses a duration string, additionally accepting a "d"
// suffix for days (e.g. "1d", "7d").
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}

	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", s, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("interval must be positive, got %q", s)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %q", s)
	}
	return d, nil
}

// FormatInterval renders a duration compactly, using days when even.
func FormatInterval(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	return d.String()
}
