package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/knoguchi/ragcache/internal/repository"
)

// DefaultAnalysisInterval is the default interval between analysis cycles.
const DefaultAnalysisInterval = time.Hour

// DefaultAnalysisTimeout is the default timeout for a single analysis cycle.
const DefaultAnalysisTimeout = 2 * time.Minute

// DefaultAnalysisLimit bounds how many recent events one cycle reads.
const DefaultAnalysisLimit = 50000

// EventSource lists stored feedback events, newest first.
type EventSource interface {
	ListEvents(ctx context.Context, limit int) ([]*repository.FeedbackEvent, error)
}

// AnalysisJobConfig configures the periodic analysis job.
type AnalysisJobConfig struct {
	// Interval is the duration between analysis cycles.
	Interval time.Duration
	// Timeout for each analysis cycle.
	Timeout time.Duration
	// Limit caps the number of events read per cycle.
	Limit  int
	Logger *slog.Logger
}

// AnalysisJob periodically rebuilds source scores from the feedback log.
type AnalysisJob struct {
	config   AnalysisJobConfig
	adjuster *Adjuster
	events   EventSource

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAnalysisJob creates a new analysis job.
func NewAnalysisJob(config AnalysisJobConfig, adjuster *Adjuster, events EventSource) *AnalysisJob {
	if config.Interval == 0 {
		config.Interval = DefaultAnalysisInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultAnalysisTimeout
	}
	if config.Limit == 0 {
		config.Limit = DefaultAnalysisLimit
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &AnalysisJob{config: config, adjuster: adjuster, events: events}
}

// Start begins the periodic job in a background goroutine.
func (j *AnalysisJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for it to finish.
func (j *AnalysisJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *AnalysisJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *AnalysisJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("feedback analysis job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("feedback analysis job stopping due to stop signal")
			return
		case <-ticker.C:
			if _, err := j.RunNow(ctx); err != nil {
				j.config.Logger.Error("feedback analysis failed", "error", err)
			}
		}
	}
}

// RunNow performs one full analysis immediately.
func (j *AnalysisJob) RunNow(parentCtx context.Context) (*repository.AnalysisRun, error) {
	ctx, cancel := context.WithTimeout(parentCtx, j.config.Timeout)
	defer cancel()

	events, err := j.events.ListEvents(ctx, j.config.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback events: %w", err)
	}
	return j.adjuster.Analyze(ctx, events)
}
