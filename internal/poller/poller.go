// Package poller drives the REST side of ingestion: periodic derivatives
// polls (open interest, funding) and one-shot kline warm-up.
package poller

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfold/marketpipe/errs"
	"github.com/quantfold/marketpipe/internal/adapters/shared"
)

// Task is one keyed poll. Fetch publishes its events itself; the poller only
// schedules, rate-limits and backs off.
type Task struct {
	Key   string
	Fetch func(ctx context.Context) error
}

// Config tunes the derivatives poller.
type Config struct {
	// Interval between poll rounds.
	Interval time.Duration
	// RequestsPerSecond caps the outbound REST rate across all tasks.
	RequestsPerSecond float64
	// Burst for the limiter; defaults to 1.
	Burst int
}

// DefaultConfig returns the production polling cadence.
func DefaultConfig() Config {
	return Config{
		Interval:          60 * time.Second,
		RequestsPerSecond: 5,
		Burst:             2,
	}
}

// Poller runs a task set on a fixed cadence. A failing key is held back with
// capped exponential backoff while the others keep their schedule.
type Poller struct {
	cfg       Config
	logger    *log.Logger
	limiter   *rate.Limiter
	backoff   *shared.BackoffTable
	tasks     []Task
	holdUntil map[string]time.Time
}

// New constructs a poller over a fixed task set.
func New(cfg Config, tasks []Task, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Poller{
		cfg:       cfg,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		backoff:   shared.NewBackoffTable("poller"),
		tasks:     tasks,
		holdUntil: make(map[string]time.Time),
	}
}

// Run polls until the context terminates. The first round runs immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.round(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.round(ctx)
		}
	}
}

func (p *Poller) round(ctx context.Context) {
	now := time.Now()
	for _, task := range p.tasks {
		if hold, ok := p.holdUntil[task.Key]; ok && now.Before(hold) {
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		err := task.Fetch(ctx)
		if err == nil {
			p.backoff.Success(task.Key)
			delete(p.holdUntil, task.Key)
			continue
		}
		if errs.IsAbort(err) {
			return
		}
		hold := p.backoff.Failure(task.Key)
		p.holdUntil[task.Key] = time.Now().Add(hold)
		p.logger.Printf("poll %s failed (held %s): %v", task.Key, hold.Round(time.Millisecond), err)
	}
}
