// Package scheduler drives the engine's refresh loop on a timer: a
// ticker-driven background loop registered with the system manager. Refresh
// scheduling supports a plain tick interval and, when a cron expression is
// configured, robfig/cron/v3 expression parsing to decide the next fire
// time relative to a tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clusterfabric/plb/internal/engine"
	"github.com/clusterfabric/plb/internal/system"
	"github.com/clusterfabric/plb/pkg/logger"
)

// Scheduler ticks the engine's Refresh on a fixed interval, optionally gated
// by a cron expression.
type Scheduler struct {
	eng      *engine.Engine
	log      *logger.Logger
	interval time.Duration
	schedule cron.Schedule

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	lastErr error
}

var _ system.Service = (*Scheduler)(nil)

// New creates a refresh scheduler. cronExpr may be empty, in which case
// every tick of interval triggers a refresh; otherwise a tick only refreshes
// once the cron schedule's next fire time has elapsed.
func New(eng *engine.Engine, interval time.Duration, cronExpr string, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Scheduler{eng: eng, log: log, interval: interval}
	if cronExpr != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(cronExpr)
		if err != nil {
			return nil, err
		}
		s.schedule = sched
	}
	return s, nil
}

func (s *Scheduler) Name() string { return "refresh-scheduler" }

func (s *Scheduler) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:         "refresh-scheduler",
		Layer:        system.LayerEngine,
		Capabilities: []string{"refresh"},
	}
}

// Start begins the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	next := s.nextFire(time.Now())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				if s.schedule != nil && now.Before(next) {
					continue
				}
				if err := s.eng.Refresh(now); err != nil {
					s.mu.Lock()
					s.lastErr = err
					s.mu.Unlock()
					s.log.WithError(err).Warn("refresh failed")
				}
				if s.schedule != nil {
					next = s.nextFire(now)
				}
			}
		}
	}()

	s.log.Info("refresh scheduler started")
	return nil
}

func (s *Scheduler) nextFire(from time.Time) time.Time {
	if s.schedule == nil {
		return from
	}
	return s.schedule.Next(from)
}

// Stop halts the tick loop.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("refresh scheduler stopped")
	return nil
}

// LastError returns the error from the most recent failed refresh, if any.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
