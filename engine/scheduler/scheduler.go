// Package scheduler drives time-based progress: it polls the engine's timer
// registrations and fires the due ones. The engine itself never watches the
// clock; embedders run one scheduler per store.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/spear-engine/spear/engine/core"
	"github.com/spear-engine/spear/engine/telemetry"
)

type (
	// Options configures a Scheduler.
	Options struct {
		// Engine is the engine whose timers are polled. Required.
		Engine *core.Engine
		// Interval is the polling period, one second when zero.
		Interval time.Duration
		// MaxFiresPerSecond caps timer fires across all instances, so a
		// backlog of due timers after downtime does not stampede the
		// handlers. Zero means no cap.
		MaxFiresPerSecond float64
		// Logger defaults to a no-op.
		Logger telemetry.Logger
		// Clock overrides the wall clock, for tests.
		Clock func() time.Time
	}

	// Scheduler polls for due timers on a fixed interval and signals them.
	Scheduler struct {
		eng      *core.Engine
		interval time.Duration
		limiter  *rate.Limiter
		logger   telemetry.Logger
		clock    func() time.Time

		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// New constructs a scheduler from the given options.
func New(opts Options) (*Scheduler, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.MaxFiresPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxFiresPerSecond), 1)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		eng:      opts.Engine,
		interval: interval,
		limiter:  limiter,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Start launches the polling loop. It returns an error when the scheduler is
// already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop halts the polling loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due timer once. A failing fire is logged and skipped so
// one broken instance cannot stall the rest.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()
	for _, reg := range s.eng.Timers().Due(now) {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.eng.SignalTimer(ctx, reg.URI); err != nil {
			s.logger.Error(ctx, "timer fire failed",
				"registration", reg.URI, "instance", reg.Instance, "node", reg.Node, "err", err)
		}
	}
	// Drop stale wake-up hints left behind by timers that fired or were
	// cancelled, so DueInstances stays an honest worklist.
	for _, inst := range s.eng.Instances().DueInstances(now) {
		if !s.eng.Timers().Pending(inst) {
			s.eng.Instances().ClearNextRunAt(inst)
		}
	}
}
