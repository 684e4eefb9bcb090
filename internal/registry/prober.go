package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/clock"
	"github.com/aniladanir/messenger-gateway/internal/domain"
	"github.com/robfig/cron/v3"
)

// HealthChecker probes one backend's liveness endpoint.
type HealthChecker interface {
	Health(ctx context.Context, backend domain.Backend) error
}

// Recorder persists backend snapshots after each probe sweep.
type Recorder interface {
	SaveBackend(ctx context.Context, backend domain.Backend) error
}

// Prober sweeps the registered pool on a fixed schedule and feeds
// probe outcomes back into the registry's health ladder.
type Prober struct {
	registry *Registry
	checker  HealthChecker
	recorder Recorder
	interval time.Duration
	clock    clock.Clock
	sched    *cron.Cron
	logger   *slog.Logger
}

func NewProber(reg *Registry, checker HealthChecker, recorder Recorder, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Prober {
	return &Prober{
		registry: reg,
		checker:  checker,
		recorder: recorder,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Start schedules periodic sweeps. An immediate sweep runs first so
// the pool is not blindly trusted until the first tick.
func (p *Prober) Start() error {
	p.Sweep(context.Background())

	p.sched = cron.New()
	if _, err := p.sched.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		p.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule health probe: %w", err)
	}
	p.sched.Start()

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (p *Prober) Stop() {
	if p.sched == nil {
		return
	}
	<-p.sched.Stop().Done()
}

// Sweep probes every registered backend once, in parallel. Each probe
// gets the full interval as its deadline so a hung backend cannot
// stall the next sweep.
func (p *Prober) Sweep(ctx context.Context) {
	backends := p.registry.Snapshot()

	wg := sync.WaitGroup{}
	for _, b := range backends {
		wg.Go(func() {
			probeCtx, cancel := context.WithTimeout(ctx, p.interval)
			defer cancel()

			err := p.checker.Health(probeCtx, b)
			if err != nil {
				p.logger.Warn("backend probe failed", "backendId", b.ID, "error", err.Error())
			}
			p.registry.ReportProbe(b.ID, err == nil, p.clock.Now())

			if p.recorder != nil {
				snapshot, getErr := p.registry.Get(b.ID)
				if getErr != nil {
					return
				}
				if saveErr := p.recorder.SaveBackend(ctx, snapshot); saveErr != nil {
					p.logger.Error("failed to persist backend snapshot", "backendId", b.ID, "error", saveErr.Error())
				}
			}
		})
	}
	wg.Wait()
}
