package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is executed on every tick of a Periodic runner.
type Task func(context.Context) error

// PeriodicConfig configures a Periodic runner.
type PeriodicConfig struct {
	Interval   time.Duration
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	RunOnStart bool
	Logger     *zap.Logger
}

// Periodic runs a task on a fixed interval with bounded retries. Runs never
// overlap: a tick that fires while the task is still running is dropped.
type Periodic struct {
	name string
	task Task
	cfg  PeriodicConfig

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	runs    int
}

// NewPeriodic builds a runner. Zero values fall back to sane defaults.
func NewPeriodic(name string, task Task, cfg PeriodicConfig) *Periodic {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Periodic{name: name, task: task, cfg: cfg}
}

// Start launches the loop. Safe to call once.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	p.wg.Add(1)
	go p.loop()
	p.cfg.Logger.Sugar().Infow("periodic job started", "job", p.name, "interval", p.cfg.Interval.String())
}

// Stop cancels the loop and waits for the running task to return.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	p.cfg.Logger.Sugar().Infow("periodic job stopped", "job", p.name)
}

// Runs reports how many times the task completed, successfully or not.
func (p *Periodic) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func (p *Periodic) loop() {
	defer p.wg.Done()
	if p.cfg.RunOnStart {
		p.runOnce()
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runOnce()
		}
	}
}

func (p *Periodic) runOnce() {
	defer func() {
		p.mu.Lock()
		p.runs++
		p.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
		err := p.task(ctx)
		cancel()
		if err == nil {
			return
		}
		if attempt >= p.cfg.MaxRetries || p.ctx.Err() != nil {
			p.cfg.Logger.Sugar().Errorw("periodic job failed", "job", p.name, "attempts", attempt+1, "error", err)
			return
		}
		p.cfg.Logger.Sugar().Warnw("periodic job failed, retrying", "job", p.name, "attempt", attempt+1, "error", err)

		timer := time.NewTimer(p.cfg.RetryDelay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
