package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Popie52/feedrank/internal/logging"
	"github.com/Popie52/feedrank/internal/metrics"
	"github.com/Popie52/feedrank/internal/model"
)

var ErrShutdownTimeout = errors.New("workers did not finish within the grace period")

type PoolConfig struct {
	Concurrency int
	// RateLimit caps job starts across all workers in any RateWindow;
	// <= 0 means unlimited. RateWindow defaults to a minute.
	RateLimit     int
	RateWindow    time.Duration
	ShutdownGrace time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:   5,
		RateLimit:     50,
		RateWindow:    time.Minute,
		ShutdownGrace: 10 * time.Second,
	}
}

type Pool struct {
	dispatcher *Dispatcher
	handlers   map[model.JobType]Handler
	limiter    *rate.Limiter
	cfg        PoolConfig
	metrics    metrics.MetricsFn
	logger     logging.Logger

	mu         sync.Mutex
	started    bool
	wg         sync.WaitGroup
	stopPull   context.CancelFunc
	cancelJobs context.CancelFunc
}

func NewPool(d *Dispatcher, handlers map[model.JobType]Handler, cfg PoolConfig, m metrics.MetricsFn, logger logging.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	return &Pool{
		dispatcher: d,
		handlers:   handlers,
		limiter:    newLimiter(cfg.RateLimit, cfg.RateWindow),
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
	}
}

// newLimiter spaces starts evenly, one every window/limit. A burst of one
// keeps any window from admitting more than limit starts.
func newLimiter(limit int, window time.Duration) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), 1)
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	pullCtx, stopPull := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	p.stopPull = stopPull
	p.cancelJobs = cancelJobs

	for i := 1; i <= p.cfg.Concurrency; i++ {
		w := NewWorker(i, p.dispatcher, p.handlers, p.limiter, pullCtx, jobCtx, p.metrics, p.logger)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}

	p.logger.WithFields(logging.Fields{
		"concurrency": p.cfg.Concurrency,
		"rate_limit":  p.cfg.RateLimit,
		"rate_window": p.cfg.RateWindow.String(),
	}).Info("worker pool started")
}

// Close stops intake, waits up to the grace period for in-flight jobs and
// then cancels their context. It returns ErrShutdownTimeout when handlers
// were abandoned.
func (p *Pool) Close() error {
	p.dispatcher.Close()

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	stopPull, cancelJobs := p.stopPull, p.cancelJobs
	p.mu.Unlock()

	stopPull()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		cancelJobs()
		p.logger.Info("worker pool stopped")
		return nil
	case <-timer.C:
		cancelJobs()
		p.logger.WithField("grace", p.cfg.ShutdownGrace.String()).Warn("worker pool close timed out, abandoning in-flight jobs")
		return ErrShutdownTimeout
	}
}
