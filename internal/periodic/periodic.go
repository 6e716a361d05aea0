// Package periodic runs housekeeping tasks on a fixed period until stopped.
package periodic

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Ticker abstracts time.Ticker so tests can drive ticks by hand.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type defaultTicker struct {
	*time.Ticker
}

func (t *defaultTicker) Chan() <-chan time.Time {
	return t.C
}

// NewTicker returns a Ticker backed by time.Ticker.
func NewTicker(d time.Duration) Ticker {
	return &defaultTicker{Ticker: time.NewTicker(d)}
}

// Task is executed once per tick.
type Task interface {
	// Run executes the task once; it should return within the context's timeout.
	Run(context.Context)
	// Name is used in log output.
	Name() string
}

// Func adapts a plain function to Task.
func Func(name string, fn func(context.Context)) Task {
	return funcTask{name: name, fn: fn}
}

type funcTask struct {
	name string
	fn   func(context.Context)
}

func (f funcTask) Run(ctx context.Context) { f.fn(ctx) }
func (f funcTask) Name() string            { return f.name }

// Runner runs one task periodically.
type Runner struct {
	task         Task
	ticker       Ticker
	timeout      time.Duration
	stop         chan struct{}
	loopFinished chan struct{}
	ctx          context.Context
	cancelF      context.CancelFunc
	trigger      chan struct{}
	log          *zap.Logger
}

// Start creates a Runner and starts it. The timeout bounds each run and may
// exceed the tick period, in which case a long run is retriggered immediately.
func Start(task Task, ticker Ticker, timeout time.Duration, log *zap.Logger) *Runner {
	ctx, cancelF := context.WithCancel(context.Background())
	r := &Runner{
		task:         task,
		ticker:       ticker,
		timeout:      timeout,
		stop:         make(chan struct{}),
		loopFinished: make(chan struct{}),
		ctx:          ctx,
		cancelF:      cancelF,
		trigger:      make(chan struct{}),
		log:          log.Named("periodic").With(zap.String("task", task.Name())),
	}
	go r.runLoop()
	r.log.Debug("Started periodic task")
	return r
}

// Stop ends periodic execution, waiting for a run in progress to finish.
func (r *Runner) Stop() {
	r.ticker.Stop()
	close(r.stop)
	<-r.loopFinished
	r.log.Debug("Stopped periodic task")
}

// Kill is like Stop but also cancels the context of a run in progress.
func (r *Runner) Kill() {
	r.ticker.Stop()
	close(r.stop)
	r.cancelF()
	<-r.loopFinished
}

// TriggerRun runs the task now without shifting the regular schedule. It
// blocks until the run has started or the runner was stopped.
func (r *Runner) TriggerRun() {
	select {
	case <-r.stop:
	case r.trigger <- struct{}{}:
	}
}

func (r *Runner) runLoop() {
	defer close(r.loopFinished)
	defer r.cancelF()
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.Chan():
			r.onTick()
		case <-r.trigger:
			r.onTick()
		}
	}
}

func (r *Runner) onTick() {
	// Stop wins when both stop and a tick are ready.
	select {
	case <-r.stop:
		return
	default:
	}
	ctx, cancelF := context.WithTimeout(r.ctx, r.timeout)
	defer cancelF()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Periodic task panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	r.task.Run(ctx)
}
