package power

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/emergingrobotics/go-ipa/pkg/logging"
)

// WorkerConfig tunes the retry debounce of failed suspend attempts.
type WorkerConfig struct {
	RetryMin time.Duration
	RetryMax time.Duration
	Factor   float64
	// OnResumed runs after every successful resume.
	OnResumed func()
	// OnSuspended runs after every completed suspend.
	OnSuspended func()
}

// DefaultWorkerConfig retries after 200 ms, backing off to 2 s.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		RetryMin: 200 * time.Millisecond,
		RetryMax: 2 * time.Second,
		Factor:   2,
	}
}

// Worker drives a Machine from power-on and power-off requests on a single
// goroutine. The latest request wins; a power-on request cancels a suspend
// attempt between stages.
type Worker struct {
	m   *Machine
	cfg WorkerConfig
	log *slog.Logger

	mu      sync.Mutex
	wantOn  bool
	pending bool
	cancel  context.CancelFunc
	wake    chan struct{}

	runMu   sync.Mutex
	stop    context.CancelFunc
	done    chan struct{}
	running bool
}

// NewWorker creates a stopped worker for m.
func NewWorker(m *Machine, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = def.RetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin * 10
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	return &Worker{
		m:    m,
		cfg:  cfg,
		log:  logging.For(logging.ComponentPower),
		wake: make(chan struct{}, 1),
	}
}

func (w *Worker) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Request asks for power on.
func (w *Worker) Request() {
	w.mu.Lock()
	w.wantOn = true
	w.pending = true
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.kick()
}

// Release asks for power off.
func (w *Worker) Release() {
	w.mu.Lock()
	w.wantOn = false
	w.pending = true
	w.mu.Unlock()
	w.kick()
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.stop = cancel
	w.done = make(chan struct{})
	w.running = true
	done := w.done
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
}

// Stop terminates the worker goroutine and waits for it.
func (w *Worker) Stop() {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return
	}
	w.running = false
	w.stop()
	done := w.done
	w.runMu.Unlock()
	<-done
}

// Run services requests until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    w.cfg.RetryMin,
		Max:    w.cfg.RetryMax,
		Factor: w.cfg.Factor,
		Jitter: false,
	}
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-retry:
		}
		retry = nil

		w.mu.Lock()
		if !w.pending {
			w.mu.Unlock()
			continue
		}
		on := w.wantOn
		if on {
			w.pending = false
			w.mu.Unlock()
			if d, ok := w.resume(b); !ok {
				retry = time.After(d)
			}
			continue
		}
		sctx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		w.mu.Unlock()

		err := w.m.Suspend(sctx)

		w.mu.Lock()
		w.cancel = nil
		if err == nil && !w.wantOn {
			w.pending = false
		}
		w.mu.Unlock()
		cancel()

		switch {
		case err == nil:
			b.Reset()
			if w.cfg.OnSuspended != nil {
				w.cfg.OnSuspended()
			}
		case errors.Is(err, context.Canceled):
			if ctx.Err() != nil {
				return
			}
		default:
			d := b.Duration()
			w.log.Debug("suspend retry scheduled", "in", d, "error", err)
			retry = time.After(d)
		}
	}
}

func (w *Worker) resume(b *backoff.Backoff) (time.Duration, bool) {
	if err := w.m.Resume(); err != nil {
		d := b.Duration()
		w.log.Error("resume failed", "retry_in", d, "error", err)
		w.mu.Lock()
		if w.wantOn {
			w.pending = true
		}
		w.mu.Unlock()
		return d, false
	}
	b.Reset()
	if w.cfg.OnResumed != nil {
		w.cfg.OnResumed()
	}
	return 0, true
}

// WantOn reports the latest requested state.
func (w *Worker) WantOn() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wantOn
}

// Idle reports whether no request is outstanding.
func (w *Worker) Idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.pending
}
