package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/logging"
	"github.com/emergingrobotics/go-ipa/pkg/nic"
)

// Default tuning.
const (
	DefaultInterval = time.Second
	DefaultHigh     = 40000
	DefaultLow      = 10000
)

// RateSource yields per-queue packet counts since the previous call.
type RateSource interface {
	SwapRates() [nic.MaxQueues]uint64
}

// Hardware is the part of the hal the scheduler programs.
type Hardware interface {
	SetMultiQueue(enabled bool, queues int) error
	SetIrqAffinity(irq, core int) error
}

// Config tunes a Scheduler.
type Config struct {
	Interval time.Duration
	High     uint64
	Low      uint64
	// Irqs lists the interrupt line of each receive queue.
	Irqs []int
	// OnChange runs after every applied transition.
	OnChange func(from, to Placement)
}

// DefaultConfig returns the stock thresholds for two receive queues.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		High:     DefaultHigh,
		Low:      DefaultLow,
		Irqs:     []int{0, 1},
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.Low >= c.High {
		return driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("low water %d not below high water %d", c.Low, c.High))
	}
	if len(c.Irqs) == 0 {
		return driver.NewError(driver.StatusInvalidArgument, "no receive irqs")
	}
	return nil
}

// Stats counts scheduler activity.
type Stats struct {
	Placement   Placement
	Override    bool
	Ticks       uint64
	Gated       uint64
	Transitions uint64
	Failures    uint64
	LastRate    uint64
}

// Scheduler is the periodic placement control loop.
type Scheduler struct {
	hw    Hardware
	rates RateSource
	gate  func() bool
	steer *Steerer
	cfg   Config
	log   *slog.Logger

	mu       sync.Mutex
	cur      Placement
	override bool
	stats    Stats

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a stopped scheduler. gate reports whether hardware may be
// reprogrammed; a nil gate is always open. steer may be nil.
func New(hw Hardware, rates RateSource, gate func() bool, steer *Steerer, cfg Config) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		hw:    hw,
		rates: rates,
		gate:  gate,
		steer: steer,
		cfg:   cfg,
		log:   logging.For(logging.ComponentSched),
	}, nil
}

// SetLogger replaces the scheduler logger.
func (s *Scheduler) SetLogger(l *slog.Logger) {
	s.log = l
}

// Tick samples and resets the rate counters and applies the next
// placement. Nothing is programmed while the gate is closed.
func (s *Scheduler) Tick() (Placement, error) {
	rates := s.rates.SwapRates()
	var total uint64
	for _, r := range rates {
		total += r
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Ticks++
	s.stats.LastRate = total
	if s.gate != nil && !s.gate() {
		s.stats.Gated++
		return s.cur, nil
	}
	next := Decide(s.cur, total, s.override, s.cfg.High, s.cfg.Low)
	if next == s.cur {
		return s.cur, nil
	}
	if err := s.applyLocked(next); err != nil {
		return s.cur, err
	}
	return next, nil
}

func (s *Scheduler) applyLocked(next Placement) error {
	queues := 1
	if next.Multi() {
		queues = len(s.cfg.Irqs)
	}
	if err := s.hw.SetMultiQueue(next.Multi(), queues); err != nil {
		s.stats.Failures++
		s.log.Warn("queue mode change failed", "to", next.String(), "error", err)
		return fmt.Errorf("placement %s: %w", next, err)
	}
	cores := next.Cores()
	for i, irq := range s.cfg.Irqs {
		if err := s.hw.SetIrqAffinity(irq, cores[i%len(cores)]); err != nil {
			s.stats.Failures++
			s.log.Warn("irq affinity change failed", "irq", irq, "error", err)
			return fmt.Errorf("placement %s irq %d: %w", next, irq, err)
		}
	}
	if s.steer != nil {
		s.steer.Signal(cores)
	}

	prev := s.cur
	s.cur = next
	s.stats.Transitions++
	s.log.Info("placement changed", "from", prev.String(), "to", next.String(), "rate", s.stats.LastRate)
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(prev, next)
	}
	return nil
}

// Baseline forces SingleLow regardless of the gate.
func (s *Scheduler) Baseline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == SingleLow {
		return nil
	}
	return s.applyLocked(SingleLow)
}

// SetOverride pins the low power placement from the next tick on.
func (s *Scheduler) SetOverride(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = on
}

// Placement returns the current placement.
func (s *Scheduler) Placement() Placement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Placement = s.cur
	st.Override = s.override
	return st
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(); err != nil {
				s.log.Debug("tick failed", "error", err)
			}
		}
	}
}

// Start launches Run in a goroutine. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	done := s.done
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop terminates the loop and waits for it.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.runMu.Unlock()
	<-done
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}
