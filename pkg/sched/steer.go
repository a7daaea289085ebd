package sched

import (
	"sync"
	"sync/atomic"
)

// Affiner accepts the CPUs receive workers should run on.
type Affiner interface {
	SetAffinity(cpus []int)
}

// Steerer forwards placement changes to the receive workers from its own
// goroutine so the scheduler tick never waits on them. Signals that arrive
// faster than they are applied collapse into the latest one.
type Steerer struct {
	target Affiner

	mu     sync.Mutex
	latest []int
	wake   chan struct{}

	applied atomic.Uint64

	runMu   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewSteerer creates a stopped steerer for target.
func NewSteerer(target Affiner) *Steerer {
	return &Steerer{
		target: target,
		wake:   make(chan struct{}, 1),
	}
}

// Signal queues cpus for the next application.
func (s *Steerer) Signal(cpus []int) {
	s.mu.Lock()
	s.latest = append([]int(nil), cpus...)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the steering goroutine.
func (s *Steerer) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.loop(s.stop, s.done)
}

// Stop terminates the goroutine and waits for it.
func (s *Steerer) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.runMu.Unlock()
	<-done
}

func (s *Steerer) loop(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		cpus := s.latest
		s.latest = nil
		s.mu.Unlock()
		if cpus == nil {
			continue
		}
		s.target.SetAffinity(cpus)
		s.applied.Add(1)
	}
}

// Applied returns how many signals reached the target.
func (s *Steerer) Applied() uint64 {
	return s.applied.Load()
}
