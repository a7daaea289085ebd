package rm

import (
	"errors"
	"sync"
	"time"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
)

// InactivityTimer holds a resource while it is in use and releases it after
// a quiet period. Each Touch requests the resource if needed and restarts
// the period.
type InactivityTimer struct {
	m    *Manager
	name string
	d    time.Duration

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	held  bool
}

// InactivityTimer returns a timer for resource name.
func (m *Manager) InactivityTimer(name string, d time.Duration) *InactivityTimer {
	return &InactivityTimer{m: m, name: name, d: d}
}

// Touch marks the resource busy. A grant still in progress is not an error.
func (t *InactivityTimer) Touch() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.held {
		if _, err := t.m.Request(t.name); err != nil && !errors.Is(err, driver.ErrInProgress) {
			return err
		}
		t.held = true
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.d, func() { t.expire(gen) })
	return nil
}

func (t *InactivityTimer) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || !t.held {
		return
	}
	t.held = false
	t.timer = nil
	t.m.Release(t.name)
}

// Held reports whether the timer currently holds the resource.
func (t *InactivityTimer) Held() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}

// Stop cancels the timer and releases the resource if held.
func (t *InactivityTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.held {
		t.held = false
		t.m.Release(t.name)
	}
}
