package testutil

import (
	"errors"
	"sync"
	"testing"

	"github.com/emergingrobotics/go-ipa/pkg/buffer"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
)

// PoweredLoopback returns a Loopback holding one power reference.
func PoweredLoopback(t *testing.T) *hal.Loopback {
	t.Helper()
	l := hal.NewLoopback()
	if err := l.RuntimeGet(); err != nil {
		t.Fatalf("RuntimeGet failed: %v", err)
	}
	return l
}

// Arena maps an arena for the duration of the test.
func Arena(t *testing.T, count, size int) *buffer.Arena {
	t.Helper()
	a, err := buffer.NewArena(count, size, buffer.DefaultIOVABase)
	if err != nil {
		t.Fatalf("NewArena failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// FakePowerDomain counts runtime references.
type FakePowerDomain struct {
	mu      sync.Mutex
	refs    int
	gets    int
	puts    int
	failGet bool
}

// RuntimeGet takes a reference
func (p *FakePowerDomain) RuntimeGet() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failGet {
		return errors.New("fake runtime get error")
	}
	p.refs++
	p.gets++
	return nil
}

// RuntimePut drops a reference
func (p *FakePowerDomain) RuntimePut() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refs == 0 {
		return errors.New("fake runtime put underflow")
	}
	p.refs--
	p.puts++
	return nil
}

// Refs returns the held reference count
func (p *FakePowerDomain) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// Calls returns the number of gets and puts so far
func (p *FakePowerDomain) Calls() (gets, puts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets, p.puts
}

// SetFailGet makes RuntimeGet() fail
func (p *FakePowerDomain) SetFailGet(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failGet = fail
}

var _ hal.PowerDomain = (*FakePowerDomain)(nil)
