// Package power implements the staged suspend/resume state machine. Each
// stage owns one bit of the suspend mask and an idempotent prepare/undo
// pair. Suspend prepares unset stages in order and stops at the first
// failure; Resume undoes set stages in reverse. Any partial state is
// resumable.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/logging"
)

// Bit is one suspend stage.
type Bit uint8

const (
	BitEndpoints Bit = 1 << iota
	BitThreads
	BitBackup
	BitAction
	BitEnable
	BitForce

	BitAll = BitEndpoints | BitThreads | BitBackup | BitAction | BitEnable | BitForce
)

var bitNames = []struct {
	bit  Bit
	name string
}{
	{BitEndpoints, "endpoints"},
	{BitThreads, "threads"},
	{BitBackup, "backup"},
	{BitAction, "action"},
	{BitEnable, "enable"},
	{BitForce, "force"},
}

func (b Bit) String() string {
	if b == 0 {
		return "none"
	}
	var parts []string
	for _, n := range bitNames {
		if b&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Stage is one reversible step of the power-down sequence. Prepare may
// return an ErrAgain-class error to ask for a later retry; it must not
// block indefinitely.
type Stage interface {
	Bit() Bit
	Name() string
	Prepare(ctx context.Context) error
	Undo() error
}

// Stats counts machine transitions.
type Stats struct {
	Mask         Bit
	Attempts     uint64
	Suspends     uint64
	Resumes      uint64
	Failures     uint64
	UndoFailures uint64
}

// Machine runs stages in prepare order.
type Machine struct {
	mu     sync.Mutex
	stages []Stage
	mask   Bit
	stats  Stats
	log    *slog.Logger
}

// NewMachine creates a machine over stages, listed in prepare order, with
// the initial suspend mask.
func NewMachine(stages []Stage, initial Bit) (*Machine, error) {
	var seen Bit
	for _, st := range stages {
		b := st.Bit()
		if b == 0 || b&(b-1) != 0 || b&BitAll != b {
			return nil, driver.NewError(driver.StatusInvalidArgument,
				fmt.Sprintf("stage %s has bit %#x", st.Name(), uint8(b)))
		}
		if seen&b != 0 {
			return nil, driver.NewError(driver.StatusInvalidArgument,
				fmt.Sprintf("stage %s repeats bit %s", st.Name(), b))
		}
		seen |= b
	}
	return &Machine{
		stages: stages,
		mask:   initial & seen,
		log:    logging.For(logging.ComponentPower),
	}, nil
}

// SetLogger replaces the machine logger.
func (m *Machine) SetLogger(l *slog.Logger) {
	m.log = l
}

// Suspend prepares every unset stage in order. It stops at the first error
// and between stages once ctx is done; stages already prepared stay set.
func (m *Machine) Suspend(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Attempts++
	for _, st := range m.stages {
		if m.mask&st.Bit() != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			m.log.Debug("suspend cancelled", "next", st.Name(), "mask", m.mask.String())
			return err
		}
		if err := st.Prepare(ctx); err != nil {
			m.stats.Failures++
			m.log.Info("suspend stage failed", "stage", st.Name(), "error", err, "mask", m.mask.String())
			return fmt.Errorf("suspend %s: %w", st.Name(), err)
		}
		m.mask |= st.Bit()
	}
	m.stats.Suspends++
	m.log.Info("suspended", "mask", m.mask.String())
	return nil
}

// Resume undoes every set stage in reverse order. An undo failure stops
// the walk: the failed stage and the stages before it stay set since they
// depend on it.
func (m *Machine) Resume() error {
	return m.undo(BitAll, true)
}

// ResumePartial undoes only the stages in bits, in reverse order.
func (m *Machine) ResumePartial(bits Bit) error {
	return m.undo(bits, false)
}

func (m *Machine) undo(bits Bit, full bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.stages) - 1; i >= 0; i-- {
		st := m.stages[i]
		if bits&st.Bit() == 0 || m.mask&st.Bit() == 0 {
			continue
		}
		if err := st.Undo(); err != nil {
			m.stats.UndoFailures++
			m.log.Error("resume stage failed", "stage", st.Name(), "error", err, "mask", m.mask.String())
			return fmt.Errorf("resume %s: %w", st.Name(), err)
		}
		m.mask &^= st.Bit()
	}
	if full {
		m.stats.Resumes++
		m.log.Info("resumed")
	}
	return nil
}

// Mask returns the set stages.
func (m *Machine) Mask() Bit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mask
}

// IsSet reports whether any of bits is set.
func (m *Machine) IsSet(bits Bit) bool {
	return m.Mask()&bits != 0
}

// Stats returns the transition counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.Mask = m.mask
	return st
}

// StageFunc adapts a pair of functions to Stage.
type StageFunc struct {
	StageBit  Bit
	StageName string
	PrepareFn func(ctx context.Context) error
	UndoFn    func() error
}

// Bit implements Stage.
func (s StageFunc) Bit() Bit { return s.StageBit }

// Name implements Stage.
func (s StageFunc) Name() string { return s.StageName }

// Prepare implements Stage.
func (s StageFunc) Prepare(ctx context.Context) error {
	if s.PrepareFn == nil {
		return nil
	}
	return s.PrepareFn(ctx)
}

// Undo implements Stage.
func (s StageFunc) Undo() error {
	if s.UndoFn == nil {
		return nil
	}
	return s.UndoFn()
}
