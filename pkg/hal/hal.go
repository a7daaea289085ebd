// Package hal defines the boundary between the IPA core and the hardware
// common FIFO layer, and ships Loopback, an in-memory implementation used by
// tests and the simulator.
package hal

import (
	"fmt"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
)

// Ring selects one ring of a common FIFO pair.
type Ring int

const (
	// RingFree holds receive buffers posted by software, not yet filled.
	RingFree Ring = iota
	// RingFilled holds receive completions not yet consumed by software.
	RingFilled
	// RingTx holds transmit descriptors the hardware has not completed.
	RingTx
	// RingTxDone holds transmit completions not yet reclaimed by software.
	RingTxDone
)

func (r Ring) String() string {
	switch r {
	case RingFree:
		return "free"
	case RingFilled:
		return "filled"
	case RingTx:
		return "tx"
	case RingTxDone:
		return "tx-done"
	}
	return fmt.Sprintf("ring(%d)", int(r))
}

// Event is a bitmask of FIFO notifications.
type Event uint32

const (
	EvtReceive Event = 1 << iota
	EvtSendComplete
	EvtWarnResource
	EvtFlowEnter
	EvtFlowExit
)

// NotifyFunc is invoked from interrupt context. It must not block and must
// not call back into the hal.
type NotifyFunc func(id driver.FifoID, evt Event, data uint32)

// FifoParams configures one FIFO pair at open time.
type FifoParams struct {
	// Depth of each ring; a power of two.
	Depth int
	// Headroom the hardware leaves in front of a received payload.
	Headroom int
	// Retained FIFOs live in memory that loses state on power-off and must
	// be backed up before the power domain is released.
	Retained bool
	// Irq is the interrupt line servicing this FIFO.
	Irq int
	// Src and Dst terminals written into posted descriptors.
	Src driver.Term
	Dst driver.Term
}

// Hal is every hardware operation the IPA core performs.
type Hal interface {
	Open(id driver.FifoID, params FifoParams, notify NotifyFunc) error
	Close(id driver.FifoID) error

	// PushRx posts a free receive buffer.
	PushRx(id driver.FifoID, d driver.Descriptor) error
	// PushTx posts an outbound descriptor.
	PushTx(id driver.FifoID, d driver.Descriptor) error
	PopTxCompletion(id driver.FifoID) (driver.Descriptor, bool)
	PopRxCompletion(id driver.FifoID) (driver.Descriptor, bool)
	// PeekRxCompletion reads the oldest receive completion without
	// consuming it. Successive peeks re-read the hardware node.
	PeekRxCompletion(id driver.FifoID) (driver.Descriptor, bool)
	// AdvanceRx consumes n receive completions.
	AdvanceRx(id driver.FifoID, n int) error

	IsEmpty(id driver.FifoID, ring Ring) bool
	Depth(id driver.FifoID) (rxFilled, txFilled int, err error)
	StopReceive(id driver.FifoID, stop bool) error
	Backup(id driver.FifoID) error
	Restore(id driver.FifoID) error

	SetIrqAffinity(irq, core int) error
	SetAcceleratorEnabled(on bool) error
	SetMultiQueue(enabled bool, queues int) error
	SetAction(on bool) error
}

// PowerDomain is the platform runtime power reference of the accelerator.
type PowerDomain interface {
	RuntimeGet() error
	RuntimePut() error
}
