// Package endpoint tracks the peripherals attached to the IPA core. Each
// endpoint pairs a send FIFO and a receive FIFO with one peer and records
// whether the peer is connected and whether its path is suspended.
package endpoint

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
	"github.com/emergingrobotics/go-ipa/pkg/logging"
)

// Stage selects the half of a two-step disconnect.
type Stage int

const (
	StageStart Stage = iota
	StageEnd
)

// DataPtr describes peer memory to pre-post as free buffers on connect.
type DataPtr struct {
	Addr    uint64
	Count   int
	BufSize uint32
}

// ConnectParams carries what a peripheral driver supplies on connect.
type ConnectParams struct {
	Send       hal.FifoParams
	Recv       hal.FifoParams
	SendNotify hal.NotifyFunc
	RecvNotify hal.NotifyFunc
	SendData   DataPtr
	RecvData   DataPtr
}

// PcieParams opens the late-created PCIe endpoint.
type PcieParams struct {
	ConnectParams
}

// Endpoint is one peer of the accelerator.
type Endpoint struct {
	ID       driver.EndpointID
	SendFifo driver.FifoID
	RecvFifo driver.FifoID

	inited     bool
	connected  bool
	suspended  bool
	sendNotify hal.NotifyFunc
	recvNotify hal.NotifyFunc
}

// State is a copy of an endpoint's flags.
type State struct {
	ID        driver.EndpointID
	Exists    bool
	Connected bool
	Suspended bool
}

// Enabler is the accelerator enable refcount.
type Enabler interface {
	SetEnabled(on bool) error
}

// Hooks couple the table to the power state machine.
type Hooks struct {
	// Parked reports whether the endpoints suspend stage is set.
	Parked func() bool
	// ResumePartial undoes the stages a peripheral needs before it can
	// use its FIFOs. It is called without the table lock.
	ResumePartial func() error
}

// Table is the fixed endpoint array.
type Table struct {
	mu      sync.RWMutex
	eps     [driver.EndpointMax]*Endpoint
	hal     hal.Hal
	enabler Enabler
	hooks   Hooks
	log     *slog.Logger
}

// NewTable creates every endpoint that has a FIFO pair in the platform
// table, except PCIe which is created by OpenPcie.
func NewTable(h hal.Hal, enabler Enabler, hooks Hooks) *Table {
	t := &Table{
		hal:     h,
		enabler: enabler,
		hooks:   hooks,
		log:     logging.For(logging.ComponentEndpoint),
	}
	for id := driver.EndpointID(0); id < driver.EndpointMax; id++ {
		if id == driver.EPPcie {
			continue
		}
		send, recv, ok := pair(id)
		if !ok {
			continue
		}
		t.eps[id] = &Endpoint{ID: id, SendFifo: send, RecvFifo: recv, suspended: true}
	}
	return t
}

// SetLogger replaces the table logger.
func (t *Table) SetLogger(l *slog.Logger) {
	t.log = l
}

func (t *Table) lookup(id driver.EndpointID) (*Endpoint, error) {
	if !id.Valid() || t.eps[id] == nil {
		return nil, driver.NewError(driver.StatusNoDevice, fmt.Sprintf("endpoint %s", id))
	}
	return t.eps[id], nil
}

// Get returns the endpoint or ErrNoDevice.
func (t *Table) Get(id driver.EndpointID) (*Endpoint, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookup(id)
}

func (t *Table) postData(fifo driver.FifoID, p DataPtr) error {
	for i := 0; i < p.Count; i++ {
		d := driver.Descriptor{
			Address: p.Addr + uint64(i)*uint64(p.BufSize),
			Length:  p.BufSize,
		}
		if err := t.hal.PushRx(fifo, d); err != nil {
			return fmt.Errorf("pre-post %s node %d: %w", fifo, i, err)
		}
	}
	return nil
}

// Connect attaches a peripheral. The first connect opens the endpoint's
// FIFOs; every connect re-arms receive.
func (t *Table) Connect(id driver.EndpointID, p ConnectParams) error {
	if _, err := t.Get(id); err != nil {
		return err
	}
	if t.hooks.ResumePartial != nil {
		if err := t.hooks.ResumePartial(); err != nil {
			return fmt.Errorf("connect %s: %w", id, err)
		}
	}
	if err := t.enabler.SetEnabled(true); err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}

	t.mu.Lock()
	ep := t.eps[id]
	ep.connected = true
	ep.suspended = false
	ep.sendNotify = p.SendNotify
	ep.recvNotify = p.RecvNotify

	if !ep.inited {
		if err := t.open(ep, p); err != nil {
			ep.connected = false
			ep.suspended = true
			t.mu.Unlock()
			t.enabler.SetEnabled(false)
			return err
		}
	}
	recv := ep.RecvFifo
	t.mu.Unlock()

	if err := t.hal.StopReceive(recv, false); err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}
	t.log.Info("endpoint connected", "endpoint", id.String())
	return nil
}

func (t *Table) open(ep *Endpoint, p ConnectParams) error {
	send, recv := p.Send, p.Recv
	send.Src, send.Dst = Fifos[ep.SendFifo].Src, Fifos[ep.SendFifo].Dst
	recv.Src, recv.Dst = Fifos[ep.RecvFifo].Src, Fifos[ep.RecvFifo].Dst

	if err := t.hal.Open(ep.SendFifo, send, t.forward(ep, true)); err != nil {
		return fmt.Errorf("open %s: %w", ep.SendFifo, err)
	}
	if err := t.hal.Open(ep.RecvFifo, recv, t.forward(ep, false)); err != nil {
		t.hal.Close(ep.SendFifo)
		return fmt.Errorf("open %s: %w", ep.RecvFifo, err)
	}
	ep.inited = true

	if err := t.postData(ep.SendFifo, p.SendData); err != nil {
		return err
	}
	return t.postData(ep.RecvFifo, p.RecvData)
}

// forward routes hal notifications to whatever callback the endpoint has
// at the time, so a disconnect silences the peer without closing FIFOs.
func (t *Table) forward(ep *Endpoint, send bool) hal.NotifyFunc {
	return func(id driver.FifoID, evt hal.Event, data uint32) {
		t.mu.RLock()
		fn := ep.recvNotify
		if send {
			fn = ep.sendNotify
		}
		t.mu.RUnlock()
		if fn != nil {
			fn(id, evt, data)
		}
	}
}

// Disconnect detaches a peripheral in two stages. StageStart stops receive;
// StageEnd marks the endpoint suspended and drops its enable reference.
func (t *Table) Disconnect(id driver.EndpointID, stage Stage) error {
	t.mu.Lock()
	ep, err := t.lookup(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	ep.connected = false
	ep.sendNotify = nil
	ep.recvNotify = nil

	switch stage {
	case StageStart:
		inited, recv := ep.inited, ep.RecvFifo
		t.mu.Unlock()
		if !inited || (t.hooks.Parked != nil && t.hooks.Parked()) {
			return nil
		}
		return t.hal.StopReceive(recv, true)
	case StageEnd:
		ep.suspended = true
		t.mu.Unlock()
		t.log.Info("endpoint disconnected", "endpoint", id.String())
		return t.enabler.SetEnabled(false)
	default:
		t.mu.Unlock()
		return driver.NewError(driver.StatusPermission, fmt.Sprintf("disconnect stage %d", stage))
	}
}

func (t *Table) fifos(id driver.EndpointID) (send, recv driver.FifoID, inited bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ep, err := t.lookup(id)
	if err != nil {
		return driver.FifoMax, driver.FifoMax, false
	}
	return ep.SendFifo, ep.RecvFifo, ep.inited
}

// CheckComplete reports whether both FIFOs of the endpoint are drained.
func (t *Table) CheckComplete(id driver.EndpointID) bool {
	send, recv, inited := t.fifos(id)
	if !inited {
		return true
	}
	return t.hal.IsEmpty(send, hal.RingTx) && t.hal.IsEmpty(recv, hal.RingTx)
}

// PrepareSuspend stops receive on the endpoint and confirms it is drained.
// On failure receive is re-armed and ErrAgain returned.
func (t *Table) PrepareSuspend(id driver.EndpointID) error {
	_, recv, inited := t.fifos(id)
	if !inited {
		return nil
	}

	if err := t.hal.StopReceive(recv, true); err != nil {
		return err
	}
	if !t.CheckComplete(id) {
		t.hal.StopReceive(recv, false)
		t.log.Warn("endpoint not drained", "endpoint", id.String())
		return driver.NewError(driver.StatusAgain, fmt.Sprintf("%s not drained", id))
	}
	return nil
}

// Resume re-arms receive on a connected endpoint.
func (t *Table) Resume(id driver.EndpointID) error {
	t.mu.RLock()
	ep, err := t.lookup(id)
	if err != nil || !ep.connected || !ep.inited {
		t.mu.RUnlock()
		return nil
	}
	recv := ep.RecvFifo
	t.mu.RUnlock()
	return t.hal.StopReceive(recv, false)
}

// OpenPcie creates the PCIe endpoint and opens its FIFOs.
func (t *Table) OpenPcie(p PcieParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.eps[driver.EPPcie] != nil {
		return driver.NewError(driver.StatusBusy, "pcie endpoint exists")
	}
	send, recv, _ := pair(driver.EPPcie)
	ep := &Endpoint{
		ID:         driver.EPPcie,
		SendFifo:   send,
		RecvFifo:   recv,
		connected:  true,
		sendNotify: p.SendNotify,
		recvNotify: p.RecvNotify,
	}
	if err := t.open(ep, p.ConnectParams); err != nil {
		return err
	}
	t.eps[driver.EPPcie] = ep
	return nil
}

// State returns the flags of one endpoint.
func (t *Table) State(id driver.EndpointID) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := State{ID: id}
	if id.Valid() && t.eps[id] != nil {
		ep := t.eps[id]
		s.Exists = true
		s.Connected = ep.connected
		s.Suspended = ep.suspended
	}
	return s
}

// States returns the flags of every endpoint in id order.
func (t *Table) States() []State {
	out := make([]State, 0, driver.EndpointMax)
	for id := driver.EndpointID(0); id < driver.EndpointMax; id++ {
		out = append(out, t.State(id))
	}
	return out
}

// Connected returns the ids of connected traffic endpoints.
func (t *Table) Connected() []driver.EndpointID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []driver.EndpointID
	for _, ep := range t.eps {
		if ep != nil && ep.connected && ep.ID != driver.EPAP {
			ids = append(ids, ep.ID)
		}
	}
	return ids
}
