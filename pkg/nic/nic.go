// Package nic exposes the logical network interfaces layered on the IPA
// receive and send paths. Received packets are dispatched to the first open
// interface whose source set and network id match; each interface queues
// payloads until its owner drains them with Rx.
package nic

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
	"github.com/emergingrobotics/go-ipa/pkg/logging"
	"github.com/emergingrobotics/go-ipa/pkg/xfer"
)

// DefaultQueueLimit bounds the receive queue of one interface.
const DefaultQueueLimit = 4096

// MaxQueues is the number of receive queues tracked for rate counting.
const MaxQueues = 4

// Resource consumer names used by interfaces.
const (
	ConsumerUSB    = "usb"
	ConsumerWifiUL = "wifi-ul"
	ConsumerWWANUL = "wwan-ul"
)

// Callback receives interface events: hal.EvtReceive when the queue turned
// non-empty, hal.EvtFlowExit when transmit may resume.
type Callback func(id driver.NicID, evt hal.Event)

// Static is one row of the platform interface table.
type Static struct {
	Src      driver.TermMask
	NetID    int
	Type     driver.PacketType
	Consumer string
}

// Table is the platform interface table, searched in order on dispatch.
var Table = [driver.NicMax]Static{
	driver.NicUSB:   {driver.MaskOf(driver.TermUSB), driver.NetIDAny, driver.PacketETH, ConsumerUSB},
	driver.NicWifi:  {driver.MaskOf(driver.TermWifi), driver.NetIDAny, driver.PacketETH, ConsumerWifiUL},
	driver.NicWWAN0: {driver.CPTerms, 0, driver.PacketIP, ConsumerWWANUL},
	driver.NicWWAN1: {driver.CPTerms, 1, driver.PacketIP, ConsumerWWANUL},
	driver.NicWWAN2: {driver.CPTerms, 2, driver.PacketIP, ConsumerWWANUL},
	driver.NicWWAN3: {driver.CPTerms, 3, driver.PacketIP, ConsumerWWANUL},
	driver.NicWWAN4: {driver.CPTerms, 4, driver.PacketIP, ConsumerWWANUL},
	driver.NicWWAN5: {driver.CPTerms, 5, driver.PacketIP, ConsumerWWANUL},
	driver.NicWWAN6: {driver.CPTerms, 6, driver.PacketIP, ConsumerWWANUL},
	driver.NicWWAN7: {driver.CPTerms, 7, driver.PacketIP, ConsumerWWANUL},
}

// Matches reports whether a packet from src with netid belongs to s.
func (s Static) Matches(src driver.Term, netid int) bool {
	if !s.Src.Has(src) {
		return false
	}
	return s.NetID == driver.NetIDAny || s.NetID == netid
}

// Lookup returns the first interface whose row matches src and netid
// exactly as the open-by-source API expects.
func Lookup(src driver.Term, netid int) (driver.NicID, bool) {
	for i, s := range Table {
		if s.Src.Has(src) && s.NetID == netid {
			return driver.NicID(i), true
		}
	}
	return driver.NicMax, false
}

// Transmitter posts outbound payloads.
type Transmitter interface {
	Send(out xfer.Outbound) error
	// FlowControlled reports whether class is still waiting for free
	// transmit buffers.
	FlowControlled(class driver.PacketType) bool
}

type entry struct {
	payload []byte
	meta    driver.PacketMeta
}

// Nic is one logical interface.
type Nic struct {
	ID     driver.NicID
	Static Static

	open       bool
	queue      []entry
	needNotify bool
	flow       bool
	cb         Callback

	rx      uint64
	tx      uint64
	dropped uint64
}

// NicStats are the counters of one interface.
type NicStats struct {
	ID       driver.NicID
	Open     bool
	Queued   int
	Flow     bool
	Received uint64
	Sent     uint64
	Dropped  uint64
}

// Stats are the dispatcher counters.
type Stats struct {
	Unmatched uint64
	Nics      []NicStats
}

// Dispatcher owns every interface.
type Dispatcher struct {
	mu         sync.Mutex
	nics       [driver.NicMax]*Nic
	tx         Transmitter
	queueLimit int
	log        *slog.Logger

	unmatched atomic.Uint64
	rates     [MaxQueues]atomic.Uint64
}

// NewDispatcher creates a dispatcher that transmits through tx.
func NewDispatcher(tx Transmitter, queueLimit int) *Dispatcher {
	if queueLimit <= 0 {
		queueLimit = DefaultQueueLimit
	}
	d := &Dispatcher{
		tx:         tx,
		queueLimit: queueLimit,
		log:        logging.For(logging.ComponentNIC),
	}
	for i := range d.nics {
		d.nics[i] = &Nic{ID: driver.NicID(i), Static: Table[i]}
	}
	return d
}

// SetLogger replaces the dispatcher logger.
func (d *Dispatcher) SetLogger(l *slog.Logger) {
	d.log = l
}

func (d *Dispatcher) lookup(id driver.NicID) (*Nic, error) {
	if id >= driver.NicMax {
		return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("nic %d", id))
	}
	return d.nics[id], nil
}

// Open opens interface id with callback cb. Payloads left from a previous
// session are discarded. It returns ErrBusy if the interface is open.
func (d *Dispatcher) Open(id driver.NicID, cb Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.lookup(id)
	if err != nil {
		return err
	}
	if n.open {
		return driver.NewError(driver.StatusBusy, fmt.Sprintf("%s already open", id))
	}
	n.open = true
	n.queue = nil
	n.needNotify = false
	n.flow = false
	n.cb = cb
	d.log.Info("nic opened", "nic", id.String())
	return nil
}

// OpenBySource opens the interface whose table row carries src and netid.
func (d *Dispatcher) OpenBySource(src driver.Term, netid int, cb Callback) (driver.NicID, error) {
	id, ok := Lookup(src, netid)
	if !ok {
		return driver.NicMax, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("no nic for %s netid %d", src, netid))
	}
	if err := d.Open(id, cb); err != nil {
		return driver.NicMax, err
	}
	return id, nil
}

// Close closes an interface and drops its queued payloads. Closing a
// closed interface is a no-op.
func (d *Dispatcher) Close(id driver.NicID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.lookup(id)
	if err != nil || !n.open {
		return
	}
	n.open = false
	n.dropped += uint64(len(n.queue))
	n.queue = nil
	n.cb = nil
	n.flow = false
	d.log.Info("nic closed", "nic", id.String())
}

// Tx transmits payload to dst. On ErrAgain the interface stays flow
// controlled until the sender reports free buffers.
func (d *Dispatcher) Tx(id driver.NicID, dst driver.Term, netid int, payload []byte) error {
	d.mu.Lock()
	n, err := d.lookup(id)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if !n.open {
		d.mu.Unlock()
		return driver.NewError(driver.StatusNoDevice, fmt.Sprintf("%s not open", id))
	}
	class := n.Static.Type
	d.mu.Unlock()

	if d.tx == nil {
		return driver.NewError(driver.StatusNoDevice, "no sender")
	}
	err = d.tx.Send(xfer.Outbound{Class: class, Dst: dst, NetID: netid, Payload: payload})

	d.mu.Lock()
	switch {
	case err == nil:
		n.tx++
		n.flow = false
	case driver.StatusOf(err) == driver.StatusAgain:
		n.flow = true
		// The sender may have resumed the class between Send and here, in
		// which case its FlowResumed already passed this interface by.
		if !d.tx.FlowControlled(class) {
			n.flow = false
			if cb := n.cb; cb != nil {
				d.mu.Unlock()
				cb(id, hal.EvtFlowExit)
				return err
			}
		}
	}
	d.mu.Unlock()
	return err
}

// Rx dequeues the oldest payload of an interface. It returns ErrNoData when
// the queue is empty and ErrNoDevice when the interface is closed.
func (d *Dispatcher) Rx(id driver.NicID) ([]byte, *driver.PacketMeta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	if !n.open {
		return nil, nil, driver.NewError(driver.StatusNoDevice, fmt.Sprintf("%s not open", id))
	}
	if len(n.queue) == 0 {
		return nil, nil, driver.ErrNoData
	}
	e := n.queue[0]
	n.queue[0] = entry{}
	n.queue = n.queue[1:]
	meta := e.meta
	return e.payload, &meta, nil
}

// HasData reports whether an open interface has queued payloads.
func (d *Dispatcher) HasData(id driver.NicID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.lookup(id)
	return err == nil && n.open && len(n.queue) > 0
}

// Dispatch implements xfer.Sink. The packet goes to the first open
// interface in table order that matches its source and network id.
func (d *Dispatcher) Dispatch(pkt xfer.Packet) {
	d.CountRate(pkt.Meta.Queue)

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, n := range d.nics {
		if !n.open || !n.Static.Matches(pkt.Meta.Src, pkt.Meta.NetID) {
			continue
		}
		if len(n.queue) >= d.queueLimit {
			n.dropped++
			return
		}
		n.queue = append(n.queue, entry{payload: pkt.Payload, meta: pkt.Meta})
		n.rx++
		if len(n.queue) == 1 {
			n.needNotify = true
		}
		return
	}
	d.unmatched.Add(1)
	d.log.Debug("no nic matched", "src", pkt.Meta.Src.String(), "netid", pkt.Meta.NetID)
}

// Flush implements xfer.Sink. Every interface whose queue turned non-empty
// since the last flush gets one receive event.
func (d *Dispatcher) Flush() {
	type call struct {
		cb Callback
		id driver.NicID
	}
	var calls []call

	d.mu.Lock()
	for _, n := range d.nics {
		if !n.open || !n.needNotify {
			continue
		}
		n.needNotify = false
		if n.cb != nil {
			calls = append(calls, call{n.cb, n.ID})
		}
	}
	d.mu.Unlock()

	for _, c := range calls {
		c.cb(c.id, hal.EvtReceive)
	}
}

// FlowResumed implements xfer.FlowListener.
func (d *Dispatcher) FlowResumed(class driver.PacketType) {
	type call struct {
		cb Callback
		id driver.NicID
	}
	var calls []call

	d.mu.Lock()
	for _, n := range d.nics {
		if !n.open || !n.flow || n.Static.Type != class {
			continue
		}
		n.flow = false
		if n.cb != nil {
			calls = append(calls, call{n.cb, n.ID})
		}
	}
	d.mu.Unlock()

	for _, c := range calls {
		c.cb(c.id, hal.EvtFlowExit)
	}
}

// CountRate adds one packet to the rate counter of queue.
func (d *Dispatcher) CountRate(queue int) {
	if queue < 0 || queue >= MaxQueues {
		return
	}
	d.rates[queue].Add(1)
}

// SwapRates returns the per-queue packet counts since the last call and
// resets them.
func (d *Dispatcher) SwapRates() [MaxQueues]uint64 {
	var out [MaxQueues]uint64
	for i := range d.rates {
		out[i] = d.rates[i].Swap(0)
	}
	return out
}

// CheckSuspend fails with ErrAgain while an open interface still holds
// payloads or is flow controlled.
func (d *Dispatcher) CheckSuspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, n := range d.nics {
		if !n.open {
			continue
		}
		if len(n.queue) > 0 {
			return driver.NewError(driver.StatusAgain, fmt.Sprintf("%s has %d queued", n.ID, len(n.queue)))
		}
		if n.flow {
			return driver.NewError(driver.StatusAgain, fmt.Sprintf("%s flow controlled", n.ID))
		}
	}
	return nil
}

// Consumer returns the resource consumer an interface depends on.
func Consumer(id driver.NicID) string {
	if id >= driver.NicMax {
		return ""
	}
	return Table[id].Consumer
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Stats{Unmatched: d.unmatched.Load()}
	for _, n := range d.nics {
		st.Nics = append(st.Nics, NicStats{
			ID:       n.ID,
			Open:     n.open,
			Queued:   len(n.queue),
			Flow:     n.flow,
			Received: n.rx,
			Sent:     n.tx,
			Dropped:  n.dropped,
		})
	}
	return st
}

var (
	_ xfer.Sink         = (*Dispatcher)(nil)
	_ xfer.FlowListener = (*Dispatcher)(nil)
)
