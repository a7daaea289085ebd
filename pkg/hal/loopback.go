package hal

import (
	"fmt"
	"sync"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
)

// Memory resolves a bus address to the bytes behind it.
type Memory interface {
	Resolve(addr uint64) ([]byte, bool)
}

// MemoryBinder is implemented by hals that need to reach buffer memory,
// typically to program an IOMMU. The device binds its arena at attach time.
type MemoryBinder interface {
	BindMemory(m Memory)
}

// Packet is one inbound frame presented to a Loopback FIFO.
type Packet struct {
	Src      driver.Term
	Dst      driver.Term
	NetID    int
	Payload  []byte
	Checksum uint16
	Hash     uint32
}

// Sent is one outbound descriptor captured by the Loopback peer.
type Sent struct {
	Desc    driver.Descriptor
	Payload []byte
}

// FifoState is a copy of a FIFO's rings for comparison in tests.
type FifoState struct {
	Open     bool
	Stopped  bool
	Free     []driver.Descriptor
	Filled   []driver.Descriptor
	Tx       []driver.Descriptor
	TxDone   []driver.Descriptor
	Restores int
}

type rings struct {
	free   []driver.Descriptor
	filled []driver.Descriptor
	tx     []driver.Descriptor
	txDone []driver.Descriptor
}

func (r rings) clone() rings {
	return rings{
		free:   append([]driver.Descriptor(nil), r.free...),
		filled: append([]driver.Descriptor(nil), r.filled...),
		tx:     append([]driver.Descriptor(nil), r.tx...),
		txDone: append([]driver.Descriptor(nil), r.txDone...),
	}
}

type loopFifo struct {
	params   FifoParams
	notify   NotifyFunc
	open     bool
	stopped  bool
	rings    rings
	backup   *rings
	restores int

	corrupt    int
	drainStuck bool
	sent       []Sent
}

type pendingNotify struct {
	fn  NotifyFunc
	id  driver.FifoID
	evt Event
}

// Loopback is an in-memory Hal and PowerDomain. It models the hardware side
// of every common FIFO: posted free buffers are filled by Inject, transmit
// descriptors complete immediately unless held, and retained FIFOs lose
// their rings when the power domain drops to zero references.
//
// Every FIFO operation requires the power domain to be held; violations
// return driver.ErrNoDevice and are counted in PoweredDownAccesses.
type Loopback struct {
	mu    sync.Mutex
	fifos [driver.FifoMax]*loopFifo
	mem   Memory

	power        int
	enabled      int
	action       bool
	multiQueue   bool
	queues       int
	affinity     map[int]int
	powerCycles  int
	lost         int
	offAccesses  int
	powerHistory []bool

	failOpen    bool
	failRestore bool
	failPower   bool
	holdTx      bool
}

// NewLoopback creates a powered-down Loopback with every FIFO closed.
func NewLoopback() *Loopback {
	l := &Loopback{
		affinity: make(map[int]int),
		queues:   1,
	}
	for i := range l.fifos {
		l.fifos[i] = &loopFifo{}
	}
	return l
}

// BindMemory implements MemoryBinder.
func (l *Loopback) BindMemory(m Memory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mem = m
}

func (l *Loopback) fifo(id driver.FifoID) (*loopFifo, error) {
	if id >= driver.FifoMax {
		return nil, driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("fifo %d", id))
	}
	if l.power == 0 {
		l.offAccesses++
		return nil, driver.NewError(driver.StatusNoDevice, fmt.Sprintf("%s: powered down", id))
	}
	return l.fifos[id], nil
}

func (l *Loopback) openFifo(id driver.FifoID) (*loopFifo, error) {
	f, err := l.fifo(id)
	if err != nil {
		return nil, err
	}
	if !f.open {
		return nil, driver.NewError(driver.StatusNoDevice, fmt.Sprintf("%s: not open", id))
	}
	return f, nil
}

func (l *Loopback) fire(pending []pendingNotify) {
	for _, p := range pending {
		p.fn(p.id, p.evt, 0)
	}
}

// Open implements Hal.
func (l *Loopback) Open(id driver.FifoID, params FifoParams, notify NotifyFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fifo(id)
	if err != nil {
		return err
	}
	if l.failOpen {
		return driver.NewError(driver.StatusHalFailure, fmt.Sprintf("%s: open", id))
	}
	if f.open {
		return driver.NewError(driver.StatusBusy, fmt.Sprintf("%s: already open", id))
	}
	if params.Depth <= 0 || params.Depth&(params.Depth-1) != 0 {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("%s: depth %d", id, params.Depth))
	}

	*f = loopFifo{params: params, notify: notify, open: true, sent: f.sent}
	return nil
}

// Close implements Hal.
func (l *Loopback) Close(id driver.FifoID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil {
		return err
	}
	f.open = false
	f.notify = nil
	f.rings = rings{}
	f.backup = nil
	return nil
}

// PushRx implements Hal.
func (l *Loopback) PushRx(id driver.FifoID, d driver.Descriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil {
		return err
	}
	if len(f.rings.free) >= f.params.Depth {
		return driver.NewError(driver.StatusAgain, fmt.Sprintf("%s: free ring full", id))
	}
	f.rings.free = append(f.rings.free, d)
	return nil
}

// PushTx implements Hal. The descriptor completes immediately unless
// transmit is held.
func (l *Loopback) PushTx(id driver.FifoID, d driver.Descriptor) error {
	l.mu.Lock()
	f, err := l.openFifo(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if len(f.rings.tx)+len(f.rings.txDone) >= f.params.Depth {
		l.mu.Unlock()
		return driver.NewError(driver.StatusAgain, fmt.Sprintf("%s: tx ring full", id))
	}

	var payload []byte
	if l.mem != nil {
		if mem, ok := l.mem.Resolve(d.Address); ok {
			end := int(d.Offset) + int(d.Length)
			if end <= len(mem) {
				payload = append([]byte(nil), mem[d.Offset:end]...)
			}
		}
	}
	f.sent = append(f.sent, Sent{Desc: d, Payload: payload})
	f.rings.tx = append(f.rings.tx, d)

	var pending []pendingNotify
	if !l.holdTx {
		pending = l.completeTxLocked(id, f)
	}
	l.mu.Unlock()

	l.fire(pending)
	return nil
}

func (l *Loopback) completeTxLocked(id driver.FifoID, f *loopFifo) []pendingNotify {
	if len(f.rings.tx) == 0 {
		return nil
	}
	f.rings.txDone = append(f.rings.txDone, f.rings.tx...)
	f.rings.tx = f.rings.tx[:0]
	if f.notify == nil {
		return nil
	}
	return []pendingNotify{{fn: f.notify, id: id, evt: EvtSendComplete}}
}

// PopTxCompletion implements Hal.
func (l *Loopback) PopTxCompletion(id driver.FifoID) (driver.Descriptor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil || len(f.rings.txDone) == 0 {
		return driver.Descriptor{}, false
	}
	d := f.rings.txDone[0]
	f.rings.txDone = f.rings.txDone[1:]
	return d, true
}

// PopRxCompletion implements Hal.
func (l *Loopback) PopRxCompletion(id driver.FifoID) (driver.Descriptor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil || len(f.rings.filled) == 0 {
		return driver.Descriptor{}, false
	}
	d := f.rings.filled[0]
	f.rings.filled = f.rings.filled[1:]
	return d, true
}

// PeekRxCompletion implements Hal. While CorruptNext is armed the peek
// returns a torn node with a wrong address.
func (l *Loopback) PeekRxCompletion(id driver.FifoID) (driver.Descriptor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil || len(f.rings.filled) == 0 {
		return driver.Descriptor{}, false
	}
	d := f.rings.filled[0]
	if f.corrupt > 0 {
		f.corrupt--
		d.Address ^= 0x40
	}
	return d, true
}

// AdvanceRx implements Hal.
func (l *Loopback) AdvanceRx(id driver.FifoID, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil {
		return err
	}
	if n < 0 || n > len(f.rings.filled) {
		return driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: advance %d of %d", id, n, len(f.rings.filled)))
	}
	f.rings.filled = f.rings.filled[n:]
	return nil
}

// IsEmpty implements Hal. A closed or powered-down FIFO reports empty.
func (l *Loopback) IsEmpty(id driver.FifoID, ring Ring) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id >= driver.FifoMax || l.power == 0 {
		return true
	}
	f := l.fifos[id]
	if !f.open {
		return true
	}
	switch ring {
	case RingFree:
		return len(f.rings.free) == 0
	case RingFilled:
		return len(f.rings.filled) == 0
	case RingTx:
		return len(f.rings.tx) == 0 && !f.drainStuck
	case RingTxDone:
		return len(f.rings.txDone) == 0
	}
	return true
}

// Depth implements Hal.
func (l *Loopback) Depth(id driver.FifoID) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil {
		return 0, 0, err
	}
	return len(f.rings.filled), len(f.rings.tx) + len(f.rings.txDone), nil
}

// StopReceive implements Hal.
func (l *Loopback) StopReceive(id driver.FifoID, stop bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil {
		return err
	}
	f.stopped = stop
	return nil
}

// Backup implements Hal.
func (l *Loopback) Backup(id driver.FifoID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil {
		return err
	}
	snap := f.rings.clone()
	f.backup = &snap
	return nil
}

// Restore implements Hal. Restoring without a backup is a no-op.
func (l *Loopback) Restore(id driver.FifoID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.openFifo(id)
	if err != nil {
		return err
	}
	if l.failRestore {
		return driver.NewError(driver.StatusHalFailure, fmt.Sprintf("%s: restore", id))
	}
	if f.backup == nil {
		return nil
	}
	f.rings = f.backup.clone()
	f.backup = nil
	f.restores++
	return nil
}

// SetIrqAffinity implements Hal.
func (l *Loopback) SetIrqAffinity(irq, core int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if core < 0 {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("core %d", core))
	}
	l.affinity[irq] = core
	return nil
}

// SetAcceleratorEnabled implements Hal. Enables are reference counted.
func (l *Loopback) SetAcceleratorEnabled(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.power == 0 {
		l.offAccesses++
		return driver.NewError(driver.StatusNoDevice, "enable: powered down")
	}
	if on {
		l.enabled++
		return nil
	}
	if l.enabled == 0 {
		return driver.NewError(driver.StatusInvalidArgument, "enable count underflow")
	}
	l.enabled--
	return nil
}

// SetMultiQueue implements Hal.
func (l *Loopback) SetMultiQueue(enabled bool, queues int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if queues < 1 || queues > int(driver.FifoMap3Out-driver.FifoMap0Out)+1 {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("queues %d", queues))
	}
	l.multiQueue = enabled
	if enabled {
		l.queues = queues
	} else {
		l.queues = 1
	}
	return nil
}

// SetAction implements Hal.
func (l *Loopback) SetAction(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.power == 0 {
		l.offAccesses++
		return driver.NewError(driver.StatusNoDevice, "action: powered down")
	}
	l.action = on
	return nil
}

// RuntimeGet implements PowerDomain.
func (l *Loopback) RuntimeGet() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failPower {
		return driver.NewError(driver.StatusHalFailure, "runtime get")
	}
	l.power++
	if l.power == 1 {
		l.powerHistory = append(l.powerHistory, true)
	}
	return nil
}

// RuntimePut implements PowerDomain. Dropping the last reference wipes
// every retained FIFO; descriptors still in flight there are lost.
func (l *Loopback) RuntimePut() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.power == 0 {
		return driver.NewError(driver.StatusInvalidArgument, "runtime put underflow")
	}
	l.power--
	if l.power > 0 {
		return nil
	}

	l.powerCycles++
	l.powerHistory = append(l.powerHistory, false)
	l.enabled = 0
	l.action = false
	for _, f := range l.fifos {
		if !f.open || !f.params.Retained {
			continue
		}
		if f.backup == nil {
			l.lost += len(f.rings.tx) + len(f.rings.filled)
		}
		f.rings = rings{}
	}
	return nil
}

// Inject delivers pkt into FIFO id as the hardware would: one posted free
// buffer is consumed, the payload is written at the FIFO headroom and a
// completion is pushed. It returns ErrAgain when receive is stopped or no
// free buffer is posted.
func (l *Loopback) Inject(id driver.FifoID, pkt Packet) error {
	l.mu.Lock()
	f, err := l.openFifo(id)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if f.stopped {
		l.mu.Unlock()
		return driver.NewError(driver.StatusAgain, fmt.Sprintf("%s: receive stopped", id))
	}
	if len(f.rings.free) == 0 || len(f.rings.filled) >= f.params.Depth {
		var pending []pendingNotify
		if f.notify != nil {
			pending = append(pending, pendingNotify{fn: f.notify, id: id, evt: EvtWarnResource})
		}
		l.mu.Unlock()
		l.fire(pending)
		return driver.NewError(driver.StatusAgain, fmt.Sprintf("%s: no free buffer", id))
	}

	d := f.rings.free[0]
	if l.mem == nil {
		l.mu.Unlock()
		return driver.NewError(driver.StatusHalFailure, "no memory bound")
	}
	mem, ok := l.mem.Resolve(d.Address)
	if !ok || f.params.Headroom+len(pkt.Payload) > len(mem) {
		l.mu.Unlock()
		return driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("%s: buffer %#x cannot hold %d bytes", id, d.Address, len(pkt.Payload)))
	}
	f.rings.free = f.rings.free[1:]
	copy(mem[f.params.Headroom:], pkt.Payload)

	f.rings.filled = append(f.rings.filled, driver.Descriptor{
		Address:  d.Address,
		Length:   uint32(len(pkt.Payload)),
		Offset:   uint16(f.params.Headroom),
		Src:      pkt.Src,
		Dst:      pkt.Dst,
		NetID:    int8(pkt.NetID),
		Checksum: pkt.Checksum,
		Hash:     pkt.Hash,
	})

	var pending []pendingNotify
	if f.notify != nil {
		pending = append(pending, pendingNotify{fn: f.notify, id: id, evt: EvtReceive})
	}
	l.mu.Unlock()

	l.fire(pending)
	return nil
}

// Deliver injects pkt into the receive queue the hardware would pick:
// queue 0 in single-queue mode, otherwise Hash modulo the queue count.
func (l *Loopback) Deliver(pkt Packet) error {
	l.mu.Lock()
	q := 0
	if l.multiQueue && l.queues > 1 {
		q = int(pkt.Hash % uint32(l.queues))
	}
	l.mu.Unlock()
	return l.Inject(driver.FifoMap0Out+driver.FifoID(q), pkt)
}

// ReleaseTx completes every held transmit descriptor on id.
func (l *Loopback) ReleaseTx(id driver.FifoID) {
	l.mu.Lock()
	f, err := l.openFifo(id)
	if err != nil {
		l.mu.Unlock()
		return
	}
	pending := l.completeTxLocked(id, f)
	l.mu.Unlock()
	l.fire(pending)
}

// SentOn returns the descriptors pushed on id so far.
func (l *Loopback) SentOn(id driver.FifoID) []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.fifos[id].sent...)
}

// State returns a copy of the rings of id regardless of power state.
func (l *Loopback) State(id driver.FifoID) FifoState {
	l.mu.Lock()
	defer l.mu.Unlock()

	f := l.fifos[id]
	r := f.rings.clone()
	return FifoState{
		Open:     f.open,
		Stopped:  f.stopped,
		Free:     r.free,
		Filled:   r.filled,
		Tx:       r.tx,
		TxDone:   r.txDone,
		Restores: f.restores,
	}
}

// Powered reports whether the power domain is held.
func (l *Loopback) Powered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.power > 0
}

// PowerCycles returns how many times the domain dropped to zero.
func (l *Loopback) PowerCycles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.powerCycles
}

// Lost returns descriptors destroyed by powering off un-backed FIFOs.
func (l *Loopback) Lost() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// PoweredDownAccesses counts operations attempted without power.
func (l *Loopback) PoweredDownAccesses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offAccesses
}

// Enabled returns the accelerator enable count.
func (l *Loopback) Enabled() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Action reports the global active bit.
func (l *Loopback) Action() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.action
}

// MultiQueue returns the queue mode.
func (l *Loopback) MultiQueue() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.multiQueue, l.queues
}

// Affinity returns the core irq is routed to, or -1.
func (l *Loopback) Affinity(irq int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if core, ok := l.affinity[irq]; ok {
		return core
	}
	return -1
}

// SetFailOpen makes Open() fail
func (l *Loopback) SetFailOpen(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failOpen = fail
}

// SetFailRestore makes Restore() fail
func (l *Loopback) SetFailRestore(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failRestore = fail
}

// SetFailPower makes RuntimeGet() fail
func (l *Loopback) SetFailPower(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failPower = fail
}

// SetHoldTx keeps pushed transmit descriptors pending until ReleaseTx.
func (l *Loopback) SetHoldTx(hold bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdTx = hold
}

// SetDrainFailure makes the transmit ring of id never report empty.
func (l *Loopback) SetDrainFailure(id driver.FifoID, stuck bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fifos[id].drainStuck = stuck
}

// CorruptNext makes the next n peeks on id return a torn node.
func (l *Loopback) CorruptNext(id driver.FifoID, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fifos[id].corrupt = n
}

var (
	_ Hal          = (*Loopback)(nil)
	_ PowerDomain  = (*Loopback)(nil)
	_ MemoryBinder = (*Loopback)(nil)
)
