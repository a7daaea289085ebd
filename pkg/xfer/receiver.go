// Package xfer moves buffers between the IPA core and the hardware rings of
// the AP endpoint. The Receiver keeps every receive queue stocked with free
// buffers and hands completed payloads to a Sink; the Sender posts outbound
// payloads from bounded per-class pools and applies flow control.
package xfer

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-ipa/pkg/buffer"
	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
	"github.com/emergingrobotics/go-ipa/pkg/logging"
	"github.com/emergingrobotics/go-ipa/pkg/ring"
)

// DefaultDesyncRetry bounds the re-reads of a torn completion.
const DefaultDesyncRetry = 10

// Memory is the buffer source of the data path.
type Memory interface {
	Alloc() (*buffer.Buffer, error)
	Free(addr uint64) error
	Resolve(addr uint64) ([]byte, bool)
}

// Packet is one received payload.
type Packet struct {
	Payload []byte
	Meta    driver.PacketMeta
}

// Sink consumes received packets. Dispatch may be called concurrently from
// every receive queue; Flush is called after each drained batch.
type Sink interface {
	Dispatch(pkt Packet)
	Flush()
}

// ReceiverConfig sizes a Receiver.
type ReceiverConfig struct {
	// Fifos lists the receive FIFO of each queue.
	Fifos []driver.FifoID
	// Depth of each ring; a power of two.
	Depth int
	// BufSize is the payload room of a receive buffer.
	BufSize int
	// Headroom reserved in front of every payload.
	Headroom    int
	DesyncRetry int
	// Retained FIFOs are opened in retainable memory.
	Retained map[driver.FifoID]bool
	// Pin applies CPU placements to the queue workers.
	Pin bool
}

type slot struct {
	addr uint64
}

func slotAddr(s slot) uint64 { return s.addr }

type rxQueue struct {
	// mu serializes consumers of ring.
	mu       sync.Mutex
	index    int
	fifo     driver.FifoID
	ring     *ring.Ring[slot]
	needFill atomic.Int32
	wake     chan struct{}
	// primed is set once the first fill posted; guarded by fillMu.
	primed bool
}

// ReceiverStats is a snapshot of receive counters.
type ReceiverStats struct {
	Received    uint64
	Desync      uint64
	Resynced    uint64
	Orphans     uint64
	RxDanger    uint64
	TxDanger    uint64
	AllocFail   uint64
	PinFailures uint64
}

// Receiver services the receive queues of the AP endpoint.
type Receiver struct {
	hal    hal.Hal
	mem    Memory
	sink   Sink
	cfg    ReceiverConfig
	queues []*rxQueue
	log    *slog.Logger

	fillMu sync.Mutex
	fill   chan struct{}

	suspend atomic.Bool
	busy    atomic.Int32

	openMu sync.Mutex
	opened bool

	affMu  sync.Mutex
	cpus   []int
	affGen atomic.Uint64

	received    atomic.Uint64
	desync      atomic.Uint64
	resynced    atomic.Uint64
	orphans     atomic.Uint64
	rxDanger    atomic.Uint64
	txDanger    atomic.Uint64
	allocFail   atomic.Uint64
	pinFailures atomic.Uint64

	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewReceiver creates a parked receiver. Its FIFOs are opened by the first
// Resume.
func NewReceiver(h hal.Hal, mem Memory, sink Sink, cfg ReceiverConfig) (*Receiver, error) {
	if len(cfg.Fifos) == 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "receiver needs a queue")
	}
	if cfg.DesyncRetry <= 0 {
		cfg.DesyncRetry = DefaultDesyncRetry
	}
	if cfg.BufSize <= 0 {
		cfg.BufSize = driver.DefaultRxBufferSize
	}

	r := &Receiver{
		hal:  h,
		mem:  mem,
		sink: sink,
		cfg:  cfg,
		fill: make(chan struct{}, 1),
		log:  logging.For(logging.ComponentRecv),
	}
	for i, fifo := range cfg.Fifos {
		rg, err := ring.New[slot](cfg.Depth)
		if err != nil {
			return nil, fmt.Errorf("receive queue %d: %w", i, err)
		}
		r.queues = append(r.queues, &rxQueue{
			index: i,
			fifo:  fifo,
			ring:  rg,
			wake:  make(chan struct{}, 1),
		})
	}
	r.suspend.Store(true)
	return r, nil
}

// SetLogger replaces the receiver logger.
func (r *Receiver) SetLogger(l *slog.Logger) {
	r.log = l
}

// Queues returns the number of receive queues.
func (r *Receiver) Queues() int {
	return len(r.queues)
}

// Start launches one worker per queue plus the refill worker.
func (r *Receiver) Start() {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})

	r.wg.Add(1 + len(r.queues))
	go r.fillLoop()
	for _, q := range r.queues {
		go r.queueLoop(q)
	}
}

// Stop terminates the workers and waits for them.
func (r *Receiver) Stop() {
	r.openMu.Lock()
	if !r.running {
		r.openMu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.openMu.Unlock()
	r.wg.Wait()
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Receiver) notify(q *rxQueue) hal.NotifyFunc {
	return func(id driver.FifoID, evt hal.Event, data uint32) {
		if evt&hal.EvtWarnResource != 0 {
			r.txDanger.Add(1)
		}
		if evt&hal.EvtReceive != 0 {
			kick(q.wake)
		}
	}
}

func (r *Receiver) open() error {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if r.opened {
		return nil
	}

	for _, q := range r.queues {
		params := hal.FifoParams{
			Depth:    r.cfg.Depth,
			Headroom: r.cfg.Headroom,
			Retained: r.cfg.Retained[q.fifo],
			Irq:      q.index,
			Src:      driver.TermVCP,
			Dst:      driver.TermAP,
		}
		if err := r.hal.Open(q.fifo, params, r.notify(q)); err != nil {
			return fmt.Errorf("open receive queue %d: %w", q.index, err)
		}
	}
	r.opened = true

	for _, q := range r.queues {
		q.needFill.Store(int32(r.cfg.Depth))
	}
	r.fillAll()
	return nil
}

func (r *Receiver) fillLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-r.fill:
			r.fillAll()
		}
	}
}

func (r *Receiver) fillAll() {
	r.fillMu.Lock()
	defer r.fillMu.Unlock()
	for _, q := range r.queues {
		r.fillQueue(q)
	}
}

// fillQueue posts need_fill buffers to q and subtracts the successes.
func (r *Receiver) fillQueue(q *rxQueue) {
	need := int(q.needFill.Load())
	if need <= 0 {
		return
	}
	depth := r.cfg.Depth
	if q.primed && need > depth-depth/4 {
		r.rxDanger.Add(1)
		r.log.Warn("receive buffers running low", "queue", q.index, "need_fill", need, "depth", depth)
	}

	success := 0
	for i := 0; i < need; i++ {
		buf, err := r.mem.Alloc()
		if err != nil {
			r.allocFail.Add(1)
			break
		}
		if !q.ring.Push(slot{addr: buf.Addr}) {
			r.mem.Free(buf.Addr)
			break
		}
		d := driver.Descriptor{
			Address: buf.Addr,
			Length:  uint32(r.cfg.BufSize),
			Offset:  uint16(r.cfg.Headroom),
			Src:     driver.TermVCP,
			Dst:     driver.TermAP,
		}
		if err := r.hal.PushRx(q.fifo, d); err != nil {
			// The software slot is already published; the desync path
			// reclaims it once the queue moves past it.
			r.log.Error("post free buffer failed", "queue", q.index, "error", err)
			success++
			break
		}
		success++
	}
	q.needFill.Add(int32(-success))
	q.primed = true
}

func (r *Receiver) queueLoop(q *rxQueue) {
	defer r.wg.Done()
	var gen uint64
	for {
		select {
		case <-r.stop:
			return
		case <-q.wake:
		}
		if g := r.affGen.Load(); g != gen {
			gen = g
			r.applyAffinity()
		}
		r.drain(q)
	}
}

// Poll drains every queue once from the calling goroutine.
func (r *Receiver) Poll() int {
	n := 0
	for _, q := range r.queues {
		n += r.drain(q)
	}
	return n
}

func (r *Receiver) drain(q *rxQueue) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	delivered := 0
	for {
		ok, progressed := r.recvOne(q)
		if ok {
			delivered++
		}
		if !progressed {
			break
		}
	}
	if delivered > 0 {
		r.sink.Flush()
	}
	if q.needFill.Load() > 0 {
		kick(r.fill)
	}
	return delivered
}

// recvOne consumes the oldest completion of q. delivered reports that a
// packet went to the sink; progressed that the hardware ring moved.
func (r *Receiver) recvOne(q *rxQueue) (delivered, progressed bool) {
	r.busy.Add(1)
	defer r.busy.Add(-1)

	if r.suspend.Load() {
		return false, false
	}
	if r.hal.IsEmpty(q.fifo, hal.RingFilled) {
		return false, false
	}
	hw, ok := r.hal.PeekRxCompletion(q.fifo)
	if !ok {
		return false, false
	}

	s, err := q.ring.PopExpect(hw.Address, slotAddr)
	if errors.Is(err, driver.ErrNoData) {
		r.orphans.Add(1)
		r.log.Error("completion without posted buffer", "queue", q.index, "addr", hw.Address)
		if ferr := r.mem.Free(hw.Address); ferr != nil {
			r.log.Debug("orphan buffer not in use", "queue", q.index, "addr", hw.Address)
		}
		r.hal.AdvanceRx(q.fifo, 1)
		return false, true
	}
	q.needFill.Add(1)

	// A node still being written shows a foreign address or no source.
	torn := func(h driver.Descriptor) bool {
		return h.Address != s.addr || h.Src == driver.TermNone
	}
	if err != nil || torn(hw) {
		for retry := r.cfg.DesyncRetry; retry > 0 && torn(hw); retry-- {
			hw, _ = r.hal.PeekRxCompletion(q.fifo)
		}
		if torn(hw) {
			r.desync.Add(1)
			r.log.Warn("receive ring desync, dropping buffer",
				"queue", q.index, "hw_addr", hw.Address, "sw_addr", s.addr, "src", hw.Src.String())
			r.mem.Free(s.addr)
			r.hal.AdvanceRx(q.fifo, 1)
			return false, true
		}
		r.resynced.Add(1)
	}

	mem, ok := r.mem.Resolve(s.addr)
	end := int(hw.Offset) + int(hw.Length)
	if !ok || end > len(mem) {
		r.log.Warn("completion out of bounds", "queue", q.index, "len", hw.Length, "offset", hw.Offset)
		r.mem.Free(s.addr)
		r.hal.AdvanceRx(q.fifo, 1)
		return false, true
	}
	payload := append([]byte(nil), mem[hw.Offset:end]...)
	r.hal.AdvanceRx(q.fifo, 1)
	r.mem.Free(s.addr)
	r.received.Add(1)

	r.sink.Dispatch(Packet{
		Payload: payload,
		Meta: driver.PacketMeta{
			Src:      hw.Src,
			NetID:    int(hw.NetID),
			Checksum: driver.ChecksumOf(hw),
			Queue:    q.index,
		},
	})
	return true, true
}

// PrepareSuspend parks the receiver. It fails with ErrAgain while a receive
// pass is running, a completion is pending or refills are outstanding.
func (r *Receiver) PrepareSuspend() error {
	r.suspend.Store(true)

	if r.busy.Load() != 0 {
		r.suspend.Store(false)
		return driver.NewError(driver.StatusAgain, "receive in progress")
	}
	for _, q := range r.queues {
		if !r.hal.IsEmpty(q.fifo, hal.RingFilled) {
			r.suspend.Store(false)
			kick(q.wake)
			return driver.NewError(driver.StatusAgain, fmt.Sprintf("receive queue %d not empty", q.index))
		}
	}
	for _, q := range r.queues {
		if q.needFill.Load() != 0 {
			r.suspend.Store(false)
			kick(r.fill)
			return driver.NewError(driver.StatusAgain, fmt.Sprintf("receive queue %d refilling", q.index))
		}
	}
	return nil
}

// Resume un-parks the receiver, opening its FIFOs on first use, and
// re-arms hardware receive.
func (r *Receiver) Resume() error {
	if err := r.open(); err != nil {
		return err
	}
	r.suspend.Store(false)
	kick(r.fill)

	var firstErr error
	for _, q := range r.queues {
		if err := r.hal.StopReceive(q.fifo, false); err != nil && firstErr == nil {
			firstErr = err
		}
		kick(q.wake)
	}
	return firstErr
}

// Parked reports whether the receiver is suspended.
func (r *Receiver) Parked() bool {
	return r.suspend.Load()
}

// Opened reports whether the receive FIFOs have been opened.
func (r *Receiver) Opened() bool {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	return r.opened
}

// Fifos returns the receive FIFO of each queue.
func (r *Receiver) Fifos() []driver.FifoID {
	out := make([]driver.FifoID, len(r.queues))
	for i, q := range r.queues {
		out[i] = q.fifo
	}
	return out
}

// SetAffinity records the CPUs the queue workers should run on. Workers
// pick the change up on their next wakeup.
func (r *Receiver) SetAffinity(cpus []int) {
	r.affMu.Lock()
	r.cpus = append([]int(nil), cpus...)
	r.affMu.Unlock()
	r.affGen.Add(1)
	for _, q := range r.queues {
		kick(q.wake)
	}
}

// Affinity returns the CPUs last requested.
func (r *Receiver) Affinity() []int {
	r.affMu.Lock()
	defer r.affMu.Unlock()
	return append([]int(nil), r.cpus...)
}

func (r *Receiver) applyAffinity() {
	if !r.cfg.Pin {
		return
	}
	cpus := r.Affinity()
	if len(cpus) == 0 {
		return
	}
	var set unix.CPUSet
	for _, c := range cpus {
		set.Set(c)
	}
	runtime.LockOSThread()
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		r.pinFailures.Add(1)
		r.log.Debug("pin receive worker failed", "cpus", cpus, "error", err)
	}
}

// Stats returns a snapshot of the receive counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Received:    r.received.Load(),
		Desync:      r.desync.Load(),
		Resynced:    r.resynced.Load(),
		Orphans:     r.orphans.Load(),
		RxDanger:    r.rxDanger.Load(),
		TxDanger:    r.txDanger.Load(),
		AllocFail:   r.allocFail.Load(),
		PinFailures: r.pinFailures.Load(),
	}
}

// PendingFill returns the outstanding refill count of a queue.
func (r *Receiver) PendingFill(queue int) int {
	return int(r.queues[queue].needFill.Load())
}
