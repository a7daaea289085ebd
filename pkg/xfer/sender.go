package xfer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emergingrobotics/go-ipa/pkg/buffer"
	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
	"github.com/emergingrobotics/go-ipa/pkg/logging"
)

// FlowListener is told when a packet class that hit flow control has free
// buffers again.
type FlowListener interface {
	FlowResumed(class driver.PacketType)
}

// FlowFunc adapts a function to FlowListener.
type FlowFunc func(class driver.PacketType)

// FlowResumed implements FlowListener.
func (f FlowFunc) FlowResumed(class driver.PacketType) { f(class) }

// SenderConfig sizes a Sender.
type SenderConfig struct {
	Fifo driver.FifoID
	// Depth of the transmit ring; a power of two.
	Depth    int
	Retained bool
	// PoolSize is the number of in-flight buffers per packet class.
	PoolSize int
}

// Outbound is one payload to transmit.
type Outbound struct {
	Class   driver.PacketType
	Dst     driver.Term
	NetID   int
	Payload []byte
}

type txBuf struct {
	buf   *buffer.Buffer
	class driver.PacketType
}

// SenderStats is a snapshot of transmit counters.
type SenderStats struct {
	Sent       uint64
	Completed  uint64
	FlowEnter  uint64
	FlowExit   uint64
	Unknown    uint64
	InFlight   int
	Available  [driver.PacketTypeMax]int
	FlowActive [driver.PacketTypeMax]bool
}

// Sender posts outbound payloads to the AP transmit FIFO.
type Sender struct {
	hal  hal.Hal
	mem  Memory
	cfg  SenderConfig
	log  *slog.Logger
	pool [driver.PacketTypeMax]*buffer.Pool[*txBuf]
	flow [driver.PacketTypeMax]atomic.Bool

	mu        sync.Mutex
	inflight  map[uint64]*txBuf
	listeners []FlowListener

	openMu sync.Mutex
	opened bool

	suspend atomic.Bool
	busy    atomic.Int32

	reclaimMu sync.Mutex
	done      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	running   bool

	sent      atomic.Uint64
	completed atomic.Uint64
	flowEnter atomic.Uint64
	flowExit  atomic.Uint64
	unknown   atomic.Uint64
}

// NewSender allocates PoolSize buffers per packet class from mem and
// returns a parked sender.
func NewSender(h hal.Hal, mem Memory, cfg SenderConfig) (*Sender, error) {
	if cfg.PoolSize <= 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "sender pool size must be positive")
	}
	s := &Sender{
		hal:      h,
		mem:      mem,
		cfg:      cfg,
		log:      logging.For(logging.ComponentSend),
		inflight: make(map[uint64]*txBuf),
		done:     make(chan struct{}, 1),
	}

	for class := driver.PacketType(0); class < driver.PacketTypeMax; class++ {
		bufs := make([]*txBuf, 0, cfg.PoolSize)
		for i := 0; i < cfg.PoolSize; i++ {
			b, err := mem.Alloc()
			if err != nil {
				s.release(bufs)
				s.Close()
				return nil, fmt.Errorf("sender %s buffer %d: %w", class, i, err)
			}
			bufs = append(bufs, &txBuf{buf: b, class: class})
		}
		p, err := buffer.NewPool(cfg.PoolSize, func(i int) *txBuf { return bufs[i] })
		if err != nil {
			s.release(bufs)
			s.Close()
			return nil, err
		}
		s.pool[class] = p
	}
	s.suspend.Store(true)
	return s, nil
}

func (s *Sender) release(bufs []*txBuf) {
	for _, b := range bufs {
		s.mem.Free(b.buf.Addr)
	}
}

// Close returns every pooled buffer to memory. In-flight buffers are
// released as well; the transmit FIFO must be stopped first.
func (s *Sender) Close() {
	for _, p := range s.pool {
		if p == nil {
			continue
		}
		for {
			b, ok := p.TryGet()
			if !ok {
				break
			}
			s.mem.Free(b.buf.Addr)
		}
		p.Close()
	}
	s.mu.Lock()
	for addr := range s.inflight {
		s.mem.Free(addr)
	}
	s.inflight = make(map[uint64]*txBuf)
	s.mu.Unlock()
}

// SetLogger replaces the sender logger.
func (s *Sender) SetLogger(l *slog.Logger) {
	s.log = l
}

// AddFlowListener registers l for flow-resume notifications.
func (s *Sender) AddFlowListener(l FlowListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches the completion worker.
func (s *Sender) Start() {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.completionLoop()
}

// Stop terminates the completion worker.
func (s *Sender) Stop() {
	s.openMu.Lock()
	if !s.running {
		s.openMu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.openMu.Unlock()
	s.wg.Wait()
}

func (s *Sender) open() error {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.opened {
		return nil
	}
	params := hal.FifoParams{
		Depth:    s.cfg.Depth,
		Retained: s.cfg.Retained,
		Src:      driver.TermAP,
		Dst:      driver.TermVCP,
	}
	if err := s.hal.Open(s.cfg.Fifo, params, s.notify); err != nil {
		return fmt.Errorf("open transmit fifo: %w", err)
	}
	s.opened = true
	return nil
}

func (s *Sender) notify(id driver.FifoID, evt hal.Event, data uint32) {
	if evt&hal.EvtSendComplete != 0 {
		kick(s.done)
	}
}

func (s *Sender) completionLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.done:
			s.Reclaim()
		}
	}
}

func (s *Sender) enterFlow(class driver.PacketType) {
	if s.flow[class].CompareAndSwap(false, true) {
		s.flowEnter.Add(1)
		s.log.Debug("flow control on", "class", class.String())
	}
}

// Send copies out.Payload into a pooled buffer and posts it. It returns
// ErrAgain and enters flow control for the class when no buffer is free,
// the transmit ring is full or the sender is parked.
func (s *Sender) Send(out Outbound) error {
	if out.Class >= driver.PacketTypeMax {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("packet class %d", out.Class))
	}

	s.busy.Add(1)
	defer s.busy.Add(-1)

	if s.suspend.Load() {
		s.enterFlow(out.Class)
		return driver.NewError(driver.StatusAgain, "sender parked")
	}

	tb, ok := s.pool[out.Class].TryGet()
	if !ok {
		s.enterFlow(out.Class)
		return driver.NewError(driver.StatusAgain, fmt.Sprintf("%s pool exhausted", out.Class))
	}
	if len(out.Payload) > tb.buf.Size() {
		s.pool[out.Class].Put(tb)
		return driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("payload %d exceeds buffer %d", len(out.Payload), tb.buf.Size()))
	}

	copy(tb.buf.Data(), out.Payload)
	d := driver.Descriptor{
		Address: tb.buf.Addr,
		Length:  uint32(len(out.Payload)),
		Src:     driver.TermAP,
		Dst:     out.Dst,
		NetID:   int8(out.NetID),
	}

	s.mu.Lock()
	s.inflight[tb.buf.Addr] = tb
	s.mu.Unlock()

	if err := s.hal.PushTx(s.cfg.Fifo, d); err != nil {
		s.mu.Lock()
		delete(s.inflight, tb.buf.Addr)
		s.mu.Unlock()
		s.pool[out.Class].Put(tb)
		if driver.StatusOf(err) == driver.StatusAgain {
			s.enterFlow(out.Class)
		}
		return err
	}
	s.sent.Add(1)
	return nil
}

// Reclaim pops every transmit completion, returns the buffers to their
// pools and fires flow-resume notifications for classes that have room
// again.
func (s *Sender) Reclaim() int {
	s.reclaimMu.Lock()
	defer s.reclaimMu.Unlock()

	n := 0
	for {
		d, ok := s.hal.PopTxCompletion(s.cfg.Fifo)
		if !ok {
			break
		}
		s.mu.Lock()
		tb, found := s.inflight[d.Address]
		delete(s.inflight, d.Address)
		s.mu.Unlock()
		if !found {
			s.unknown.Add(1)
			s.log.Warn("completion for unknown buffer", "addr", d.Address)
			continue
		}
		s.pool[tb.class].Put(tb)
		s.completed.Add(1)
		n++
	}
	s.notifyFree()
	return n
}

func (s *Sender) notifyFree() {
	if s.suspend.Load() {
		return
	}
	for class := driver.PacketType(0); class < driver.PacketTypeMax; class++ {
		if !s.flow[class].Load() || s.pool[class].Available() == 0 {
			continue
		}
		if !s.flow[class].CompareAndSwap(true, false) {
			continue
		}
		s.flowExit.Add(1)
		s.mu.Lock()
		listeners := append([]FlowListener(nil), s.listeners...)
		s.mu.Unlock()
		for _, l := range listeners {
			l.FlowResumed(class)
		}
	}
}

// Outstanding returns the number of posted, uncompleted buffers.
func (s *Sender) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// PrepareSuspend parks the sender. It fails with ErrAgain while a send is
// running or transmitted buffers are not yet completed.
func (s *Sender) PrepareSuspend() error {
	s.suspend.Store(true)

	if s.busy.Load() != 0 {
		s.suspend.Store(false)
		return driver.NewError(driver.StatusAgain, "send in progress")
	}
	s.Reclaim()
	if n := s.Outstanding(); n > 0 {
		s.suspend.Store(false)
		return driver.NewError(driver.StatusAgain, fmt.Sprintf("%d sends outstanding", n))
	}
	return nil
}

// Resume un-parks the sender, opening its FIFO on first use, and wakes
// flow-controlled classes.
func (s *Sender) Resume() error {
	if err := s.open(); err != nil {
		return err
	}
	s.suspend.Store(false)
	s.Reclaim()
	return nil
}

// Parked reports whether the sender is suspended.
func (s *Sender) Parked() bool {
	return s.suspend.Load()
}

// Opened reports whether the transmit FIFO has been opened.
func (s *Sender) Opened() bool {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	return s.opened
}

// FlowControlled reports whether class is currently flow controlled.
func (s *Sender) FlowControlled(class driver.PacketType) bool {
	return class < driver.PacketTypeMax && s.flow[class].Load()
}

// Stats returns a snapshot of the transmit counters.
func (s *Sender) Stats() SenderStats {
	st := SenderStats{
		Sent:      s.sent.Load(),
		Completed: s.completed.Load(),
		FlowEnter: s.flowEnter.Load(),
		FlowExit:  s.flowExit.Load(),
		Unknown:   s.unknown.Load(),
		InFlight:  s.Outstanding(),
	}
	for class := driver.PacketType(0); class < driver.PacketTypeMax; class++ {
		st.Available[class] = s.pool[class].Available()
		st.FlowActive[class] = s.flow[class].Load()
	}
	return st
}
