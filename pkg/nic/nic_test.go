//go:build unit

package nic

import (
	"errors"
	"sync"
	"testing"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
	"github.com/emergingrobotics/go-ipa/pkg/xfer"
	"github.com/emergingrobotics/go-ipa/testutil"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []xfer.Outbound
	err  error
	// flow is reported by FlowControlled.
	flow bool
	// onFail runs inside a failing Send, before it returns.
	onFail func(class driver.PacketType)
}

func (s *fakeSender) Send(out xfer.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		if s.onFail != nil {
			s.onFail(out.Class)
		}
		return s.err
	}
	s.sent = append(s.sent, out)
	return nil
}

func (s *fakeSender) FlowControlled(class driver.PacketType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flow
}

type events struct {
	mu  sync.Mutex
	got map[driver.NicID][]hal.Event
}

func newEvents() *events {
	return &events{got: make(map[driver.NicID][]hal.Event)}
}

func (e *events) cb(id driver.NicID, evt hal.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got[id] = append(e.got[id], evt)
}

func (e *events) count(id driver.NicID, evt hal.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, got := range e.got[id] {
		if got == evt {
			n++
		}
	}
	return n
}

func packet(src driver.Term, netid, seq int) xfer.Packet {
	return xfer.Packet{
		Payload: testutil.Payload(seq, 32),
		Meta:    driver.PacketMeta{Src: src, NetID: netid},
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		src   driver.Term
		netid int
		want  driver.NicID
		ok    bool
	}{
		{driver.TermUSB, -1, driver.NicUSB, true},
		{driver.TermWifi, -1, driver.NicWifi, true},
		{driver.TermCP0, 0, driver.NicWWAN0, true},
		{driver.TermVAP1, 5, driver.NicWWAN5, true},
		{driver.TermUSB, 0, driver.NicMax, false},
		{driver.TermCP0, 8, driver.NicMax, false},
		{driver.TermAP, -1, driver.NicMax, false},
	}

	for _, tt := range tests {
		got, ok := Lookup(tt.src, tt.netid)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Lookup(%s, %d) = %s,%v expected %s,%v", tt.src, tt.netid, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOpenClose(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 0)

	if err := d.Open(driver.NicUSB, nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := d.Open(driver.NicUSB, nil); !errors.Is(err, driver.ErrBusy) {
		t.Errorf("second Open error = %v, expected ErrBusy", err)
	}
	if err := d.Open(driver.NicMax, nil); !errors.Is(err, driver.ErrInvalid) {
		t.Errorf("Open(max) error = %v, expected ErrInvalid", err)
	}
	if _, err := d.OpenBySource(driver.TermAP, 0, nil); !errors.Is(err, driver.ErrInvalid) {
		t.Errorf("OpenBySource(ap) error = %v, expected ErrInvalid", err)
	}
	id, err := d.OpenBySource(driver.TermCP1, 2, nil)
	if err != nil || id != driver.NicWWAN2 {
		t.Errorf("OpenBySource(cp1, 2) = %s, %v", id, err)
	}

	d.Dispatch(packet(driver.TermUSB, -1, 0))
	d.Close(driver.NicUSB)
	d.Close(driver.NicUSB)
	if _, _, err := d.Rx(driver.NicUSB); !errors.Is(err, driver.ErrNoDevice) {
		t.Errorf("Rx after close error = %v, expected ErrNoDevice", err)
	}

	// Reopening starts with an empty queue.
	d.Open(driver.NicUSB, nil)
	if d.HasData(driver.NicUSB) {
		t.Error("queue survived close/open")
	}
}

// One hundred descriptors, even from USB and odd from WIFI, land on their
// own interface in order with one receive event each.
func TestDispatchUSBAndWifi(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 0)
	ev := newEvents()
	d.Open(driver.NicUSB, ev.cb)
	d.Open(driver.NicWifi, ev.cb)

	for i := 0; i < 100; i++ {
		src := driver.TermUSB
		if i%2 == 1 {
			src = driver.TermWifi
		}
		d.Dispatch(packet(src, -1, i))
	}
	d.Flush()
	d.Flush()

	for _, tc := range []struct {
		id    driver.NicID
		first int
	}{{driver.NicUSB, 0}, {driver.NicWifi, 1}} {
		if n := ev.count(tc.id, hal.EvtReceive); n != 1 {
			t.Errorf("%s got %d receive events, expected 1", tc.id, n)
		}
		for seq := tc.first; seq < 100; seq += 2 {
			p, meta, err := d.Rx(tc.id)
			if err != nil {
				t.Fatalf("%s Rx failed at seq %d: %v", tc.id, seq, err)
			}
			if testutil.Seq(p) != seq {
				t.Fatalf("%s got seq %d, expected %d", tc.id, testutil.Seq(p), seq)
			}
			if meta.NetID != -1 {
				t.Errorf("meta %+v", meta)
			}
		}
		if _, _, err := d.Rx(tc.id); !errors.Is(err, driver.ErrNoData) {
			t.Errorf("%s drained Rx error = %v, expected ErrNoData", tc.id, err)
		}
	}

	// The queue went empty, so the next packet notifies again.
	d.Dispatch(packet(driver.TermUSB, -1, 100))
	d.Flush()
	if n := ev.count(driver.NicUSB, hal.EvtReceive); n != 2 {
		t.Errorf("usb got %d receive events, expected 2", n)
	}
}

func TestDispatchMatching(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 0)
	d.Open(driver.NicWWAN1, nil)
	d.Open(driver.NicWWAN3, nil)

	d.Dispatch(packet(driver.TermCP0, 3, 0))
	d.Dispatch(packet(driver.TermVAP2, 1, 1))
	d.Dispatch(packet(driver.TermCP0, 2, 2))
	d.Dispatch(packet(driver.TermUSB, -1, 3))

	if !d.HasData(driver.NicWWAN3) || !d.HasData(driver.NicWWAN1) {
		t.Error("wwan packets not delivered")
	}
	if st := d.Stats(); st.Unmatched != 2 {
		t.Errorf("Unmatched = %d, expected 2", st.Unmatched)
	}
	if d.HasData(driver.NicWWAN2) {
		t.Error("closed nic received data")
	}
}

func TestDispatchQueueLimit(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 2)
	d.Open(driver.NicUSB, nil)
	for i := 0; i < 5; i++ {
		d.Dispatch(packet(driver.TermUSB, -1, i))
	}
	st := d.Stats().Nics[driver.NicUSB]
	if st.Queued != 2 || st.Dropped != 3 {
		t.Errorf("stats %+v", st)
	}
}

func TestTxFlowControl(t *testing.T) {
	tx := &fakeSender{}
	d := NewDispatcher(tx, 0)
	ev := newEvents()
	d.Open(driver.NicWWAN0, ev.cb)

	if err := d.Tx(driver.NicWWAN1, driver.TermCP0, 1, []byte{1}); !errors.Is(err, driver.ErrNoDevice) {
		t.Errorf("Tx on closed nic error = %v, expected ErrNoDevice", err)
	}
	if err := d.Tx(driver.NicWWAN0, driver.TermCP0, 0, []byte{1}); err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if len(tx.sent) != 1 || tx.sent[0].Class != driver.PacketIP || tx.sent[0].Dst != driver.TermCP0 {
		t.Errorf("sent %+v", tx.sent)
	}

	tx.err = driver.NewError(driver.StatusAgain, "full")
	tx.flow = true
	if err := d.Tx(driver.NicWWAN0, driver.TermCP0, 0, []byte{2}); !errors.Is(err, driver.ErrAgain) {
		t.Fatalf("Tx error = %v, expected ErrAgain", err)
	}
	if err := d.CheckSuspend(); !errors.Is(err, driver.ErrAgain) {
		t.Errorf("CheckSuspend with flow control = %v, expected ErrAgain", err)
	}

	d.FlowResumed(driver.PacketETH)
	if ev.count(driver.NicWWAN0, hal.EvtFlowExit) != 0 {
		t.Error("eth resume woke an ip nic")
	}
	d.FlowResumed(driver.PacketIP)
	if ev.count(driver.NicWWAN0, hal.EvtFlowExit) != 1 {
		t.Error("ip resume did not wake the nic")
	}
	if err := d.CheckSuspend(); err != nil {
		t.Errorf("CheckSuspend = %v", err)
	}
}

// The sender can resume a class while Tx is still returning ErrAgain for
// it; the interface must not stay flow controlled with no wakeup pending.
func TestTxFlowResumedDuringSend(t *testing.T) {
	tx := &fakeSender{}
	d := NewDispatcher(tx, 0)
	ev := newEvents()
	d.Open(driver.NicUSB, ev.cb)

	tx.err = driver.NewError(driver.StatusAgain, "full")
	tx.onFail = func(class driver.PacketType) { d.FlowResumed(class) }
	if err := d.Tx(driver.NicUSB, driver.TermUSB, driver.NetIDAny, []byte{1}); !errors.Is(err, driver.ErrAgain) {
		t.Fatalf("Tx error = %v, expected ErrAgain", err)
	}
	if n := ev.count(driver.NicUSB, hal.EvtFlowExit); n != 1 {
		t.Errorf("flow exit events = %d, expected 1", n)
	}
	if d.Stats().Nics[driver.NicUSB].Flow {
		t.Error("nic left flow controlled")
	}
	if err := d.CheckSuspend(); err != nil {
		t.Errorf("CheckSuspend = %v", err)
	}
}

func TestTxSuccessClearsFlow(t *testing.T) {
	tx := &fakeSender{err: driver.NewError(driver.StatusAgain, "full"), flow: true}
	d := NewDispatcher(tx, 0)
	d.Open(driver.NicWifi, nil)

	d.Tx(driver.NicWifi, driver.TermWifi, driver.NetIDAny, []byte{1})
	if !d.Stats().Nics[driver.NicWifi].Flow {
		t.Fatal("ErrAgain did not set flow control")
	}

	tx.mu.Lock()
	tx.err, tx.flow = nil, false
	tx.mu.Unlock()
	if err := d.Tx(driver.NicWifi, driver.TermWifi, driver.NetIDAny, []byte{2}); err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if err := d.CheckSuspend(); err != nil {
		t.Errorf("CheckSuspend after successful Tx = %v", err)
	}
}

func TestCheckSuspendQueued(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 0)
	d.Open(driver.NicWifi, nil)
	d.Dispatch(packet(driver.TermWifi, -1, 0))

	if err := d.CheckSuspend(); !errors.Is(err, driver.ErrAgain) {
		t.Errorf("CheckSuspend = %v, expected ErrAgain", err)
	}
	d.Rx(driver.NicWifi)
	if err := d.CheckSuspend(); err != nil {
		t.Errorf("CheckSuspend after drain = %v", err)
	}
}

func TestRates(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, 0)
	for q, n := range []int{3, 0, 5, 1} {
		for i := 0; i < n; i++ {
			d.Dispatch(xfer.Packet{Meta: driver.PacketMeta{Queue: q}})
		}
	}
	d.CountRate(9)

	got := d.SwapRates()
	if got != [MaxQueues]uint64{3, 0, 5, 1} {
		t.Errorf("SwapRates() = %v", got)
	}
	if again := d.SwapRates(); again != [MaxQueues]uint64{} {
		t.Errorf("rates not reset: %v", again)
	}
}
