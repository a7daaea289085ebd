//go:build unit

package device

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/endpoint"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
	"github.com/emergingrobotics/go-ipa/pkg/power"
	"github.com/emergingrobotics/go-ipa/pkg/rm"
	"github.com/emergingrobotics/go-ipa/testutil"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RxDepth = 64
	cfg.TxDepth = 64
	cfg.SenderPool = 16
	cfg.SuspendRetry = 5 * time.Millisecond
	cfg.SuspendRetryMax = 20 * time.Millisecond
	cfg.ReleaseDelay = 5 * time.Millisecond
	cfg.RequestTimeout = time.Second
	cfg.WWANIdle = 30 * time.Millisecond
	cfg.SchedInterval = 10 * time.Millisecond
	return cfg
}

func attach(t *testing.T, cfg Config) (*Device, *hal.Loopback) {
	t.Helper()
	lb := hal.NewLoopback()
	d, err := Attach(lb, lb, cfg)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { d.Detach() })
	return d, lb
}

func powerOn(t *testing.T, d *Device) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.PowerOn(ctx); err != nil {
		t.Fatalf("PowerOn failed: %v", err)
	}
}

func powerOff(t *testing.T, d *Device) {
	t.Helper()
	if err := d.PowerOff(); err != nil {
		t.Fatalf("PowerOff failed: %v", err)
	}
	testutil.Eventually(t, 0, func() bool { return d.Machine().Mask() == power.BitAll }, "fully suspended")
}

func usbConnect() endpoint.ConnectParams {
	return endpoint.ConnectParams{
		Send: hal.FifoParams{Depth: 8},
		Recv: hal.FifoParams{Depth: 8},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rx depth", func(c *Config) { c.RxDepth = 100 }},
		{"tx depth", func(c *Config) { c.TxDepth = 0 }},
		{"no queues", func(c *Config) { c.RxQueues = 0 }},
		{"too many queues", func(c *Config) { c.RxQueues = 5 }},
		{"buffer size", func(c *Config) { c.RxBufSize = 0 }},
		{"sender pool", func(c *Config) { c.SenderPool = 0 }},
		{"water marks", func(c *Config) { c.LowWater = c.HighWater }},
		{"retained fifo", func(c *Config) { c.Retained = []driver.FifoID{driver.FifoMax} }},
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, driver.ErrInvalid) {
				t.Errorf("Validate() = %v, expected ErrInvalid", err)
			}
			if _, err := Attach(hal.NewLoopback(), &testutil.FakePowerDomain{}, cfg); err == nil {
				t.Error("Attach accepted an invalid config")
			}
		})
	}
}

func TestAttachStartsSuspended(t *testing.T) {
	d, lb := attach(t, testConfig())

	if d.Machine().Mask() != power.BitAll {
		t.Errorf("mask %s, expected all stages set", d.Machine().Mask())
	}
	if lb.Powered() {
		t.Error("attach took a power reference")
	}
	if st, _ := d.RM().StateOf(ProdIPA); st != rm.Released {
		t.Errorf("producer state %s", st)
	}
	for _, c := range Consumers {
		if _, err := d.RM().StateOf(c); err != nil {
			t.Errorf("consumer %s missing: %v", c, err)
		}
	}
	if d.ID() == "" {
		t.Error("empty device id")
	}
}

func TestPowerOnResumesEverything(t *testing.T) {
	d, lb := attach(t, testConfig())
	powerOn(t, d)

	if d.Machine().Mask() != 0 {
		t.Errorf("mask %s after power on", d.Machine().Mask())
	}
	if !lb.Powered() || !lb.Action() {
		t.Error("hardware not powered and active")
	}
	if !d.RM().IsGranted(ProdIPA) {
		t.Error("producer not granted")
	}
	if d.Receiver().Parked() || d.Sender().Parked() {
		t.Error("workers still parked")
	}
	testutil.Eventually(t, 0, func() bool {
		return len(lb.State(driver.FifoMap0Out).Free) == 64 && len(lb.State(driver.FifoMap1Out).Free) == 64
	}, "receive queues stocked")
	testutil.Eventually(t, 0, d.Scheduler().Running, "scheduler running")
}

func TestConsumerRequestPowersOn(t *testing.T) {
	d, lb := attach(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.RM().RequestSync(ctx, ConsUSB); err != nil {
		t.Fatalf("RequestSync(%s) failed: %v", ConsUSB, err)
	}
	if !lb.Powered() || d.Machine().Mask() != 0 {
		t.Errorf("consumer grant left mask %s", d.Machine().Mask())
	}

	d.RM().Release(ConsUSB)
	testutil.Eventually(t, 0, func() bool { return d.Machine().Mask() == power.BitAll }, "suspended after release")
	if lb.Powered() {
		t.Error("power reference held after release")
	}
}

func snapshot(lb *hal.Loopback, fifos []driver.FifoID) map[driver.FifoID]hal.FifoState {
	out := make(map[driver.FifoID]hal.FifoState)
	for _, f := range fifos {
		st := lb.State(f)
		st.Restores = 0
		out[f] = st
	}
	return out
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	d, lb := attach(t, testConfig())
	powerOn(t, d)

	fifos := []driver.FifoID{driver.FifoMapIn, driver.FifoMap0Out, driver.FifoMap1Out}
	testutil.Eventually(t, 0, func() bool { return len(lb.State(driver.FifoMap1Out).Free) == 64 }, "stocked")
	before := snapshot(lb, fifos)

	powerOff(t, d)
	if lb.Powered() {
		t.Error("still powered after suspend")
	}
	if lb.Lost() != 0 {
		t.Errorf("%d descriptors lost across power off", lb.Lost())
	}

	powerOn(t, d)
	after := snapshot(lb, fifos)
	for _, f := range fifos {
		if !reflect.DeepEqual(before[f], after[f]) {
			t.Errorf("%s ring state differs after resume:\n before %+v\n after  %+v", f, before[f], after[f])
		}
	}
	if lb.State(driver.FifoMap0Out).Restores != 1 {
		t.Errorf("restores = %d, expected 1", lb.State(driver.FifoMap0Out).Restores)
	}
	st := d.Machine().Stats()
	if st.Suspends != 1 || st.Resumes != 2 {
		t.Errorf("power stats %+v", st)
	}
}

func TestEndpointsSurvivePowerCycle(t *testing.T) {
	tests := []struct {
		name      string
		endpoints []driver.EndpointID
		pcie      bool
	}{
		{"none", nil, false},
		{"usb", []driver.EndpointID{driver.EPUSB}, false},
		{"wifi", []driver.EndpointID{driver.EPWifi}, false},
		{"usb and wifi", []driver.EndpointID{driver.EPUSB, driver.EPWifi}, false},
		{"pcie", nil, true},
	}
	fifos := []driver.FifoID{
		driver.FifoUSBUL, driver.FifoUSBDL,
		driver.FifoWifiUL, driver.FifoWifiDL,
		driver.FifoPcieUL, driver.FifoPcieDL,
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, lb := attach(t, testConfig())
			powerOn(t, d)
			for _, id := range tt.endpoints {
				if err := d.EndpointConnect(id, usbConnect()); err != nil {
					t.Fatalf("connect %s failed: %v", id, err)
				}
			}
			if tt.pcie {
				if err := d.OpenPcie(endpoint.PcieParams{ConnectParams: usbConnect()}); err != nil {
					t.Fatalf("OpenPcie failed: %v", err)
				}
			}
			states := d.Endpoints().States()
			rings := snapshot(lb, fifos)

			powerOff(t, d)
			powerOn(t, d)

			if got := d.Endpoints().States(); !reflect.DeepEqual(states, got) {
				t.Errorf("endpoint states differ after resume:\n before %+v\n after  %+v", states, got)
			}
			after := snapshot(lb, fifos)
			for _, f := range fifos {
				if !reflect.DeepEqual(rings[f], after[f]) {
					t.Errorf("%s differs after resume:\n before %+v\n after  %+v", f, rings[f], after[f])
				}
			}
		})
	}
}

func TestPartialSuspendEndpointNotDrained(t *testing.T) {
	d, lb := attach(t, testConfig())
	powerOn(t, d)

	if err := d.EndpointConnect(driver.EPUSB, usbConnect()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	lb.SetDrainFailure(driver.FifoUSBUL, true)

	d.PowerOff()
	testutil.Eventually(t, 0, func() bool { return d.Machine().Stats().Failures >= 2 }, "suspend retried")
	if d.Machine().Mask() != 0 {
		t.Errorf("mask %s while endpoint stuck", d.Machine().Mask())
	}
	if !lb.Powered() {
		t.Error("powered off with an undrained endpoint")
	}

	lb.SetDrainFailure(driver.FifoUSBUL, false)
	testutil.Eventually(t, 0, func() bool { return d.Machine().Mask() == power.BitAll }, "suspend completed")
	if !lb.State(driver.FifoUSBDL).Stopped {
		t.Error("usb receive not stopped while suspended")
	}

	powerOn(t, d)
	if lb.State(driver.FifoUSBDL).Stopped {
		t.Error("usb receive not re-armed on resume")
	}
}

func TestPartialSuspendSendsOutstanding(t *testing.T) {
	d, lb := attach(t, testConfig())
	powerOn(t, d)

	if err := d.NicOpen(driver.NicUSB, nil); err != nil {
		t.Fatalf("NicOpen failed: %v", err)
	}
	lb.SetHoldTx(true)
	if err := d.NicTx(driver.NicUSB, driver.TermUSB, driver.NetIDAny, []byte("frame")); err != nil {
		t.Fatalf("NicTx failed: %v", err)
	}

	d.PowerOff()
	testutil.Eventually(t, 0, func() bool {
		return d.Machine().Mask() == power.BitEndpoints && d.Machine().Stats().Failures >= 1
	}, "stopped at the threads stage")
	if !lb.Powered() || !lb.Action() {
		t.Error("later stages ran after threads failed")
	}

	// A peripheral may still connect: the accelerator is powered.
	if err := d.EndpointConnect(driver.EPWifi, usbConnect()); err != nil {
		t.Errorf("connect during partial suspend failed: %v", err)
	}
	if d.Enabled() != 1 || lb.Enabled() != 1 {
		t.Errorf("enable count %d, hal %d", d.Enabled(), lb.Enabled())
	}

	lb.SetHoldTx(false)
	lb.ReleaseTx(driver.FifoMapIn)
	testutil.Eventually(t, 0, func() bool { return d.Machine().Mask() == power.BitAll }, "suspend completed")

	powerOn(t, d)
	if lb.Enabled() != 1 {
		t.Errorf("hal enable %d after resume, expected 1", lb.Enabled())
	}
}

func TestConnectWhilePoweredDown(t *testing.T) {
	d, _ := attach(t, testConfig())

	err := d.EndpointConnect(driver.EPUSB, usbConnect())
	if !errors.Is(err, driver.ErrNoDevice) {
		t.Fatalf("connect error = %v, expected ErrNoDevice", err)
	}
	if d.Enabled() != 0 {
		t.Errorf("enable count %d", d.Enabled())
	}
}

func TestEnableRefcount(t *testing.T) {
	d, lb := attach(t, testConfig())
	powerOn(t, d)

	d.SetEnabled(true)
	d.SetEnabled(true)
	if lb.Enabled() != 1 {
		t.Errorf("hal enable %d, expected 1 for two references", lb.Enabled())
	}
	d.SetEnabled(false)
	if lb.Enabled() != 1 {
		t.Error("hal disabled with a reference left")
	}
	d.SetEnabled(false)
	if lb.Enabled() != 0 {
		t.Error("hal enabled with no reference")
	}
	if err := d.SetEnabled(false); !errors.Is(err, driver.ErrInvalid) {
		t.Errorf("underflow error = %v, expected ErrInvalid", err)
	}
}

func TestEndToEndDispatch(t *testing.T) {
	d, lb := attach(t, testConfig())
	powerOn(t, d)

	var notified [driver.NicMax]atomic.Int32
	cb := func(id driver.NicID, evt hal.Event) {
		if evt&hal.EvtReceive != 0 {
			notified[id].Add(1)
		}
	}
	if err := d.NicOpen(driver.NicUSB, cb); err != nil {
		t.Fatal(err)
	}
	if err := d.NicOpen(driver.NicWifi, cb); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		src := driver.TermUSB
		if i%2 == 1 {
			src = driver.TermWifi
		}
		pkt := hal.Packet{Src: src, Dst: driver.TermAP, Payload: testutil.Payload(i, 300), Checksum: driver.ChecksumGood}
		testutil.Eventually(t, 0, func() bool { return lb.Deliver(pkt) == nil }, "deliver")
	}
	testutil.Eventually(t, 0, func() bool { return d.Receiver().Stats().Received == 100 }, "all received")

	for _, tc := range []struct {
		id    driver.NicID
		src   driver.Term
		first int
	}{
		{driver.NicUSB, driver.TermUSB, 0},
		{driver.NicWifi, driver.TermWifi, 1},
	} {
		next := tc.first
		for {
			p, meta, err := d.NicRx(tc.id)
			if errors.Is(err, driver.ErrNoData) {
				break
			}
			if err != nil {
				t.Fatalf("NicRx(%s) failed: %v", tc.id, err)
			}
			if testutil.Seq(p) != next {
				t.Fatalf("%s got seq %d, expected %d", tc.id, testutil.Seq(p), next)
			}
			testutil.AssertBytesEqual(t, p, testutil.Payload(next, 300), "payload")
			if meta.Src != tc.src || meta.Checksum != driver.ChecksumVerified {
				t.Errorf("%s meta %+v", tc.id, meta)
			}
			next += 2
		}
		if next != tc.first+100 {
			t.Errorf("%s delivered %d packets, expected 50", tc.id, (next-tc.first)/2)
		}
		if notified[tc.id].Load() == 0 {
			t.Errorf("%s never notified", tc.id)
		}
	}
	if d.Nics().Stats().Unmatched != 0 {
		t.Errorf("unmatched %d", d.Nics().Stats().Unmatched)
	}
}

func TestWWANTransmitHoldsPower(t *testing.T) {
	d, lb := attach(t, testConfig())

	if err := d.NicOpen(driver.NicWWAN0, nil); err != nil {
		t.Fatal(err)
	}
	// The first send wakes the device; it may be flow controlled meanwhile.
	err := d.NicTx(driver.NicWWAN0, driver.TermCP0, 0, []byte("ping"))
	if err != nil && !errors.Is(err, driver.ErrAgain) {
		t.Fatalf("NicTx failed: %v", err)
	}
	testutil.Eventually(t, 0, func() bool { return d.Machine().Mask() == 0 }, "resumed by uplink")
	testutil.Eventually(t, 0, func() bool {
		return d.NicTx(driver.NicWWAN0, driver.TermCP0, 0, []byte("pong")) == nil
	}, "send after resume")
	if len(lb.SentOn(driver.FifoMapIn)) == 0 {
		t.Error("nothing transmitted")
	}

	testutil.Eventually(t, 0, func() bool { return d.Machine().Mask() == power.BitAll }, "suspended after idle")
}

func TestResumeRetriesPowerFailure(t *testing.T) {
	d, lb := attach(t, testConfig())
	lb.SetFailPower(true)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- d.PowerOn(ctx)
	}()

	testutil.Eventually(t, 0, func() bool { return d.Machine().Stats().UndoFailures >= 2 }, "resume retried")
	lb.SetFailPower(false)
	if err := <-done; err != nil {
		t.Fatalf("PowerOn failed: %v", err)
	}
	if d.Machine().Mask() != 0 {
		t.Errorf("mask %s", d.Machine().Mask())
	}
}

func TestStatsJSON(t *testing.T) {
	d, _ := attach(t, testConfig())
	powerOn(t, d)
	d.NicOpen(driver.NicUSB, nil)

	data, err := d.Stats().JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out["mask"] != "none" {
		t.Errorf("mask = %v", out["mask"])
	}
	if out["id"] != d.ID() {
		t.Errorf("id = %v", out["id"])
	}
	nicStats, _ := out["nic"].(map[string]any)
	if ifs, _ := nicStats["interfaces"].([]any); len(ifs) != 1 {
		t.Errorf("interfaces = %v", nicStats["interfaces"])
	}
}

func TestDetach(t *testing.T) {
	lb := hal.NewLoopback()
	d, err := Attach(lb, lb, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	powerOn(t, d)

	if err := d.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if lb.Powered() {
		t.Error("power reference held after detach")
	}
	if lb.State(driver.FifoMap0Out).Open {
		t.Error("receive fifo left open")
	}
	if err := d.Detach(); !errors.Is(err, driver.ErrClosed) {
		t.Errorf("second Detach = %v, expected ErrClosed", err)
	}
	if err := d.NicOpen(driver.NicUSB, nil); !errors.Is(err, ErrDetached) {
		t.Errorf("NicOpen after detach = %v", err)
	}
}
