// Package device assembles the IPA core control plane on top of a hal: the
// endpoint table, the AP data path, the network interfaces, the resource
// graph, the suspend state machine and the placement scheduler.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/multierr"

	"github.com/emergingrobotics/go-ipa/pkg/buffer"
	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/endpoint"
	"github.com/emergingrobotics/go-ipa/pkg/hal"
	"github.com/emergingrobotics/go-ipa/pkg/logging"
	"github.com/emergingrobotics/go-ipa/pkg/nic"
	"github.com/emergingrobotics/go-ipa/pkg/power"
	"github.com/emergingrobotics/go-ipa/pkg/rm"
	"github.com/emergingrobotics/go-ipa/pkg/sched"
	"github.com/emergingrobotics/go-ipa/pkg/xfer"
)

// Resource names registered with the resource manager.
const (
	ProdIPA    = "prod-ipa"
	ConsWWANUL = nic.ConsumerWWANUL
	ConsWWANDL = "wwan-dl"
	ConsUSB    = nic.ConsumerUSB
	ConsWifiUL = nic.ConsumerWifiUL
	ConsWifiDL = "wifi-dl"
)

// Consumers lists every consumer created at attach.
var Consumers = []string{ConsWWANUL, ConsWWANDL, ConsUSB, ConsWifiUL, ConsWifiDL}

const sendFifo = driver.FifoMapIn

// Device is one attached IPA core.
type Device struct {
	id       uuid.UUID
	cfg      Config
	hal      hal.Hal
	pd       hal.PowerDomain
	log      *slog.Logger
	retained map[driver.FifoID]bool

	arena   *buffer.Arena
	eps     *endpoint.Table
	recv    *xfer.Receiver
	send    *xfer.Sender
	nics    *nic.Dispatcher
	rm      *rm.Manager
	wwan    *rm.InactivityTimer
	machine *power.Machine
	worker  *power.Worker
	sched   *sched.Scheduler
	steer   *sched.Steerer

	enMu     sync.Mutex
	enabled  int
	enParked bool

	mu       sync.Mutex
	detached bool
}

func componentLogger(c logging.Component, id uuid.UUID) *slog.Logger {
	return logging.For(c).With("device", id.String())
}

// Attach builds a device over h and pd. The device starts fully suspended;
// requesting ProdIPA, directly or through a consumer, powers it up.
func Attach(h hal.Hal, pd hal.PowerDomain, cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewV4()
	d := &Device{
		id:       id,
		cfg:      cfg,
		hal:      h,
		pd:       pd,
		log:      componentLogger(logging.ComponentDevice, id),
		retained: cfg.retained(),
		enParked: true,
	}

	arena, err := buffer.NewArena(cfg.arenaSlots(), cfg.Headroom+cfg.RxBufSize, buffer.DefaultIOVABase)
	if err != nil {
		return nil, fmt.Errorf("dma arena: %w", err)
	}
	d.arena = arena
	if b, ok := h.(hal.MemoryBinder); ok {
		b.BindMemory(arena)
	}

	d.send, err = xfer.NewSender(h, arena, xfer.SenderConfig{
		Fifo:     sendFifo,
		Depth:    cfg.TxDepth,
		Retained: d.retained[sendFifo],
		PoolSize: cfg.SenderPool,
	})
	if err != nil {
		arena.Close()
		return nil, err
	}
	d.send.SetLogger(componentLogger(logging.ComponentSend, id))

	d.nics = nic.NewDispatcher(d.send, cfg.NicQueueLimit)
	d.nics.SetLogger(componentLogger(logging.ComponentNIC, id))
	d.send.AddFlowListener(d.nics)

	d.recv, err = xfer.NewReceiver(h, arena, d.nics, xfer.ReceiverConfig{
		Fifos:       endpoint.ReceiveQueues[:cfg.RxQueues],
		Depth:       cfg.RxDepth,
		BufSize:     cfg.RxBufSize,
		Headroom:    cfg.Headroom,
		DesyncRetry: cfg.DesyncRetry,
		Retained:    d.retained,
		Pin:         cfg.Pin,
	})
	if err != nil {
		d.send.Close()
		arena.Close()
		return nil, err
	}
	d.recv.SetLogger(componentLogger(logging.ComponentRecv, id))

	d.eps = endpoint.NewTable(h, d, endpoint.Hooks{
		Parked:        func() bool { return d.machine.IsSet(power.BitEndpoints) },
		ResumePartial: d.resumeForPeripheral,
	})
	d.eps.SetLogger(componentLogger(logging.ComponentEndpoint, id))

	d.machine, err = power.NewMachine(d.stages(), power.BitAll)
	if err != nil {
		d.send.Close()
		arena.Close()
		return nil, err
	}
	d.machine.SetLogger(componentLogger(logging.ComponentPower, id))
	d.worker = power.NewWorker(d.machine, power.WorkerConfig{
		RetryMin:  cfg.SuspendRetry,
		RetryMax:  cfg.SuspendRetryMax,
		OnResumed: d.onResumed,
	})

	d.rm = rm.NewManager(rm.Config{Timeout: cfg.RequestTimeout, ReleaseDelay: cfg.ReleaseDelay})
	d.rm.SetLogger(componentLogger(logging.ComponentRM, id))
	if err := d.createResources(); err != nil {
		d.send.Close()
		arena.Close()
		return nil, err
	}
	d.wwan = d.rm.InactivityTimer(ConsWWANUL, cfg.WWANIdle)

	d.steer = sched.NewSteerer(d.recv)
	irqs := make([]int, cfg.RxQueues)
	for i := range irqs {
		irqs[i] = i
	}
	d.sched, err = sched.New(h, d.nics, func() bool { return d.rm.IsGranted(ProdIPA) }, d.steer, sched.Config{
		Interval: cfg.SchedInterval,
		High:     cfg.HighWater,
		Low:      cfg.LowWater,
		Irqs:     irqs,
	})
	if err != nil {
		d.send.Close()
		arena.Close()
		return nil, err
	}
	d.sched.SetLogger(componentLogger(logging.ComponentSched, id))

	d.recv.Start()
	d.send.Start()
	d.steer.Start()
	d.worker.Start()

	d.log.Info("attached", "rx_queues", cfg.RxQueues, "arena_slots", arena.Capacity())
	return d, nil
}

func (d *Device) createResources() error {
	err := d.rm.Create(rm.CreateParams{
		Name: ProdIPA,
		Kind: rm.Producer,
		Request: func() error {
			d.worker.Request()
			return driver.ErrInProgress
		},
		Release: func() error {
			d.worker.Release()
			return nil
		},
	})
	if err != nil {
		return err
	}
	for _, name := range Consumers {
		if err := d.rm.Create(rm.CreateParams{Name: name, Kind: rm.Consumer}); err != nil {
			return err
		}
		if err := d.rm.AddDependency(name, ProdIPA); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) onResumed() {
	if err := d.rm.NotifyCompletion(rm.EventGranted, ProdIPA); err != nil {
		d.log.Warn("grant completion rejected", "error", err)
	}
	d.sched.Start()
}

// Detach stops every worker, closes the data path and drops the runtime
// power reference if it is held. Every step runs; the errors are combined.
func (d *Device) Detach() error {
	d.mu.Lock()
	if d.detached {
		d.mu.Unlock()
		return ErrDetached
	}
	d.detached = true
	d.mu.Unlock()

	d.wwan.Stop()
	d.worker.Stop()
	d.sched.Stop()
	d.steer.Stop()
	d.recv.Stop()
	d.send.Stop()

	var err error
	if !d.machine.IsSet(power.BitForce) {
		if d.recv.Opened() {
			for _, f := range d.recv.Fifos() {
				err = multierr.Append(err, d.hal.Close(f))
			}
		}
		if d.send.Opened() {
			err = multierr.Append(err, d.hal.Close(sendFifo))
		}
		err = multierr.Append(err, d.pd.RuntimePut())
	}
	d.send.Close()
	err = multierr.Append(err, d.arena.Close())

	d.log.Info("detached", "error", err)
	return err
}

func (d *Device) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detached {
		return ErrDetached
	}
	return nil
}

// ID returns the instance id.
func (d *Device) ID() string {
	return d.id.String()
}

// Config returns the configuration the device was attached with.
func (d *Device) Config() Config {
	return d.cfg
}

// PowerOn requests ProdIPA and waits for the grant.
func (d *Device) PowerOn(ctx context.Context) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.rm.RequestSync(ctx, ProdIPA)
}

// PowerOff drops a PowerOn reference.
func (d *Device) PowerOff() error {
	if err := d.check(); err != nil {
		return err
	}
	return d.rm.Release(ProdIPA)
}

// EndpointConnect attaches a peripheral.
func (d *Device) EndpointConnect(id driver.EndpointID, p endpoint.ConnectParams) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.eps.Connect(id, p)
}

// EndpointDisconnect runs one stage of a peripheral detach.
func (d *Device) EndpointDisconnect(id driver.EndpointID, stage endpoint.Stage) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.eps.Disconnect(id, stage)
}

// OpenPcie creates the PCIe endpoint.
func (d *Device) OpenPcie(p endpoint.PcieParams) error {
	if err := d.check(); err != nil {
		return err
	}
	if d.machine.IsSet(power.BitForce | power.BitEnable) {
		return ErrPoweredDown
	}
	return d.eps.OpenPcie(p)
}

// NicOpen opens a network interface.
func (d *Device) NicOpen(id driver.NicID, cb nic.Callback) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.nics.Open(id, cb)
}

// NicOpenBySource opens the interface serving src and netid.
func (d *Device) NicOpenBySource(src driver.Term, netid int, cb nic.Callback) (driver.NicID, error) {
	if err := d.check(); err != nil {
		return driver.NicMax, err
	}
	return d.nics.OpenBySource(src, netid, cb)
}

// NicClose closes a network interface.
func (d *Device) NicClose(id driver.NicID) {
	d.nics.Close(id)
}

// NicTx transmits on an interface. WWAN uplink traffic keeps its consumer
// held until it has been idle for Config.WWANIdle.
func (d *Device) NicTx(id driver.NicID, dst driver.Term, netid int, payload []byte) error {
	if err := d.check(); err != nil {
		return err
	}
	if nic.Consumer(id) == ConsWWANUL {
		if err := d.wwan.Touch(); err != nil {
			return err
		}
	}
	return d.nics.Tx(id, dst, netid, payload)
}

// NicRx dequeues a received payload.
func (d *Device) NicRx(id driver.NicID) ([]byte, *driver.PacketMeta, error) {
	return d.nics.Rx(id)
}

// NicHasData reports whether an interface has queued payloads.
func (d *Device) NicHasData(id driver.NicID) bool {
	return d.nics.HasData(id)
}

// Endpoints returns the endpoint table.
func (d *Device) Endpoints() *endpoint.Table { return d.eps }

// Nics returns the interface dispatcher.
func (d *Device) Nics() *nic.Dispatcher { return d.nics }

// RM returns the resource manager.
func (d *Device) RM() *rm.Manager { return d.rm }

// Machine returns the suspend state machine.
func (d *Device) Machine() *power.Machine { return d.machine }

// Worker returns the power worker.
func (d *Device) Worker() *power.Worker { return d.worker }

// Scheduler returns the placement scheduler.
func (d *Device) Scheduler() *sched.Scheduler { return d.sched }

// Receiver returns the AP receive path.
func (d *Device) Receiver() *xfer.Receiver { return d.recv }

// Sender returns the AP send path.
func (d *Device) Sender() *xfer.Sender { return d.send }
