package device

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/power"
)

// stages returns the suspend sequence in prepare order.
func (d *Device) stages() []power.Stage {
	return []power.Stage{
		power.StageFunc{StageBit: power.BitEndpoints, StageName: "endpoints",
			PrepareFn: d.parkEndpoints, UndoFn: d.resumeEndpoints},
		power.StageFunc{StageBit: power.BitThreads, StageName: "threads",
			PrepareFn: d.parkThreads, UndoFn: d.resumeThreads},
		power.StageFunc{StageBit: power.BitBackup, StageName: "backup",
			PrepareFn: d.backupRings, UndoFn: d.restoreRings},
		power.StageFunc{StageBit: power.BitAction, StageName: "action",
			PrepareFn: func(context.Context) error { return d.hal.SetAction(false) },
			UndoFn:    func() error { return d.hal.SetAction(true) }},
		power.StageFunc{StageBit: power.BitEnable, StageName: "enable",
			PrepareFn: d.parkEnable, UndoFn: d.resumeEnable},
		power.StageFunc{StageBit: power.BitForce, StageName: "force",
			PrepareFn: func(context.Context) error { return d.pd.RuntimePut() },
			UndoFn:    d.pd.RuntimeGet},
	}
}

// parkEndpoints stops receive on every connected peripheral once the
// interfaces have nothing queued. Endpoints already stopped are re-armed
// when a later one is not drained.
func (d *Device) parkEndpoints(ctx context.Context) error {
	if err := d.nics.CheckSuspend(); err != nil {
		return err
	}
	ids := d.eps.Connected()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			d.rearm(ids[:i])
			return err
		}
		if err := d.eps.PrepareSuspend(id); err != nil {
			d.rearm(ids[:i])
			return driver.NewErrorWithCause(driver.StatusAgain, fmt.Sprintf("endpoint %s busy", id), err)
		}
	}
	return nil
}

func (d *Device) rearm(ids []driver.EndpointID) {
	for _, id := range ids {
		if err := d.eps.Resume(id); err != nil {
			d.log.Warn("endpoint re-arm failed", "endpoint", id.String(), "error", err)
		}
	}
}

func (d *Device) resumeEndpoints() error {
	var err error
	for _, id := range d.eps.Connected() {
		err = multierr.Append(err, d.eps.Resume(id))
	}
	return err
}

func (d *Device) parkThreads(context.Context) error {
	if err := d.send.PrepareSuspend(); err != nil {
		return err
	}
	if err := d.recv.PrepareSuspend(); err != nil {
		d.send.Resume()
		return err
	}
	return nil
}

func (d *Device) resumeThreads() error {
	if err := d.recv.Resume(); err != nil {
		return err
	}
	return d.send.Resume()
}

// retainedOpen lists the retained FIFOs that have been opened.
func (d *Device) retainedOpen() []driver.FifoID {
	var out []driver.FifoID
	if d.recv.Opened() {
		for _, f := range d.recv.Fifos() {
			if d.retained[f] {
				out = append(out, f)
			}
		}
	}
	if d.send.Opened() && d.retained[sendFifo] {
		out = append(out, sendFifo)
	}
	return out
}

func (d *Device) backupRings(context.Context) error {
	var err error
	for _, f := range d.retainedOpen() {
		err = multierr.Append(err, d.hal.Backup(f))
	}
	return err
}

func (d *Device) restoreRings() error {
	var err error
	for _, f := range d.retainedOpen() {
		err = multierr.Append(err, d.hal.Restore(f))
	}
	return err
}

// parkEnable moves receive back to the baseline placement and drops the
// accelerator enable while peripherals still hold references to it.
func (d *Device) parkEnable(context.Context) error {
	d.sched.Stop()
	if err := d.sched.Baseline(); err != nil {
		return err
	}

	d.enMu.Lock()
	defer d.enMu.Unlock()
	if d.enabled > 0 {
		if err := d.hal.SetAcceleratorEnabled(false); err != nil {
			return err
		}
	}
	d.enParked = true
	return nil
}

func (d *Device) resumeEnable() error {
	d.enMu.Lock()
	defer d.enMu.Unlock()
	if d.enabled > 0 {
		if err := d.hal.SetAcceleratorEnabled(true); err != nil {
			return err
		}
	}
	d.enParked = false
	return nil
}

// SetEnabled adjusts the accelerator enable refcount. The hardware bit
// follows the 0/1 edges unless the enable stage is suspended, in which
// case resume applies it.
func (d *Device) SetEnabled(on bool) error {
	d.enMu.Lock()
	defer d.enMu.Unlock()

	if on {
		if d.enabled == 0 && !d.enParked {
			if err := d.hal.SetAcceleratorEnabled(true); err != nil {
				return err
			}
		}
		d.enabled++
		return nil
	}
	if d.enabled == 0 {
		return ErrEnableCount
	}
	if d.enabled == 1 && !d.enParked {
		if err := d.hal.SetAcceleratorEnabled(false); err != nil {
			return err
		}
	}
	d.enabled--
	return nil
}

// Enabled returns the enable refcount.
func (d *Device) Enabled() int {
	d.enMu.Lock()
	defer d.enMu.Unlock()
	return d.enabled
}

// resumeForPeripheral undoes the stages a connecting peripheral needs
// while the accelerator is still powered.
func (d *Device) resumeForPeripheral() error {
	if d.machine.IsSet(power.BitForce | power.BitEnable) {
		return ErrPoweredDown
	}
	return d.machine.ResumePartial(power.BitBackup | power.BitThreads | power.BitAction)
}
