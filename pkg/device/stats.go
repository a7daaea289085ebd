package device

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/endpoint"
	"github.com/emergingrobotics/go-ipa/pkg/nic"
	"github.com/emergingrobotics/go-ipa/pkg/power"
	"github.com/emergingrobotics/go-ipa/pkg/rm"
	"github.com/emergingrobotics/go-ipa/pkg/sched"
	"github.com/emergingrobotics/go-ipa/pkg/xfer"
)

// Stats is a point-in-time snapshot of the device counters.
type Stats struct {
	ID        string
	Mask      power.Bit
	Enabled   int
	Power     power.Stats
	Receiver  xfer.ReceiverStats
	Sender    xfer.SenderStats
	Nic       nic.Stats
	Sched     sched.Stats
	Endpoints []endpoint.State
	Resources []rm.ResourceInfo
}

// Stats collects a snapshot.
func (d *Device) Stats() Stats {
	return Stats{
		ID:        d.id.String(),
		Mask:      d.machine.Mask(),
		Enabled:   d.Enabled(),
		Power:     d.machine.Stats(),
		Receiver:  d.recv.Stats(),
		Sender:    d.send.Stats(),
		Nic:       d.nics.Stats(),
		Sched:     d.sched.Stats(),
		Endpoints: d.eps.States(),
		Resources: d.rm.Resources(),
	}
}

func anyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func (s Stats) tree() map[string]any {
	var eps []any
	for _, e := range s.Endpoints {
		if !e.Exists {
			continue
		}
		eps = append(eps, map[string]any{
			"id":        e.ID.String(),
			"connected": e.Connected,
			"suspended": e.Suspended,
		})
	}

	var nics []any
	for _, n := range s.Nic.Nics {
		if !n.Open && n.Received == 0 && n.Sent == 0 {
			continue
		}
		nics = append(nics, map[string]any{
			"id":       n.ID.String(),
			"open":     n.Open,
			"queued":   n.Queued,
			"flow":     n.Flow,
			"received": n.Received,
			"sent":     n.Sent,
			"dropped":  n.Dropped,
		})
	}

	var res []any
	for _, r := range s.Resources {
		res = append(res, map[string]any{
			"name":      r.Name,
			"kind":      r.Kind.String(),
			"state":     r.State.String(),
			"users":     r.Users,
			"producers": anyList(r.Producers),
			"consumers": anyList(r.Consumers),
		})
	}

	avail := map[string]any{}
	for class := driver.PacketType(0); class < driver.PacketTypeMax; class++ {
		avail[class.String()] = s.Sender.Available[class]
	}

	return map[string]any{
		"id":      s.ID,
		"mask":    s.Mask.String(),
		"enabled": s.Enabled,
		"power": map[string]any{
			"attempts":      s.Power.Attempts,
			"suspends":      s.Power.Suspends,
			"resumes":       s.Power.Resumes,
			"failures":      s.Power.Failures,
			"undo_failures": s.Power.UndoFailures,
		},
		"receiver": map[string]any{
			"received":     s.Receiver.Received,
			"desync":       s.Receiver.Desync,
			"resynced":     s.Receiver.Resynced,
			"orphans":      s.Receiver.Orphans,
			"rx_danger":    s.Receiver.RxDanger,
			"tx_danger":    s.Receiver.TxDanger,
			"alloc_fail":   s.Receiver.AllocFail,
			"pin_failures": s.Receiver.PinFailures,
		},
		"sender": map[string]any{
			"sent":       s.Sender.Sent,
			"completed":  s.Sender.Completed,
			"flow_enter": s.Sender.FlowEnter,
			"flow_exit":  s.Sender.FlowExit,
			"unknown":    s.Sender.Unknown,
			"in_flight":  s.Sender.InFlight,
			"available":  avail,
		},
		"nic": map[string]any{
			"unmatched":  s.Nic.Unmatched,
			"interfaces": nics,
		},
		"sched": map[string]any{
			"placement":   s.Sched.Placement.String(),
			"override":    s.Sched.Override,
			"ticks":       s.Sched.Ticks,
			"gated":       s.Sched.Gated,
			"transitions": s.Sched.Transitions,
			"failures":    s.Sched.Failures,
			"last_rate":   s.Sched.LastRate,
		},
		"endpoints": eps,
		"resources": res,
	}
}

// Proto converts the snapshot to a protobuf Struct.
func (s Stats) Proto() (*structpb.Struct, error) {
	return structpb.NewStruct(s.tree())
}

// JSON renders the snapshot as indented protobuf JSON.
func (s Stats) JSON() ([]byte, error) {
	pb, err := s.Proto()
	if err != nil {
		return nil, err
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(pb)
}
