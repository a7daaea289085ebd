// Package sched moves receive servicing between queue modes and CPU
// clusters according to the measured packet rate.
package sched

// Placement is one receive servicing policy.
type Placement int

const (
	// SingleLow runs one queue on a low power core.
	SingleLow Placement = iota
	// SingleMid runs one queue on a mid power core.
	SingleMid
	// MultiLow splits the queues across two low power cores.
	MultiLow
	// MultiMid splits the queues across two mid power cores.
	MultiMid
)

var placementNames = map[Placement]string{
	SingleLow: "single-low",
	SingleMid: "single-mid",
	MultiLow:  "multi-low",
	MultiMid:  "multi-mid",
}

func (p Placement) String() string {
	if name, ok := placementNames[p]; ok {
		return name
	}
	return "unknown"
}

// Multi reports whether the placement uses more than one queue.
func (p Placement) Multi() bool {
	return p == MultiLow || p == MultiMid
}

// Cores returns the CPUs serving the placement, one per queue.
func (p Placement) Cores() []int {
	switch p {
	case SingleMid:
		return []int{4}
	case MultiLow:
		return []int{1, 2}
	case MultiMid:
		return []int{4, 5}
	default:
		return []int{0}
	}
}

// Decide returns the placement following cur for one tick. An override
// always selects SingleLow. A rate above hi escalates one step; a rate
// below lo de-escalates one step, and only from a multi-queue placement.
func Decide(cur Placement, rate uint64, override bool, hi, lo uint64) Placement {
	if override {
		return SingleLow
	}
	if rate > hi {
		switch cur {
		case SingleLow:
			return SingleMid
		case SingleMid, MultiLow:
			return MultiMid
		}
		return cur
	}
	if rate < lo && cur.Multi() {
		if cur == MultiMid {
			return MultiLow
		}
		return SingleLow
	}
	return cur
}
