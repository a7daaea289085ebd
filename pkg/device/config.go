package device

import (
	"fmt"
	"time"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/endpoint"
	"github.com/emergingrobotics/go-ipa/pkg/nic"
	"github.com/emergingrobotics/go-ipa/pkg/power"
	"github.com/emergingrobotics/go-ipa/pkg/rm"
	"github.com/emergingrobotics/go-ipa/pkg/sched"
	"github.com/emergingrobotics/go-ipa/pkg/xfer"
)

// Config sizes and tunes a Device.
type Config struct {
	// RxDepth is the ring depth of every receive queue.
	RxDepth int
	// TxDepth is the ring depth of the transmit FIFO.
	TxDepth  int
	RxQueues int
	// RxBufSize is the payload room of a receive buffer.
	RxBufSize int
	// Headroom is reserved in front of every received payload.
	Headroom int
	// SenderPool is the number of in-flight transmit buffers per class.
	SenderPool    int
	NicQueueLimit int
	DesyncRetry   int

	// SuspendRetry debounces failed suspend attempts, backing off to
	// SuspendRetryMax.
	SuspendRetry    time.Duration
	SuspendRetryMax time.Duration
	// ReleaseDelay debounces producer release in the resource manager.
	ReleaseDelay time.Duration
	// RequestTimeout bounds synchronous resource requests.
	RequestTimeout time.Duration
	// WWANIdle releases the WWAN uplink consumer after this long without
	// transmit.
	WWANIdle time.Duration

	SchedInterval time.Duration
	HighWater     uint64
	LowWater      uint64

	// Pin binds receive workers to the scheduler's CPUs.
	Pin bool
	// Retained lists the FIFOs living in retainable memory.
	Retained []driver.FifoID
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		RxDepth:         256,
		TxDepth:         256,
		RxQueues:        2,
		RxBufSize:       driver.DefaultRxBufferSize,
		Headroom:        driver.RxBufferReserve,
		SenderPool:      128,
		NicQueueLimit:   nic.DefaultQueueLimit,
		DesyncRetry:     xfer.DefaultDesyncRetry,
		SuspendRetry:    power.DefaultWorkerConfig().RetryMin,
		SuspendRetryMax: power.DefaultWorkerConfig().RetryMax,
		ReleaseDelay:    rm.DefaultConfig().ReleaseDelay,
		RequestTimeout:  rm.DefaultConfig().Timeout,
		WWANIdle:        2 * time.Second,
		SchedInterval:   sched.DefaultInterval,
		HighWater:       sched.DefaultHigh,
		LowWater:        sched.DefaultLow,
		Retained:        append([]driver.FifoID(nil), endpoint.DefaultRetained...),
	}
}

func powerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func invalid(format string, args ...any) error {
	return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf(format, args...))
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case !powerOfTwo(c.RxDepth):
		return invalid("rx depth %d is not a power of two", c.RxDepth)
	case !powerOfTwo(c.TxDepth):
		return invalid("tx depth %d is not a power of two", c.TxDepth)
	case c.RxQueues < 1 || c.RxQueues > len(endpoint.ReceiveQueues):
		return invalid("rx queues %d outside 1..%d", c.RxQueues, len(endpoint.ReceiveQueues))
	case c.RxBufSize <= 0:
		return invalid("rx buffer size %d", c.RxBufSize)
	case c.Headroom < 0:
		return invalid("headroom %d", c.Headroom)
	case c.SenderPool <= 0:
		return invalid("sender pool %d", c.SenderPool)
	case c.SuspendRetry <= 0:
		return invalid("suspend retry %v", c.SuspendRetry)
	case c.RequestTimeout <= 0:
		return invalid("request timeout %v", c.RequestTimeout)
	case c.WWANIdle <= 0:
		return invalid("wwan idle %v", c.WWANIdle)
	case c.LowWater >= c.HighWater:
		return invalid("low water %d not below high water %d", c.LowWater, c.HighWater)
	}
	for _, f := range c.Retained {
		if f >= driver.FifoMax {
			return invalid("retained fifo %d", f)
		}
	}
	return nil
}

func (c Config) retained() map[driver.FifoID]bool {
	set := make(map[driver.FifoID]bool, len(c.Retained))
	for _, f := range c.Retained {
		set[f] = true
	}
	return set
}

// arenaSlots is the buffer count the data path can hold at once.
func (c Config) arenaSlots() int {
	return c.RxQueues*c.RxDepth + int(driver.PacketTypeMax)*c.SenderPool
}
