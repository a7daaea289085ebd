package driver

import "fmt"

// Descriptor is one common FIFO descriptor. Software writes it into the
// free and transmit rings; the hardware writes it into the completion rings.
// Ownership of the buffer at Address belongs to the hardware until the
// matching completion is popped.
type Descriptor struct {
	Address  uint64
	Length   uint32
	Offset   uint16
	Src      Term
	Dst      Term
	NetID    int8
	Checksum uint16
	ErrCode  uint8
	// Hash selects the receive queue in multi-queue mode.
	Hash uint32
}

// ChecksumVerified reports whether the hardware verified the checksum.
// Any other value means "not verified", never "bad".
func (d Descriptor) ChecksumVerified() bool {
	return d.Checksum == ChecksumGood
}

func (d Descriptor) String() string {
	return fmt.Sprintf("desc{addr=%#x len=%d off=%d src=%s dst=%s netid=%d csum=%#04x err=%d}",
		d.Address, d.Length, d.Offset, d.Src, d.Dst, d.NetID, d.Checksum, d.ErrCode)
}

// ChecksumState is the receive checksum offload result handed upward.
type ChecksumState uint8

const (
	ChecksumNone ChecksumState = iota
	ChecksumVerified
)

func (c ChecksumState) String() string {
	if c == ChecksumVerified {
		return "verified"
	}
	return "none"
}

// ChecksumOf maps a completion to the state reported upward.
func ChecksumOf(d Descriptor) ChecksumState {
	if d.ChecksumVerified() {
		return ChecksumVerified
	}
	return ChecksumNone
}

// PacketMeta describes a received payload.
type PacketMeta struct {
	Src      Term
	NetID    int
	Checksum ChecksumState
	Queue    int
}
