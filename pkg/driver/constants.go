package driver

import "fmt"

// Descriptor field sentinels
const (
	// ChecksumGood is the completion checksum value the hardware writes when
	// it verified the L3/L4 checksum.
	ChecksumGood = 0xffff

	// NetIDAny matches every network id in a NIC filter.
	NetIDAny = -1

	// DefaultRxBufferSize is the payload room of one receive buffer.
	DefaultRxBufferSize = 1600
	// RxBufferReserve is the headroom kept in front of every receive payload.
	RxBufferReserve = 64
)

// EndpointID identifies one logical peripheral attached to the IPA core.
// The set is closed; the endpoint table is an array indexed by it.
type EndpointID uint8

const (
	EPUSB EndpointID = iota
	EPWifi
	EPPcie
	EPWiap
	EPAP
	EPCP
	EndpointMax
)

var endpointNames = [...]string{
	EPUSB:  "usb",
	EPWifi: "wifi",
	EPPcie: "pcie",
	EPWiap: "wiap",
	EPAP:   "ap",
	EPCP:   "cp",
}

func (id EndpointID) String() string {
	if id < EndpointMax {
		return endpointNames[id]
	}
	return fmt.Sprintf("endpoint(%d)", uint8(id))
}

// Valid reports whether id names a table slot.
func (id EndpointID) Valid() bool {
	return id < EndpointMax
}

// Term is a source or destination terminal id carried in a descriptor.
type Term uint8

const (
	// TermNone is the unset source; a completion carrying it is torn.
	TermNone Term = iota
	TermUSB
	TermAP
	TermCP0
	TermCP1
	TermVCP
	TermWifi
	TermPcie0
	TermVAP0
	TermVAP1
	TermVAP2
	TermMax
)

var termNames = [...]string{
	TermNone:  "none",
	TermUSB:   "usb",
	TermAP:    "ap",
	TermCP0:   "cp0",
	TermCP1:   "cp1",
	TermVCP:   "vcp",
	TermWifi:  "wifi",
	TermPcie0: "pcie0",
	TermVAP0:  "vap0",
	TermVAP1:  "vap1",
	TermVAP2:  "vap2",
}

func (t Term) String() string {
	if t < TermMax {
		return termNames[t]
	}
	return fmt.Sprintf("term(%d)", uint8(t))
}

// TermMask is a set of terminals.
type TermMask uint32

// MaskOf builds a mask from terms.
func MaskOf(terms ...Term) TermMask {
	var m TermMask
	for _, t := range terms {
		m |= 1 << t
	}
	return m
}

// Has reports whether t is in the mask.
func (m TermMask) Has(t Term) bool {
	return t < TermMax && m&(1<<t) != 0
}

// CPTerms is every terminal reached through the modem.
var CPTerms = MaskOf(TermVAP0, TermVAP1, TermVAP2, TermCP0, TermCP1, TermVCP)

// FifoID indexes the common FIFO pairs of the platform.
type FifoID uint8

const (
	FifoUSBUL FifoID = iota
	FifoUSBDL
	FifoWifiUL
	FifoWifiDL
	FifoPcieUL
	FifoPcieDL
	FifoWiapUL
	FifoWiapDL
	FifoMapIn
	FifoMap0Out
	FifoMap1Out
	FifoMap2Out
	FifoMap3Out
	FifoMax
)

var fifoNames = [...]string{
	FifoUSBUL:   "usb-ul",
	FifoUSBDL:   "usb-dl",
	FifoWifiUL:  "wifi-ul",
	FifoWifiDL:  "wifi-dl",
	FifoPcieUL:  "pcie-ul",
	FifoPcieDL:  "pcie-dl",
	FifoWiapUL:  "wiap-ul",
	FifoWiapDL:  "wiap-dl",
	FifoMapIn:   "map-in",
	FifoMap0Out: "map0-out",
	FifoMap1Out: "map1-out",
	FifoMap2Out: "map2-out",
	FifoMap3Out: "map3-out",
}

func (f FifoID) String() string {
	if f < FifoMax {
		return fifoNames[f]
	}
	return fmt.Sprintf("fifo(%d)", uint8(f))
}

// NicID identifies a logical network interface multiplexed over the AP
// endpoint.
type NicID uint8

const (
	NicUSB NicID = iota
	NicWifi
	NicWWAN0
	NicWWAN1
	NicWWAN2
	NicWWAN3
	NicWWAN4
	NicWWAN5
	NicWWAN6
	NicWWAN7
	NicMax
)

func (n NicID) String() string {
	switch {
	case n == NicUSB:
		return "usb"
	case n == NicWifi:
		return "wifi"
	case n >= NicWWAN0 && n <= NicWWAN7:
		return fmt.Sprintf("wwan%d", n-NicWWAN0)
	default:
		return fmt.Sprintf("nic(%d)", uint8(n))
	}
}

// PacketType is a traffic class; each class has its own sender pool.
type PacketType uint8

const (
	PacketIP PacketType = iota
	PacketETH
	PacketTypeMax
)

func (p PacketType) String() string {
	switch p {
	case PacketIP:
		return "ip"
	case PacketETH:
		return "eth"
	default:
		return fmt.Sprintf("pkt(%d)", uint8(p))
	}
}
