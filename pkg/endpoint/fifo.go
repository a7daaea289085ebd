package endpoint

import "github.com/emergingrobotics/go-ipa/pkg/driver"

// FifoInfo is the static description of one common FIFO.
type FifoInfo struct {
	Name     string
	Endpoint driver.EndpointID
	Src      driver.Term
	Dst      driver.Term
	// ToIPA is set for FIFOs carrying traffic from the peer into the
	// accelerator; those are the send FIFOs of their endpoint.
	ToIPA bool
}

// Fifos is the platform FIFO table.
var Fifos = [driver.FifoMax]FifoInfo{
	driver.FifoUSBUL:   {"usb-ul", driver.EPUSB, driver.TermUSB, driver.TermAP, true},
	driver.FifoUSBDL:   {"usb-dl", driver.EPUSB, driver.TermUSB, driver.TermAP, false},
	driver.FifoWifiUL:  {"wifi-ul", driver.EPWifi, driver.TermWifi, driver.TermAP, true},
	driver.FifoWifiDL:  {"wifi-dl", driver.EPWifi, driver.TermWifi, driver.TermAP, false},
	driver.FifoPcieUL:  {"pcie-ul", driver.EPPcie, driver.TermPcie0, driver.TermVCP, true},
	driver.FifoPcieDL:  {"pcie-dl", driver.EPPcie, driver.TermPcie0, driver.TermVCP, false},
	driver.FifoWiapUL:  {"wiap-ul", driver.EPWiap, driver.TermVAP0, driver.TermAP, true},
	driver.FifoWiapDL:  {"wiap-dl", driver.EPWiap, driver.TermVAP0, driver.TermAP, false},
	driver.FifoMapIn:   {"map-in", driver.EPAP, driver.TermAP, driver.TermVCP, true},
	driver.FifoMap0Out: {"map0-out", driver.EPAP, driver.TermVCP, driver.TermAP, false},
	driver.FifoMap1Out: {"map1-out", driver.EPAP, driver.TermVCP, driver.TermAP, false},
	driver.FifoMap2Out: {"map2-out", driver.EPAP, driver.TermVCP, driver.TermAP, false},
	driver.FifoMap3Out: {"map3-out", driver.EPAP, driver.TermVCP, driver.TermAP, false},
}

// ReceiveQueues lists the receive FIFOs of the AP endpoint, one per queue.
var ReceiveQueues = []driver.FifoID{
	driver.FifoMap0Out, driver.FifoMap1Out, driver.FifoMap2Out, driver.FifoMap3Out,
}

// DefaultRetained is the set of FIFOs placed in retainable memory.
var DefaultRetained = []driver.FifoID{
	driver.FifoMapIn,
	driver.FifoMap0Out, driver.FifoMap1Out, driver.FifoMap2Out, driver.FifoMap3Out,
}

// pair returns the first send and receive FIFO of an endpoint.
func pair(id driver.EndpointID) (send, recv driver.FifoID, ok bool) {
	send, recv = driver.FifoMax, driver.FifoMax
	for i, info := range Fifos {
		if info.Endpoint != id {
			continue
		}
		f := driver.FifoID(i)
		if info.ToIPA && send == driver.FifoMax {
			send = f
		}
		if !info.ToIPA && recv == driver.FifoMax {
			recv = f
		}
	}
	return send, recv, send != driver.FifoMax && recv != driver.FifoMax
}
