//go:build unit

package driver

import (
	"testing"
)

func TestEndpointNames(t *testing.T) {
	tests := []struct {
		id       EndpointID
		expected string
	}{
		{EPUSB, "usb"},
		{EPWifi, "wifi"},
		{EPPcie, "pcie"},
		{EPWiap, "wiap"},
		{EPAP, "ap"},
		{EPCP, "cp"},
		{EndpointMax, "endpoint(6)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.id.String() != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, tt.id.String())
			}
		})
	}
	if EndpointMax.Valid() {
		t.Error("EndpointMax must not be a valid slot")
	}
}

func TestTermMask(t *testing.T) {
	m := MaskOf(TermUSB, TermWifi)
	if !m.Has(TermUSB) || !m.Has(TermWifi) {
		t.Errorf("mask %#x missing members", m)
	}
	if m.Has(TermAP) {
		t.Errorf("mask %#x unexpectedly has ap", m)
	}
	if m.Has(TermMax) {
		t.Error("mask must reject out of range terms")
	}
}

func TestCPTerms(t *testing.T) {
	for _, term := range []Term{TermVAP0, TermVAP1, TermVAP2, TermCP0, TermCP1, TermVCP} {
		if !CPTerms.Has(term) {
			t.Errorf("CPTerms missing %s", term)
		}
	}
	for _, term := range []Term{TermUSB, TermWifi, TermAP, TermPcie0} {
		if CPTerms.Has(term) {
			t.Errorf("CPTerms must not contain %s", term)
		}
	}
}

func TestNicNames(t *testing.T) {
	tests := []struct {
		id       NicID
		expected string
	}{
		{NicUSB, "usb"},
		{NicWifi, "wifi"},
		{NicWWAN0, "wwan0"},
		{NicWWAN7, "wwan7"},
		{NicMax, "nic(10)"},
	}

	for _, tt := range tests {
		if tt.id.String() != tt.expected {
			t.Errorf("expected '%s', got '%s'", tt.expected, tt.id.String())
		}
	}
}

func TestFifoNames(t *testing.T) {
	for f := FifoID(0); f < FifoMax; f++ {
		if f.String() == "" {
			t.Errorf("fifo %d has no name", f)
		}
	}
	if FifoMax.String() != "fifo(13)" {
		t.Errorf("unexpected name %q", FifoMax.String())
	}
}
