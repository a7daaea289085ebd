//go:build unit

package driver

import (
	"strings"
	"testing"
)

func TestChecksumMapping(t *testing.T) {
	tests := []struct {
		name     string
		checksum uint16
		expected ChecksumState
	}{
		{"all ones", 0xffff, ChecksumVerified},
		{"zero", 0, ChecksumNone},
		{"other", 0x1234, ChecksumNone},
		{"almost", 0xfffe, ChecksumNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Descriptor{Checksum: tt.checksum}
			if got := ChecksumOf(d); got != tt.expected {
				t.Errorf("ChecksumOf(%#x) = %v, expected %v", tt.checksum, got, tt.expected)
			}
		})
	}
}

func TestDescriptorString(t *testing.T) {
	d := Descriptor{Address: 0x1000, Length: 64, Src: TermUSB, Dst: TermAP, NetID: -1}
	s := d.String()
	for _, want := range []string{"addr=0x1000", "len=64", "src=usb", "dst=ap", "netid=-1"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
