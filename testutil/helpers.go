package testutil

import (
	"testing"
	"time"
)

// DefaultWait bounds Eventually when no timeout is given.
const DefaultWait = 2 * time.Second

// Eventually polls cond every few milliseconds until it holds or timeout
// expires, then fails the test with msg.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	if timeout <= 0 {
		timeout = DefaultWait
	}
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Never fails the test if cond becomes true within d.
func Never(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("condition unexpectedly met: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Payload creates deterministic test data tagged with seq in its first
// two bytes so receivers can check ordering.
func Payload(seq, size int) []byte {
	if size < 2 {
		size = 2
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*17 + 11 + seq) % 256)
	}
	data[0] = byte(seq >> 8)
	data[1] = byte(seq)
	return data
}

// Seq returns the sequence number stored by Payload.
func Seq(p []byte) int {
	if len(p) < 2 {
		return -1
	}
	return int(p[0])<<8 | int(p[1])
}

// AssertNoError fails if error is not nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertBytesEqual compares byte slices
func AssertBytesEqual(t *testing.T, got, want []byte, msg string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s: length mismatch: got %d, want %d", msg, len(got), len(want))
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("%s: mismatch at index %d: got %d, want %d", msg, i, got[i], want[i])
			return
		}
	}
}
