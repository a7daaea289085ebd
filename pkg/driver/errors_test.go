//go:build unit

package driver

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAllStatusCodesHaveMessages(t *testing.T) {
	statuses := []Status{
		StatusSuccess,
		StatusAgain,
		StatusInProgress,
		StatusBusy,
		StatusInvalidArgument,
		StatusNoDevice,
		StatusNoData,
		StatusDesync,
		StatusTimeout,
		StatusUnrecoverable,
		StatusClosed,
		StatusPermission,
		StatusNoMemory,
		StatusHalFailure,
	}

	for _, status := range statuses {
		msg := status.String()
		if msg == "" {
			t.Errorf("status %d has empty message", status)
		}
		if msg == fmt.Sprintf("unknown status (%d)", int(status)) {
			t.Errorf("status %d has no message", status)
		}
	}
}

func TestUnknownStatus(t *testing.T) {
	s := Status(999)
	if s.String() != "unknown status (999)" {
		t.Errorf("expected 'unknown status (999)', got '%s'", s.String())
	}
}

func TestIpaErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *IpaError
		expected string
	}{
		{
			name:     "status only",
			err:      NewError(StatusBusy, ""),
			expected: "resource busy",
		},
		{
			name:     "with context",
			err:      NewError(StatusBusy, "nic open"),
			expected: "nic open: resource busy",
		},
		{
			name:     "with cause",
			err:      NewErrorWithCause(StatusHalFailure, "", errors.New("boom")),
			expected: "hal operation failed: boom",
		},
		{
			name:     "context and cause",
			err:      NewErrorWithCause(StatusHalFailure, "fifo open", errors.New("boom")),
			expected: "fifo open: hal operation failed: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, tt.err.Error())
			}
		})
	}
}

func TestIpaErrorIs(t *testing.T) {
	err := NewError(StatusAgain, "sender ip")
	wrapped := fmt.Errorf("tx: %w", err)

	if !errors.Is(wrapped, ErrAgain) {
		t.Error("expected wrapped error to match ErrAgain")
	}
	if errors.Is(wrapped, ErrBusy) {
		t.Error("expected wrapped error not to match ErrBusy")
	}
	if errors.Is(errors.New("plain"), ErrAgain) {
		t.Error("plain error must not match a status")
	}
}

func TestIpaErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewErrorWithCause(StatusHalFailure, "restore", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
}

func TestStatusErrnoRoundTrip(t *testing.T) {
	tests := []struct {
		status Status
		errno  unix.Errno
	}{
		{StatusAgain, unix.EAGAIN},
		{StatusInProgress, unix.EINPROGRESS},
		{StatusBusy, unix.EBUSY},
		{StatusInvalidArgument, unix.EINVAL},
		{StatusNoDevice, unix.ENODEV},
		{StatusNoData, unix.ENODATA},
		{StatusTimeout, unix.ETIMEDOUT},
		{StatusPermission, unix.EPERM},
		{StatusNoMemory, unix.ENOMEM},
		{StatusClosed, unix.ESHUTDOWN},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.Errno(); got != tt.errno {
				t.Errorf("Errno() = %v, expected %v", got, tt.errno)
			}
			if got := ErrnoToStatus(tt.errno); got != tt.status {
				t.Errorf("ErrnoToStatus(%v) = %v, expected %v", tt.errno, got, tt.status)
			}
		})
	}
}

func TestUnmappedErrno(t *testing.T) {
	if got := ErrnoToStatus(unix.EXDEV); got != StatusHalFailure {
		t.Errorf("expected StatusHalFailure, got %v", got)
	}
	if got := StatusDesync.Errno(); got != unix.EIO {
		t.Errorf("expected EIO for desync, got %v", got)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Status
	}{
		{"nil", nil, StatusSuccess},
		{"ipa error", fmt.Errorf("x: %w", ErrNoData), StatusNoData},
		{"errno", fmt.Errorf("ioctl: %w", unix.EBUSY), StatusBusy},
		{"foreign", errors.New("other"), StatusHalFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.expected {
				t.Errorf("StatusOf() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestStatusFromErrno(t *testing.T) {
	err := StatusFromErrno(unix.EAGAIN, "push tx")
	if err.Status != StatusAgain {
		t.Errorf("expected StatusAgain, got %v", err.Status)
	}
	if !errors.Is(err, unix.EAGAIN) {
		t.Error("expected cause to be the errno")
	}
	if !StatusAgain.Transient() || !StatusInProgress.Transient() || StatusBusy.Transient() {
		t.Error("unexpected Transient classification")
	}
}
