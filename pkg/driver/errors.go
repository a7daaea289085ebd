package driver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status represents an IPA core operation status code
type Status int

// IPA status codes. Transient codes (Again, InProgress) ask the caller to
// retry or wait; configuration codes (Busy, InvalidArgument) are caller bugs.
const (
	StatusSuccess         Status = 0
	StatusAgain           Status = 1
	StatusInProgress      Status = 2
	StatusBusy            Status = 3
	StatusInvalidArgument Status = 4
	StatusNoDevice        Status = 5
	StatusNoData          Status = 6
	StatusDesync          Status = 7
	StatusTimeout         Status = 8
	StatusUnrecoverable   Status = 9
	StatusClosed          Status = 10
	StatusPermission      Status = 11
	StatusNoMemory        Status = 12
	StatusHalFailure      Status = 13
)

var statusMessages = map[Status]string{
	StatusSuccess:         "success",
	StatusAgain:           "resource temporarily unavailable",
	StatusInProgress:      "operation in progress",
	StatusBusy:            "resource busy",
	StatusInvalidArgument: "invalid argument",
	StatusNoDevice:        "no such device",
	StatusNoData:          "no data available",
	StatusDesync:          "ring desynchronized",
	StatusTimeout:         "timeout",
	StatusUnrecoverable:   "hardware unrecoverable",
	StatusClosed:          "closed",
	StatusPermission:      "operation not permitted",
	StatusNoMemory:        "out of memory",
	StatusHalFailure:      "hal operation failed",
}

// String returns the human-readable status message
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// Transient reports whether the status asks the caller to retry later.
func (s Status) Transient() bool {
	return s == StatusAgain || s == StatusInProgress
}

// Errno returns the errno a kernel-style caller would see for this status.
func (s Status) Errno() unix.Errno {
	switch s {
	case StatusSuccess:
		return 0
	case StatusAgain:
		return unix.EAGAIN
	case StatusInProgress:
		return unix.EINPROGRESS
	case StatusBusy:
		return unix.EBUSY
	case StatusInvalidArgument:
		return unix.EINVAL
	case StatusNoDevice:
		return unix.ENODEV
	case StatusNoData:
		return unix.ENODATA
	case StatusTimeout:
		return unix.ETIMEDOUT
	case StatusPermission:
		return unix.EPERM
	case StatusNoMemory:
		return unix.ENOMEM
	case StatusClosed:
		return unix.ESHUTDOWN
	default:
		return unix.EIO
	}
}

// IpaError represents an error from the IPA core or its hal
type IpaError struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface
func (e *IpaError) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Status.String(), e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Status.String())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status.String(), e.Cause)
	}
	return e.Status.String()
}

// Unwrap returns the underlying cause
func (e *IpaError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target status
func (e *IpaError) Is(target error) bool {
	var ipaErr *IpaError
	if errors.As(target, &ipaErr) {
		return e.Status == ipaErr.Status
	}
	return false
}

// NewError creates a new IpaError with the given status
func NewError(status Status, context string) *IpaError {
	return &IpaError{
		Status:  status,
		Context: context,
	}
}

// NewErrorWithCause creates a new IpaError with an underlying cause
func NewErrorWithCause(status Status, context string, cause error) *IpaError {
	return &IpaError{
		Status:  status,
		Context: context,
		Cause:   cause,
	}
}

// Sentinels for errors.Is comparisons. Any IpaError carrying the same
// status matches, whatever its context.
var (
	ErrAgain         = NewError(StatusAgain, "")
	ErrInProgress    = NewError(StatusInProgress, "")
	ErrBusy          = NewError(StatusBusy, "")
	ErrInvalid       = NewError(StatusInvalidArgument, "")
	ErrNoDevice      = NewError(StatusNoDevice, "")
	ErrNoData        = NewError(StatusNoData, "")
	ErrDesync        = NewError(StatusDesync, "")
	ErrTimeout       = NewError(StatusTimeout, "")
	ErrUnrecoverable = NewError(StatusUnrecoverable, "")
	ErrClosed        = NewError(StatusClosed, "")
	ErrPermission    = NewError(StatusPermission, "")
	ErrNoMemory      = NewError(StatusNoMemory, "")
)

// StatusOf extracts the status carried by err, StatusSuccess for nil and
// StatusHalFailure for foreign errors.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var ipaErr *IpaError
	if errors.As(err, &ipaErr) {
		return ipaErr.Status
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return ErrnoToStatus(errno)
	}
	return StatusHalFailure
}

// ErrnoToStatus converts a Linux errno to an IPA status
func ErrnoToStatus(errno unix.Errno) Status {
	switch errno {
	case 0:
		return StatusSuccess
	case unix.EAGAIN:
		return StatusAgain
	case unix.EINPROGRESS:
		return StatusInProgress
	case unix.EBUSY:
		return StatusBusy
	case unix.EINVAL:
		return StatusInvalidArgument
	case unix.ENODEV, unix.ENXIO:
		return StatusNoDevice
	case unix.ENODATA:
		return StatusNoData
	case unix.ETIMEDOUT:
		return StatusTimeout
	case unix.EPERM:
		return StatusPermission
	case unix.ENOMEM, unix.ENOBUFS:
		return StatusNoMemory
	case unix.ESHUTDOWN:
		return StatusClosed
	default:
		return StatusHalFailure
	}
}

// StatusFromErrno creates an IpaError from an errno
func StatusFromErrno(errno unix.Errno, context string) *IpaError {
	return &IpaError{
		Status:  ErrnoToStatus(errno),
		Context: context,
		Cause:   errno,
	}
}
