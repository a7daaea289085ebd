package device

import "github.com/emergingrobotics/go-ipa/pkg/driver"

// Errors for device operations
var (
	ErrDetached    = driver.NewError(driver.StatusClosed, "device is detached")
	ErrPoweredDown = driver.NewError(driver.StatusNoDevice, "accelerator powered down, request the IPA producer first")
	ErrEnableCount = driver.NewError(driver.StatusInvalidArgument, "enable count underflow")
)
