package guest

import (
	"errors"
	"fmt"

	"github.com/sarchlab/ahcisim/ata"
)

var (
	// ErrNoDevice is returned by Init when no port has an ATA disk.
	ErrNoDevice = errors.New("no ATA device found")

	// ErrUnsupported is returned when the controller or the device lacks a
	// feature the driver needs.
	ErrUnsupported = errors.New("unsupported")

	// ErrTimeout is returned when a command is still outstanding after the
	// model ran out of work.
	ErrTimeout = errors.New("command did not complete")

	// ErrHalted is returned when queued commands were stopped by the
	// controller after a backing store failure.
	ErrHalted = errors.New("queued commands halted")

	// ErrBusy is returned when a non-queued command is started while
	// queued commands are outstanding.
	ErrBusy = errors.New("port busy")

	// ErrDevice is matched by every DeviceError.
	ErrDevice = errors.New("device error")

	// ErrBadLength is returned for transfers that are not a whole number of
	// sectors.
	ErrBadLength = errors.New("length is not a multiple of the sector size")
)

// DeviceError carries the task file of a command that failed on the device.
type DeviceError struct {
	Command uint8
	Status  uint8
	Err     uint8

	// Tags has a bit set for each failed queued command.
	Tags uint32
}

func (e *DeviceError) Error() string {
	if e.Tags != 0 {
		return fmt.Sprintf("%s failed on tags %#x: status %#02x error %#02x",
			ata.CommandName(e.Command), e.Tags, e.Status, e.Err)
	}

	return fmt.Sprintf("%s failed: status %#02x error %#02x",
		ata.CommandName(e.Command), e.Status, e.Err)
}

// Unwrap makes errors.Is(err, ErrDevice) hold.
func (e *DeviceError) Unwrap() error {
	return ErrDevice
}
