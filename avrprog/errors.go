package avrprog

import (
	"fmt"
)

// A link-level failure (disconnect, I/O error). Never raised for a timeout;
// a timeout is just a short read.
type TransportFault struct {
	Op  string
	Err error
}

func (e *TransportFault) Error() string {
	return fmt.Sprintf("transport fault during %s: %s", e.Op, e.Err)
}

func (e *TransportFault) Unwrap() error {
	return e.Err
}

// The link is alive but the device answered with something unexpected (or
// nothing at all where an answer was required)
type ProtocolFault struct {
	Op   string
	Got  []byte
	Want byte
}

func (e *ProtocolFault) Error() string {
	if len(e.Got) == 0 {
		return fmt.Sprintf("no response to %s (want 0x%02X)", e.Op, e.Want)
	}
	return fmt.Sprintf("bad response to %s: got % X, want 0x%02X", e.Op, e.Got, e.Want)
}

// No bootloader answered at all
type DeviceNotFound struct {
	Reason string
}

func (e *DeviceNotFound) Error() string {
	return "no bootloader detected: " + e.Reason
}

// Address preconditions failed. Always raised before any I/O
type InvalidRange struct {
	Start    int
	End      int
	PageSize int
	Reason   string
}

func (e *InvalidRange) Error() string {
	return fmt.Sprintf("invalid range 0x%04X-0x%04X (page size %d): %s",
		e.Start, e.End, e.PageSize, e.Reason)
}
