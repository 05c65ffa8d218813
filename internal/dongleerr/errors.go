// Package dongleerr collects the sentinel error values the dongle
// engine surfaces to its callers, per the error handling design in the
// specification: transport failure, protocol-level violations,
// timeouts, unsupported operations, and latched worker faults.
package dongleerr

import "errors"

var (
	// ErrTransport indicates the underlying HID device failed to open,
	// read, or write.
	ErrTransport = errors.New("dongle: transport failure")

	// ErrTimeout indicates a command's reply did not arrive within its
	// bounded window.
	ErrTimeout = errors.New("dongle: command timed out")

	// ErrProtocolViolation indicates a reply failed a structural
	// assertion (wrong length, mismatched MAC, unexpected terminator).
	ErrProtocolViolation = errors.New("dongle: protocol violation")

	// ErrUnsupported indicates a command or notification this firmware
	// does not implement (PlayChime, unrecognised HMS keypad sub-events).
	// DeleteAll does not return it; its failures surface as ErrTimeout or
	// ErrProtocolViolation.
	ErrUnsupported = errors.New("dongle: unsupported by this firmware")

	// ErrWorkerFault indicates the background reader goroutine hit an
	// unrecoverable error; it is latched and exposed via CheckError.
	ErrWorkerFault = errors.New("dongle: worker fault")
)
