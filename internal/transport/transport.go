// Package transport talks to the dongle's raw-HID character device.
//
// It is grounded on ardnew-softusb's examples/linux-hal/hid-monitor,
// which drives a USB interrupt endpoint with a non-blocking read loop
// that retries on an empty transfer; here the same idiom drives a
// plain hidraw device node opened with golang.org/x/sys/unix instead
// of USB URBs, since a dongle's raw-HID endpoint is exposed to
// userspace as an ordinary character device.
package transport

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ReportSize is the fixed HID report length the dongle speaks.
const ReportSize = 64

// ErrShortWrite is returned when the device accepted fewer bytes than
// were submitted; the transport treats this as fatal rather than
// retrying a partial frame.
var ErrShortWrite = errors.New("transport: short write to hid device")

// Transport is a raw-HID character device.
type Transport struct {
	path string
	fd   int
}

// Open opens path (e.g. /dev/hidraw0) read/write, non-blocking.
func Open(path string) (*Transport, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	return &Transport{path: path, fd: fd}, nil
}

// Close releases the underlying file descriptor.
func (t *Transport) Close() error {
	return unix.Close(t.fd)
}

// Read returns up to ReportSize bytes of payload from the next HID
// report. The first byte of a raw-HID report is the payload length;
// Read strips it and returns only the payload. It returns (nil, nil)
// when no report is currently available — the caller is expected to
// sleep briefly and retry, matching the reference dongle worker's
// 100ms poll.
func (t *Transport) Read() ([]byte, error) {
	buf := make([]byte, ReportSize)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("transport: read %s: %w", t.path, err)
	}
	if n == 0 {
		return nil, nil
	}
	count := int(buf[0])
	if count > n-1 {
		count = n - 1
	}
	out := make([]byte, count)
	copy(out, buf[1:1+count])
	return out, nil
}

// Write sends a fully-encoded packet to the device in one HID report.
func (t *Transport) Write(frame []byte) error {
	if len(frame) > ReportSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds report size %d", len(frame), ReportSize)
	}
	report := make([]byte, ReportSize)
	copy(report, frame)

	n, err := unix.Write(t.fd, report)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			time.Sleep(10 * time.Millisecond)
			n, err = unix.Write(t.fd, report)
		}
		if err != nil {
			return fmt.Errorf("transport: write %s: %w", t.path, err)
		}
	}
	if n != len(report) {
		return ErrShortWrite
	}
	return nil
}
