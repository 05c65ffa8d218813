// Package session implements the dongle bring-up handshake and the
// high-level operations (List, Scan, Delete, DeleteAll, PlayChime,
// Stop) built on top of internal/dispatch.
//
// Grounded on the teacher's sol.Manager.connectSOL/runSession (connect,
// verify liveness, then serve) for the overall shape, and on
// wyzesense.py's Open/List/Scan/Delete methods for the exact handshake
// and operation sequencing.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"sensorbridge/internal/dispatch"
	"sensorbridge/internal/dongleerr"
	"sensorbridge/internal/event"
	"sensorbridge/internal/protocol"
	"sensorbridge/internal/transport"
)

// ErrNotConnected is returned by callers (e.g. internal/engine) that
// try to use a session which isn't currently established.
var ErrNotConnected = errors.New("session: not connected")

// Default command timeouts, per the concurrency model's timeout floor.
// These back DefaultTimeouts() and are only reached when a caller opens
// a session without its own config.Config.
const (
	DefaultTimeout  = 2 * time.Second
	EnumTimeout     = 10 * time.Second
	VerifyTimeout   = 10 * time.Second
	DefaultScanWait = 60 * time.Second
)

// Timeouts holds the per-operation timeout floor a Session calls
// against, sourced from config.Config's timeouts: section.
type Timeouts struct {
	Default time.Duration
	Enum    time.Duration
	Verify  time.Duration
	Scan    time.Duration
}

// DefaultTimeouts returns the built-in timeout floor, used when a
// caller opens a session without supplying its own.
func DefaultTimeouts() Timeouts {
	return Timeouts{Default: DefaultTimeout, Enum: EnumTimeout, Verify: VerifyTimeout, Scan: DefaultScanWait}
}

// sensorR1Seed is the fixed per-sensor key seed the reference pairing
// tooling hardcodes.
var sensorR1Seed = []byte("Ok5HPNQ4lf77u754")

// FoundSensor is the result of a successful Scan.
type FoundSensor struct {
	MAC     string
	Type    event.SensorType
	Version byte
}

// Session owns one open dongle connection: its dispatcher and its
// identity learned during handshake.
type Session struct {
	dispatch *dispatch.Dispatcher
	log      *log.Entry
	timeouts Timeouts

	MAC     string
	ENR     []byte
	Version string
}

// Open opens the HID device at devicePath, starts the reader
// goroutine, and runs the bring-up handshake: Inquiry, GetEnr, GetMAC,
// GetVersion, FinishAuth. Any failure tears the session back down.
// A zero-value Timeouts falls back to DefaultTimeouts().
func Open(devicePath string, timeouts Timeouts, logger *log.Entry) (*Session, error) {
	t, err := transport.Open(devicePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dongleerr.ErrTransport, err)
	}
	return OpenWithPort(t, timeouts, logger)
}

// OpenWithPort runs the same bring-up handshake as Open over an
// already-constructed dispatch.Port, so tests can substitute a fake
// transport without a real HID device present.
func OpenWithPort(port dispatch.Port, timeouts Timeouts, logger *log.Entry) (*Session, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}

	d := dispatch.New(port, logger)
	d.Start()

	s := &Session{dispatch: d, log: logger, timeouts: timeouts}

	if err := s.handshake(); err != nil {
		d.Stop()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake() error {
	reply, err := s.dispatch.Call(protocol.Inquiry(), s.timeouts.Default)
	if err != nil {
		return fmt.Errorf("session: inquiry: %w", err)
	}
	if len(reply.Payload) < 1 || reply.Payload[0] != 0x01 {
		return fmt.Errorf("session: inquiry: %w (payload %v)", dongleerr.ErrProtocolViolation, reply.Payload)
	}

	enrReply, err := s.dispatch.Call(protocol.GetEnr([4]uint32{0x30303030, 0x30303030, 0x30303030, 0x30303030}), s.timeouts.Default)
	if err != nil {
		return fmt.Errorf("session: get enr: %w", err)
	}
	s.ENR = enrReply.Payload

	macReply, err := s.dispatch.Call(protocol.GetMAC(), s.timeouts.Default)
	if err != nil {
		return fmt.Errorf("session: get mac: %w", err)
	}
	s.MAC = string(macReply.Payload)

	versionReply, err := s.dispatch.Call(protocol.GetVersion(), s.timeouts.Default)
	if err != nil {
		return fmt.Errorf("session: get version: %w", err)
	}
	s.Version = string(versionReply.Payload)

	if _, err := s.dispatch.Call(protocol.FinishAuth(), s.timeouts.Default); err != nil {
		return fmt.Errorf("session: finish auth: %w", err)
	}

	s.log.WithFields(log.Fields{"mac": s.MAC, "version": s.Version}).Info("session: handshake complete")
	return nil
}

// CheckError surfaces the dispatcher's latched worker fault, if any.
func (s *Session) CheckError() error {
	return s.dispatch.CheckError()
}

// SetTracer installs the dispatcher's raw-frame tracer, e.g. to feed
// internal/tracelog.
func (s *Session) SetTracer(fn dispatch.Tracer) {
	s.dispatch.SetTracer(fn)
}

// OnSensorEvent installs the persistent handler invoked for every
// decoded sensor notification (status/alarm/leak/climate). It must be
// called before traffic is expected; it is not safe to call
// concurrently with Scan (which temporarily swaps a different opcode's
// handler, not this one).
func (s *Session) OnSensorEvent(fn func(event.SensorEvent)) {
	s.dispatch.SetHandler(protocol.OpNotifyAlarm, func(pkt protocol.Packet) {
		evt, err := event.DecodeSensorEvent(pkt.Payload)
		if err != nil {
			s.log.WithError(err).Warn("session: failed to decode sensor event")
			return
		}
		fn(evt)
	})
	s.dispatch.SetHandler(protocol.OpNotifyHMSEvent, func(pkt protocol.Packet) {
		evt, err := event.DecodeHMSEvent(pkt.Payload)
		if err != nil {
			if err == dongleerr.ErrUnsupported {
				s.log.Debug("session: unsupported hms sub-event, ignoring")
				return
			}
			s.log.WithError(err).Warn("session: failed to decode hms event")
			return
		}
		fn(evt)
	})
	s.dispatch.SetHandler(protocol.OpNotifyEventLog, func(pkt protocol.Packet) {
		entry, err := event.DecodeEventLog(pkt.Payload)
		if err != nil {
			s.log.WithError(err).Debug("session: malformed event-log notification")
			return
		}
		s.log.WithFields(log.Fields{"ts_ms": entry.TimestampMS, "len": entry.MessageLen}).Debug("session: dongle event-log entry")
	})
	s.dispatch.SetHandler(protocol.OpNotifySyncTime, func(protocol.Packet) {
		ack := protocol.SyncTimeAck(uint64(time.Now().UnixMilli()))
		if err := s.dispatch.Send(ack); err != nil {
			s.log.WithError(err).Warn("session: failed to ack sync-time request")
		}
	})
}

// List enumerates currently paired sensor MACs.
func (s *Session) List() ([]string, error) {
	countReply, err := s.dispatch.Call(protocol.GetSensorCount(), s.timeouts.Default)
	if err != nil {
		return nil, fmt.Errorf("session: get sensor count: %w", err)
	}
	if len(countReply.Payload) < 1 {
		return nil, fmt.Errorf("session: get sensor count: %w", dongleerr.ErrProtocolViolation)
	}
	count := countReply.Payload[0]
	if count == 0 {
		return nil, nil
	}

	macs := make([]string, 0, count)
	done := make(chan struct{})

	old := s.dispatch.SetHandler(protocol.OpGetSensorList.Reply(), func(pkt protocol.Packet) {
		if len(pkt.Payload) >= protocol.MACLength {
			macs = append(macs, string(pkt.Payload[:protocol.MACLength]))
		}
		if len(macs) >= int(count) {
			close(done)
		}
	})
	defer s.dispatch.SetHandler(protocol.OpGetSensorList.Reply(), old)

	if err := s.dispatch.Send(protocol.GetSensorList(count)); err != nil {
		return nil, fmt.Errorf("session: get sensor list: %w", err)
	}

	timeout := time.Duration(count) * s.timeouts.Enum
	select {
	case <-done:
		return macs, nil
	case <-time.After(timeout):
		return macs, fmt.Errorf("session: get sensor list: %w", dongleerr.ErrTimeout)
	}
}

// Scan opens the pairing window for timeout and returns the first
// sensor seen, having already exchanged its R1 key material and
// verified it. The scan window is closed after the R1 exchange and
// before verification. It restores whatever NOTIFY_SCAN_FOUND handler
// was installed before, on every exit path, and always disables the
// scan window before returning.
func (s *Session) Scan(ctx context.Context, timeout time.Duration) (FoundSensor, error) {
	if timeout <= 0 {
		timeout = s.timeouts.Scan
	}

	found := make(chan FoundSensor, 1)
	old := s.dispatch.SetHandler(protocol.OpNotifyScanFound, func(pkt protocol.Packet) {
		if len(pkt.Payload) < 11 {
			s.log.Warn("session: malformed scan-found payload")
			return
		}
		fs := FoundSensor{
			MAC:     string(pkt.Payload[1:9]),
			Type:    event.ParseSensorType(pkt.Payload[9]),
			Version: pkt.Payload[10],
		}
		select {
		case found <- fs:
		default:
		}
	})
	defer s.dispatch.SetHandler(protocol.OpNotifyScanFound, old)
	scanOpen := true
	disableScan := func() {
		if !scanOpen {
			return
		}
		scanOpen = false
		if _, err := s.dispatch.Call(protocol.DisableScan(), s.timeouts.Default); err != nil {
			s.log.WithError(err).Warn("session: failed to disable scan window")
		}
	}
	defer disableScan()

	if _, err := s.dispatch.Call(protocol.EnableScan(), s.timeouts.Default); err != nil {
		return FoundSensor{}, fmt.Errorf("session: enable scan: %w", err)
	}

	var fs FoundSensor
	select {
	case fs = <-found:
	case <-ctx.Done():
		return FoundSensor{}, ctx.Err()
	case <-time.After(timeout):
		return FoundSensor{}, dongleerr.ErrTimeout
	}

	r1, err := protocol.GetSensorR1(fs.MAC, sensorR1Seed)
	if err != nil {
		return FoundSensor{}, err
	}
	if _, err := s.dispatch.Call(r1, s.timeouts.Verify); err != nil {
		return FoundSensor{}, fmt.Errorf("session: get sensor r1: %w", err)
	}
	disableScan()

	verify, err := protocol.VerifySensor(fs.MAC)
	if err != nil {
		return FoundSensor{}, err
	}
	if _, err := s.dispatch.Call(verify, s.timeouts.Verify); err != nil {
		return FoundSensor{}, fmt.Errorf("session: verify sensor: %w", err)
	}

	return fs, nil
}

// Delete unpairs mac. The dongle's reply is the 8-byte MAC echo
// followed by a 0xFF terminator byte; both are asserted.
func (s *Session) Delete(mac string) error {
	pkt, err := protocol.DelSensor(mac)
	if err != nil {
		return err
	}
	reply, err := s.dispatch.Call(pkt, s.timeouts.Default)
	if err != nil {
		return fmt.Errorf("session: delete sensor: %w", err)
	}
	if len(reply.Payload) != protocol.MACLength+1 || string(reply.Payload[:protocol.MACLength]) != mac || reply.Payload[protocol.MACLength] != 0xFF {
		return fmt.Errorf("session: delete sensor: %w (got %v)", dongleerr.ErrProtocolViolation, reply.Payload)
	}
	return nil
}

// DeleteAll unpairs every sensor. Experimental (Open Question 1):
// callers should treat ErrTimeout/ErrProtocolViolation here as
// "unsupported by this firmware" rather than fatal.
func (s *Session) DeleteAll() error {
	if _, err := s.dispatch.Call(protocol.DelAllSensors(), s.timeouts.Default); err != nil {
		return fmt.Errorf("session: delete all sensors: %w", err)
	}
	return nil
}

// PlayChime requests mac's sensor to sound its chime. volume is
// clamped to 1..9. Returns ErrUnsupported (not a hard failure) when the
// firmware never replies — some variants don't implement this
// (Open Question 2).
func (s *Session) PlayChime(mac string, ring, repeat byte, volume int) error {
	pkt, err := protocol.PlayChime(mac, ring, repeat, protocol.ClampChimeVolume(volume))
	if err != nil {
		return err
	}
	if _, err := s.dispatch.Call(pkt, s.timeouts.Default); err != nil {
		if err == dongleerr.ErrTimeout {
			return dongleerr.ErrUnsupported
		}
		return fmt.Errorf("session: play chime: %w", err)
	}
	return nil
}

// Stop performs the two-phase shutdown drain: signal the reader
// goroutine to exit, join it, then close the device descriptor.
func (s *Session) Stop() error {
	return s.dispatch.Stop()
}
