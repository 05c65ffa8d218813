package protocol

import "fmt"

// MACLength is the fixed length of a sensor/dongle MAC as carried on
// the wire: 8 ASCII characters, not a 48-bit Ethernet address.
const MACLength = 8

// macBytes validates and returns mac as a byte slice suitable for a
// packet payload.
func macBytes(mac string) ([]byte, error) {
	if len(mac) != MACLength {
		return nil, fmt.Errorf("protocol: mac %q must be %d characters", mac, MACLength)
	}
	return []byte(mac), nil
}

// Inquiry asks the dongle to confirm it is alive. Expected reply
// payload is a single byte, 0x01.
func Inquiry() Packet {
	return Packet{Opcode: OpInquiry}
}

// GetEnr requests the handshake random-challenge block. r is four
// little-endian uint32 seeds, conventionally {0x30303030, ...} per the
// reference implementation.
func GetEnr(r [4]uint32) Packet {
	payload := make([]byte, 16)
	for i, v := range r {
		payload[i*4+0] = byte(v)
		payload[i*4+1] = byte(v >> 8)
		payload[i*4+2] = byte(v >> 16)
		payload[i*4+3] = byte(v >> 24)
	}
	return Packet{Opcode: OpGetEnr, Payload: payload}
}

// GetMAC requests the dongle's own MAC.
func GetMAC() Packet {
	return Packet{Opcode: OpGetMAC}
}

// GetKey requests the dongle's key material.
func GetKey() Packet {
	return Packet{Opcode: OpGetKey}
}

// GetVersion requests the dongle firmware version string.
func GetVersion() Packet {
	return Packet{Opcode: OpGetVersion}
}

// FinishAuth completes the handshake.
func FinishAuth() Packet {
	return Packet{Opcode: OpFinishAuth, Payload: []byte{0xFF}}
}

// EnableScan opens the pairing window.
func EnableScan() Packet {
	return Packet{Opcode: OpStartStopScan, Payload: []byte{0x01}}
}

// DisableScan closes the pairing window.
func DisableScan() Packet {
	return Packet{Opcode: OpStartStopScan, Payload: []byte{0x00}}
}

// GetSensorCount requests the number of currently paired sensors.
func GetSensorCount() Packet {
	return Packet{Opcode: OpGetSensorCount}
}

// GetSensorList requests enumeration of count paired sensors; the
// dongle replies with one frame per MAC.
func GetSensorList(count byte) Packet {
	return Packet{Opcode: OpGetSensorList, Payload: []byte{count}}
}

// GetSensorR1 requests per-sensor key material during pairing. r is
// the 16-byte value the reference tooling hardcodes ("Ok5HPNQ4lf77u754").
func GetSensorR1(mac string, r []byte) (Packet, error) {
	mb, err := macBytes(mac)
	if err != nil {
		return Packet{}, err
	}
	if len(r) != 16 {
		return Packet{}, fmt.Errorf("protocol: r1 seed must be 16 bytes, got %d", len(r))
	}
	payload := append(append([]byte{}, mb...), r...)
	return Packet{Opcode: OpGetSensorR1, Payload: payload}, nil
}

// VerifySensor finalises pairing for mac.
func VerifySensor(mac string) (Packet, error) {
	mb, err := macBytes(mac)
	if err != nil {
		return Packet{}, err
	}
	payload := append(append([]byte{}, mb...), 0xFF, 0x04)
	return Packet{Opcode: OpVerifySensor, Payload: payload}, nil
}

// DelSensor unpairs mac.
func DelSensor(mac string) (Packet, error) {
	mb, err := macBytes(mac)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Opcode: OpDelSensor, Payload: mb}, nil
}

// DelAllSensors unpairs every sensor. Experimental: never verified
// against real firmware by the reference corpus (Open Question 1).
func DelAllSensors() Packet {
	return Packet{Opcode: OpDelAllSensors}
}

// ClampChimeVolume restricts a requested chime volume to the dongle's
// accepted 1..9 range.
func ClampChimeVolume(v int) byte {
	if v < 1 {
		return 1
	}
	if v > 9 {
		return 9
	}
	return byte(v)
}

// PlayChime requests mac's sensor to play its chime. volume is clamped
// by the caller via ClampChimeVolume before reaching here. The exact
// wire layout is not attested in the retrievable reference corpus
// (Open Question 2); this construction is the best-effort layout and
// callers should treat ErrUnsupported from the session as expected on
// firmware that doesn't implement it.
func PlayChime(mac string, ring, repeat, volume byte) (Packet, error) {
	mb, err := macBytes(mac)
	if err != nil {
		return Packet{}, err
	}
	payload := append(append([]byte{}, mb...), ring, repeat, volume)
	return Packet{Opcode: OpPlayChime, Payload: payload}, nil
}

// SyncTimeAck replies to a NOTIFY_SYNC_TIME request with the current
// wall clock, in milliseconds, big-endian.
func SyncTimeAck(nowMS uint64) Packet {
	payload := make([]byte, 8)
	for i := 0; i < 8; i++ {
		payload[7-i] = byte(nowMS >> (8 * i))
	}
	return Packet{Opcode: OpNotifySyncTime.Reply(), Payload: payload}
}

// AsyncAck builds the acknowledgement frame for an asynchronous,
// non-ACK packet with the given opcode.
func AsyncAck(acked Opcode) Packet {
	return Packet{Opcode: OpAsyncAck, Payload: []byte{acked.Sub()}}
}
