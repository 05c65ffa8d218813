package event

import (
	"fmt"

	"sensorbridge/internal/dongleerr"
)

// HMS/keypad sub-event selectors, per wyzesense.py's _OnHMSEvent
// mode_ids/motion_ids/pin_ids tables. Values beyond these are firmware
// variants the reference corpus never exercised; DecodeHMSEvent
// surfaces dongleerr.ErrUnsupported for them rather than asserting
// (Open Question 2).
const (
	hmsEventModeChange = 0x02
	hmsEventMotion     = 0x0A
	hmsEventPinStart   = 0x06
	hmsEventPinConfirm = 0x08
)

var hmsModeNames = map[byte]string{
	0x00: "unknown",
	0x01: "disarmed",
	0x02: "armed_home",
	0x03: "armed_away",
	0x04: "triggered",
}

const hmsHeaderLength = 10 // 1 reserved + 8-byte mac + 1 reserved

// DecodeHMSEvent parses a NOTIFY_HMS_EVENT (opcode 0x5355) payload:
// one reserved byte, an 8-byte MAC, one more reserved byte, then an
// event-selector tail. Battery uses the keypad's empirical 100/155
// scale (see battery.go).
func DecodeHMSEvent(payload []byte) (SensorEvent, error) {
	if len(payload) < hmsHeaderLength+5 {
		return SensorEvent{}, fmt.Errorf("event: hms payload too short (%d bytes)", len(payload))
	}
	mac := string(payload[1:9])
	data := payload[hmsHeaderLength:]

	base := SensorEvent{
		MAC:        mac,
		Kind:       KindKeypad,
		SensorType: TypeKeypad,
		Battery:    NormalizeBattery(TypeKeypad, data[2]),
		Raw:        append([]byte{}, payload...),
	}

	eventType := data[4]
	switch eventType {
	case hmsEventModeChange:
		if len(data) < 6 {
			return SensorEvent{}, fmt.Errorf("event: hms mode payload too short")
		}
		base.State = hmsModeNames[data[5]]
		return base, nil
	case hmsEventMotion:
		if len(data) < 6 {
			return SensorEvent{}, fmt.Errorf("event: hms motion payload too short")
		}
		base.State = StateName(TypeMotion, data[5] != 0)
		return base, nil
	case hmsEventPinStart, hmsEventPinConfirm:
		base.State = "pin_entry"
		return base, nil
	default:
		return SensorEvent{}, dongleerr.ErrUnsupported
	}
}
