// Package event decodes dongle notification payloads into SensorEvent
// values. It is grounded on wyzesense.py's __process__ dispatch: first
// by the dongle's event byte (status/alarm/leak/climate), then by the
// sensor-type byte, then by the state byte.
package event

import (
	"encoding/json"
	"fmt"
)

// SensorType is the dongle's one-byte hardware classification.
type SensorType byte

const (
	TypeUnknown  SensorType = 0x00
	TypeSwitch   SensorType = 0x01
	TypeMotion   SensorType = 0x02
	TypeLeak     SensorType = 0x03
	TypeKeypad   SensorType = 0x05
	TypeClimate  SensorType = 0x07
	TypeChime    SensorType = 0x0C
	TypeSwitchV2 SensorType = 0x0E
	TypeMotionV2 SensorType = 0x0F
)

var sensorTypeNames = map[SensorType]string{
	TypeSwitch:   "switch",
	TypeMotion:   "motion",
	TypeLeak:     "leak",
	TypeKeypad:   "keypad",
	TypeClimate:  "climate",
	TypeChime:    "chime",
	TypeSwitchV2: "switchv2",
	TypeMotionV2: "motionv2",
}

func (t SensorType) String() string {
	if name, ok := sensorTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown:%02x", byte(t))
}

// MarshalJSON renders a SensorType as its symbolic tag rather than the
// raw byte, for diagnostics/API output; internal hot-path comparisons
// still use the byte constants directly.
func (t SensorType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON is the inverse of MarshalJSON: it accepts a symbolic
// tag or an "unknown:<hex>" tag and restores the raw byte.
func (t *SensorType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for b := 0; b < 256; b++ {
		if SensorType(b).String() == name {
			*t = SensorType(b)
			return nil
		}
	}
	return fmt.Errorf("event: unrecognised sensor type tag %q", name)
}

// ParseSensorType maps a raw dongle byte to a SensorType. Unrecognised
// bytes are never rejected outright: they keep their value and render
// as the sensor-type tag "unknown:<hex>".
func ParseSensorType(b byte) SensorType {
	return SensorType(b)
}

// stateNames gives the (off, on) pair for binary-state sensor types.
var stateNames = map[SensorType][2]string{
	TypeSwitch:   {"closed", "open"},
	TypeSwitchV2: {"closed", "open"},
	TypeMotion:   {"inactive", "active"},
	TypeMotionV2: {"inactive", "active"},
	TypeLeak:     {"dry", "wet"},
}

// StateName resolves a binary state bit to its symbolic name for t, or
// "" if t has no binary state table (e.g. climate, keypad).
func StateName(t SensorType, on bool) string {
	pair, ok := stateNames[t]
	if !ok {
		return ""
	}
	if on {
		return pair[1]
	}
	return pair[0]
}

// Kind labels the category of a decoded SensorEvent.
type Kind string

const (
	KindStatus   Kind = "status"
	KindAlarm    Kind = "alarm"
	KindLeak     Kind = "leak"
	KindClimate  Kind = "climate"
	KindKeypad   Kind = "keypad"
	KindEventLog Kind = "event_log"
)

// UnknownKind formats the kind label for an unrecognised dongle event
// byte, per the decoder's raw:<hex> fallback.
func UnknownKind(eventByte byte) Kind {
	return Kind(fmt.Sprintf("raw:%02x", eventByte))
}

// LeakReading preserves both the decoded and raw fields of a leak
// notification (Open Question 3: the exact temperature/probe encoding
// is not attested by the reference corpus, so raw fields ride along
// next to the interpreted ones).
type LeakReading struct {
	Wet          bool
	ProbePresent bool
	ProbeWet     bool
	RawState     byte
	RawProbe     byte
}

// ClimateReading preserves both the decoded and raw fields of a
// climate notification (Open Question 3).
type ClimateReading struct {
	TemperatureC float64
	Humidity     byte
	RawTempInt   int8
	RawTempFrac  uint8
}

// SensorEvent is the decoded record the engine hands to its caller —
// the exact contract the (out-of-scope) MQTT gateway glue consumes.
type SensorEvent struct {
	MAC         string
	TimestampMS uint64
	Kind        Kind
	SensorType  SensorType
	State       string
	Battery     uint8
	SignalDBm   int
	Leak        *LeakReading
	Climate     *ClimateReading
	Raw         []byte
}
