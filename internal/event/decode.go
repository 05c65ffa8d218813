package event

import (
	"encoding/binary"
	"fmt"
)

// Dongle event bytes, the byte after the 8-byte timestamp of a
// NOTIFY_ALARM payload, which further dispatches into
// status/alarm/leak/climate decoding.
const (
	eventByteStatus  = 0xA1
	eventByteAlarm   = 0xA2
	eventByteClimate = 0xE8
	eventByteLeak    = 0xEA
)

const (
	headerLength    = 8 + 1 + 8 // timestamp + event byte + mac
	commonDataLen   = 8         // sensor_type, _, battery, _, _, state, seq, signal
	leakDataLen     = 10        // common + probe_state + probe_present
	climateDataLen  = 9         // sensor_type, _, battery, _, _, temp_int, temp_frac, humidity, signal
)

// DecodeSensorEvent parses a NOTIFY_ALARM (opcode 0x5319)
// payload: an 8-byte ms timestamp, a 1-byte event selector, an 8-byte
// MAC, then an event-selector-specific tail.
func DecodeSensorEvent(payload []byte) (SensorEvent, error) {
	if len(payload) < headerLength {
		return SensorEvent{}, fmt.Errorf("event: sensor event payload too short (%d bytes)", len(payload))
	}

	timestamp := binary.BigEndian.Uint64(payload[0:8])
	eventByte := payload[8]
	mac := string(payload[9:17])
	data := payload[17:]

	base := SensorEvent{
		MAC:         mac,
		TimestampMS: timestamp,
		Raw:         append([]byte{}, payload...),
	}

	switch eventByte {
	case eventByteStatus, eventByteAlarm:
		return decodeCommon(base, data, eventByte == eventByteAlarm)
	case eventByteClimate:
		return decodeClimate(base, data)
	case eventByteLeak:
		return decodeLeak(base, data)
	default:
		base.Kind = UnknownKind(eventByte)
		return base, nil
	}
}

func decodeCommon(base SensorEvent, data []byte, alarm bool) (SensorEvent, error) {
	if len(data) < commonDataLen {
		return SensorEvent{}, fmt.Errorf("event: common payload too short (%d bytes)", len(data))
	}
	sensorType := ParseSensorType(data[0])
	batteryRaw := data[2]
	// data[5] is the 0/1 state bit; data[6] is a running sequence
	// counter (wyzesense.py never reads it) and must not gate state.
	stateVal := data[5] != 0
	signalRaw := data[7]

	base.Kind = KindStatus
	if alarm {
		base.Kind = KindAlarm
	}
	base.SensorType = sensorType
	base.State = StateName(sensorType, stateVal)
	base.Battery = NormalizeBattery(sensorType, batteryRaw)
	base.SignalDBm = -int(signalRaw)
	return base, nil
}

func decodeLeak(base SensorEvent, data []byte) (SensorEvent, error) {
	if len(data) < leakDataLen {
		return SensorEvent{}, fmt.Errorf("event: leak payload too short (%d bytes)", len(data))
	}
	sensorType := ParseSensorType(data[0])
	batteryRaw := data[2]
	// data[5] is the 0/1 state bit; data[6] is a running sequence
	// counter and must not gate state (see decodeCommon).
	stateVal := data[5] != 0
	signalRaw := data[7]
	probeState := data[8]
	probePresent := data[9]

	base.Kind = KindLeak
	base.SensorType = sensorType
	base.State = StateName(TypeLeak, stateVal)
	base.Battery = NormalizeBattery(sensorType, batteryRaw)
	base.SignalDBm = -int(signalRaw)
	base.Leak = &LeakReading{
		Wet:          stateVal,
		ProbePresent: probePresent != 0,
		ProbeWet:     probeState != 0,
		RawState:     probeState,
		RawProbe:     probePresent,
	}
	return base, nil
}

func decodeClimate(base SensorEvent, data []byte) (SensorEvent, error) {
	if len(data) < climateDataLen {
		return SensorEvent{}, fmt.Errorf("event: climate payload too short (%d bytes)", len(data))
	}
	sensorType := ParseSensorType(data[0])
	batteryRaw := data[2]
	tempInt := int8(data[5])
	tempFrac := data[6]
	humidity := data[7]
	signalRaw := data[8]

	base.Kind = KindClimate
	base.SensorType = sensorType
	base.Battery = NormalizeBattery(sensorType, batteryRaw)
	base.SignalDBm = -int(signalRaw)
	base.Climate = &ClimateReading{
		TemperatureC: float64(tempInt) + float64(tempFrac)/100,
		Humidity:     humidity,
		RawTempInt:   tempInt,
		RawTempFrac:  tempFrac,
	}
	return base, nil
}
