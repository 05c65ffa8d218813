package event

import (
	"encoding/binary"
	"testing"

	"sensorbridge/internal/dongleerr"
)

func buildSensorEventPayload(eventByte byte, mac string, data []byte) []byte {
	payload := make([]byte, 17+len(data))
	binary.BigEndian.PutUint64(payload[0:8], 1234567890)
	payload[8] = eventByte
	copy(payload[9:17], mac)
	copy(payload[17:], data)
	return payload
}

func TestDecodeSwitchV2AlarmDoublesBattery(t *testing.T) {
	// data[5]=0x01 is the state bit (open); data[6]=0x01 is the
	// sequence counter and must have no bearing on the decoded state.
	data := []byte{byte(TypeSwitchV2), 0x00, 60, 0x00, 0x00, 0x01, 0x01, 75}
	payload := buildSensorEventPayload(eventByteAlarm, "776A5CE1", data)

	evt, err := DecodeSensorEvent(payload)
	if err != nil {
		t.Fatalf("DecodeSensorEvent: %v", err)
	}
	if evt.Kind != KindAlarm {
		t.Errorf("kind = %v, want alarm", evt.Kind)
	}
	if evt.SensorType != TypeSwitchV2 {
		t.Errorf("sensor type = %v, want switchv2", evt.SensorType)
	}
	if evt.State != "open" {
		t.Errorf("state = %q, want open", evt.State)
	}
	if evt.Battery != 100 {
		t.Errorf("battery = %d, want 100 (60*2 capped)", evt.Battery)
	}
	if evt.SignalDBm != -75 {
		t.Errorf("signal = %d, want -75", evt.SignalDBm)
	}
	if evt.MAC != "776A5CE1" {
		t.Errorf("mac = %q", evt.MAC)
	}
}

func TestDecodeSwitchBatteryUnscaled(t *testing.T) {
	data := []byte{byte(TypeSwitch), 0x00, 80, 0x00, 0x00, 0x00, 0x00, 50}
	payload := buildSensorEventPayload(eventByteStatus, "AABBCCDD", data)

	evt, err := DecodeSensorEvent(payload)
	if err != nil {
		t.Fatalf("DecodeSensorEvent: %v", err)
	}
	if evt.State != "closed" {
		t.Errorf("state = %q, want closed", evt.State)
	}
	if evt.Battery != 80 {
		t.Errorf("battery = %d, want 80", evt.Battery)
	}
}

func TestDecodeCommonIgnoresSequenceByte(t *testing.T) {
	data := []byte{byte(TypeSwitch), 0x00, 80, 0x00, 0x00, 0x00, 0x05, 50}
	payload := buildSensorEventPayload(eventByteStatus, "AABBCCDD", data)

	evt, err := DecodeSensorEvent(payload)
	if err != nil {
		t.Fatalf("DecodeSensorEvent: %v", err)
	}
	if evt.State != "closed" {
		t.Errorf("state = %q, want closed (sequence byte must not gate state)", evt.State)
	}
}

func TestDecodeLeak(t *testing.T) {
	// data[5]=0x01 is the wet bit; data[6]=0x01 is the sequence
	// counter and must not be consulted.
	data := []byte{byte(TypeLeak), 0x00, 90, 0x00, 0x00, 0x01, 0x01, 40, 0x01, 0x01}
	payload := buildSensorEventPayload(eventByteLeak, "LEAK0001", data)

	evt, err := DecodeSensorEvent(payload)
	if err != nil {
		t.Fatalf("DecodeSensorEvent: %v", err)
	}
	if evt.Kind != KindLeak {
		t.Errorf("kind = %v, want leak", evt.Kind)
	}
	if evt.Leak == nil || !evt.Leak.Wet || !evt.Leak.ProbePresent || !evt.Leak.ProbeWet {
		t.Errorf("leak reading = %+v", evt.Leak)
	}
}

func TestDecodeClimate(t *testing.T) {
	data := []byte{byte(TypeClimate), 0x00, 95, 0x00, 0x00, 0x17, 50, 45, 30}
	payload := buildSensorEventPayload(eventByteClimate, "CLIM0001", data)

	evt, err := DecodeSensorEvent(payload)
	if err != nil {
		t.Fatalf("DecodeSensorEvent: %v", err)
	}
	if evt.Climate == nil {
		t.Fatal("expected climate reading")
	}
	if evt.Climate.TemperatureC != 23.5 {
		t.Errorf("temperature = %v, want 23.5", evt.Climate.TemperatureC)
	}
	if evt.Climate.Humidity != 45 {
		t.Errorf("humidity = %d, want 45", evt.Climate.Humidity)
	}
}

func TestDecodeUnknownEventByte(t *testing.T) {
	payload := buildSensorEventPayload(0x99, "UNKN0001", []byte{0x01})
	evt, err := DecodeSensorEvent(payload)
	if err != nil {
		t.Fatalf("DecodeSensorEvent: %v", err)
	}
	if evt.Kind != "raw:99" {
		t.Errorf("kind = %v, want raw:99", evt.Kind)
	}
}

func TestDecodeHMSUnsupportedSubEvent(t *testing.T) {
	payload := make([]byte, 16)
	copy(payload[1:9], "KEYP0001")
	payload[10+4] = 0xEE // unrecognised sub-event selector

	_, err := DecodeHMSEvent(payload)
	if err != dongleerr.ErrUnsupported {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestDecodeHMSModeChange(t *testing.T) {
	payload := make([]byte, 16)
	copy(payload[1:9], "KEYP0001")
	payload[10+2] = 155 // battery raw, scales to 100%
	payload[10+4] = hmsEventModeChange
	payload[10+5] = 0x02 // armed_home

	evt, err := DecodeHMSEvent(payload)
	if err != nil {
		t.Fatalf("DecodeHMSEvent: %v", err)
	}
	if evt.State != "armed_home" {
		t.Errorf("state = %q, want armed_home", evt.State)
	}
	if evt.Battery != 100 {
		t.Errorf("battery = %d, want 100", evt.Battery)
	}
}
