package registry

import (
	"testing"
	"time"

	"sensorbridge/internal/event"
)

func TestObserveCreatesEntryAndFlipsOnline(t *testing.T) {
	r := New(t.TempDir(), time.Hour, 8*time.Hour, 4*time.Hour)

	var transitions []bool
	r.OnAvailabilityChange(func(mac string, online bool) {
		transitions = append(transitions, online)
	})

	r.Observe(event.SensorEvent{
		MAC:         "AABBCCDD",
		TimestampMS: uint64(time.Now().UnixMilli()),
		SensorType:  event.TypeMotion,
		State:       "active",
		Battery:     80,
	})

	e, ok := r.Get("AABBCCDD")
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if !e.Online {
		t.Error("expected entry to be online")
	}
	if e.Class != "motion" {
		t.Errorf("class = %q, want motion", e.Class)
	}
	if len(transitions) != 1 || !transitions[0] {
		t.Errorf("transitions = %v, want [true]", transitions)
	}
}

func TestObserveRejectsInvalidMAC(t *testing.T) {
	r := New(t.TempDir(), time.Hour, 8*time.Hour, 4*time.Hour)
	r.Observe(event.SensorEvent{MAC: "00000000", SensorType: event.TypeMotion})
	if _, ok := r.Get("00000000"); ok {
		t.Error("expected invalid mac to be dropped")
	}
}

func TestTickFlipsOfflineAfterTimeoutV2(t *testing.T) {
	r := New(t.TempDir(), time.Hour, 8*time.Hour, 4*time.Hour)
	r.Observe(event.SensorEvent{
		MAC:         "776A5CE1",
		TimestampMS: uint64(time.Now().Add(-4*time.Hour - time.Second).UnixMilli()),
		SensorType:  event.TypeSwitchV2,
		State:       "open",
	})

	var offlineSeen, onlineSeen int
	r.OnAvailabilityChange(func(mac string, online bool) {
		if online {
			onlineSeen++
		} else {
			offlineSeen++
		}
	})

	r.Tick(time.Now())

	e, _ := r.Get("776A5CE1")
	if e.Online {
		t.Error("expected sensor to be offline after exceeding v2 timeout")
	}
	if offlineSeen != 1 {
		t.Errorf("offline notifications = %d, want 1", offlineSeen)
	}

	r.Observe(event.SensorEvent{MAC: "776A5CE1", TimestampMS: uint64(time.Now().UnixMilli()), SensorType: event.TypeSwitchV2, State: "open"})
	e, _ = r.Get("776A5CE1")
	if !e.Online {
		t.Error("expected sensor back online after fresh event")
	}
	if onlineSeen != 1 {
		t.Errorf("online notifications = %d, want 1", onlineSeen)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, time.Hour, 8*time.Hour, 4*time.Hour)
	r.Observe(event.SensorEvent{
		MAC:         "AABBCCDD",
		TimestampMS: uint64(time.Now().UnixMilli()),
		SensorType:  event.TypeLeak,
		State:       "wet",
	})
	if err := r.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r2 := New(dir, time.Hour, 8*time.Hour, 4*time.Hour)
	if err := r2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	e, ok := r2.Get("AABBCCDD")
	if !ok {
		t.Fatal("expected loaded entry")
	}
	if e.Class != "moisture" || !e.Online {
		t.Errorf("loaded entry = %+v", e)
	}
}

func TestPublishedState(t *testing.T) {
	if PublishedState("open", false) != 1 {
		t.Error("open/no-invert should be 1")
	}
	if PublishedState("open", true) != 0 {
		t.Error("open/invert should be 0")
	}
	if PublishedState("closed", false) != 0 {
		t.Error("closed/no-invert should be 0")
	}
}
