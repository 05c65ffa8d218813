package diag

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"sensorbridge/internal/event"
	"sensorbridge/internal/registry"
	"sensorbridge/internal/session"
)

type fakeEngine struct {
	reg *registry.Registry
}

func (f *fakeEngine) Registry() *registry.Registry { return f.reg }

func (f *fakeEngine) Scan(ctx context.Context, timeout time.Duration) (session.FoundSensor, error) {
	return session.FoundSensor{MAC: "776A5CE1", Type: event.TypeSwitch, Version: 1}, nil
}

func (f *fakeEngine) Remove(mac string) error { return nil }

func TestHandleListSensors(t *testing.T) {
	reg := registry.New(t.TempDir(), time.Hour, 8*time.Hour, 4*time.Hour)
	reg.Observe(event.SensorEvent{MAC: "AABBCCDD", SensorType: event.TypeMotion, State: "active"})

	s := New("test", &fakeEngine{reg: reg}, func() DongleInfo { return DongleInfo{MAC: "DNGL0001"} })

	req := httptest.NewRequest("GET", "/api/sensors", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []registry.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 1 || entries[0].MAC != "AABBCCDD" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHandleScan(t *testing.T) {
	reg := registry.New(t.TempDir(), time.Hour, 8*time.Hour, 4*time.Hour)
	s := New("test", &fakeEngine{reg: reg}, func() DongleInfo { return DongleInfo{} })

	req := httptest.NewRequest("POST", "/api/sensors/scan", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var found session.FoundSensor
	if err := json.Unmarshal(rec.Body.Bytes(), &found); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if found.MAC != "776A5CE1" {
		t.Errorf("mac = %q", found.MAC)
	}
}
