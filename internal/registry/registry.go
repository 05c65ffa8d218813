// Package registry holds the in-memory, disk-backed model of paired
// sensors: their declared configuration and their derived
// online/offline availability.
//
// Grounded on the teacher's discovery.Cache (atomic temp-file-then-
// rename JSON persistence, discard-on-stale-load) and discovery.Scanner
// (in-memory map behind a mutex, onChange notification, periodic
// reconciliation), generalized from "BMH server reachability" to
// "sensor last-seen age vs a per-sensor availability timeout" per
// wyzesense2mqtt.py's valid_sensor_mac/add_sensor_to_config shape.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"sensorbridge/internal/event"
)

// Entry is one paired sensor's declared configuration plus its derived
// availability state.
type Entry struct {
	MAC          string           `json:"mac"`
	Name         string           `json:"name"`
	Type         event.SensorType `json:"type"`
	Class        string           `json:"class"`
	SWVersion    string           `json:"sw_version,omitempty"`
	InvertState  bool             `json:"invert_state"`
	Timeout      time.Duration    `json:"timeout,omitempty"`
	LastSeen     time.Time        `json:"last_seen"`
	Online       bool             `json:"online"`
	LastBattery  uint8            `json:"last_battery"`
	LastSignal   int              `json:"last_signal_dbm"`
	LastState    string           `json:"last_state"`
}

// deviceClass maps a dongle sensor type to the coarser HA-style device
// class the spec's registry entry carries.
func deviceClass(t event.SensorType) string {
	switch t {
	case event.TypeMotion, event.TypeMotionV2:
		return "motion"
	case event.TypeSwitch, event.TypeSwitchV2:
		return "opening"
	case event.TypeLeak:
		return "moisture"
	case event.TypeClimate:
		return "temperature"
	default:
		return ""
	}
}

// isV2 reports whether t is one of the "V2" hardware variants
// (switchv2, motionv2). V2-ness is derived from the declared sensor
// type only; an entry's sw_version is not consulted.
func isV2(t event.SensorType) bool {
	return t == event.TypeSwitchV2 || t == event.TypeMotionV2
}

// invalidMACs are literal MACs valid_sensor_mac rejects outright.
var invalidMACs = map[string]bool{
	"00000000":         true,
	"\x00\x00\x00\x00\x00\x00\x00\x00": true,
	"ffffffffffffffff": true,
}

// ValidMAC reports whether mac is an acceptable 8-character sensor or
// dongle identifier.
func ValidMAC(mac string) bool {
	if len(mac) != 8 {
		return false
	}
	return !invalidMACs[mac]
}

// Listener receives availability transition notifications. Online is
// true when the sensor just came online, false when it just timed out.
type Listener func(mac string, online bool)

// Registry owns the sensor map. Every read and write takes mu:
// Observe runs on the dispatcher goroutine, Tick on the availability
// ticker goroutine (it flips entries offline), Register/Remove on
// whichever goroutine drives a scan or removal, and diagnostics
// readers take a snapshot.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	listener Listener

	configPath string
	statePath  string
	staleAfter time.Duration

	defaultTimeoutV1 time.Duration
	defaultTimeoutV2 time.Duration
}

// New constructs an empty Registry. dataDir holds the two persisted
// documents (sensors.json, state.json); staleAfter bounds how old a
// loaded state document may be before it's discarded.
func New(dataDir string, staleAfter, timeoutV1, timeoutV2 time.Duration) *Registry {
	return &Registry{
		entries:          make(map[string]*Entry),
		configPath:       filepath.Join(dataDir, "sensors.json"),
		statePath:        filepath.Join(dataDir, "state.json"),
		staleAfter:       staleAfter,
		defaultTimeoutV1: timeoutV1,
		defaultTimeoutV2: timeoutV2,
	}
}

// OnAvailabilityChange installs the callback invoked whenever a
// sensor's online flag flips.
func (r *Registry) OnAvailabilityChange(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = fn
}

// Observe records a decoded sensor event against the registry: it
// creates the entry on first valid sighting, and always refreshes
// last_seen/online plus the last-known battery/signal/state.
func (r *Registry) Observe(evt event.SensorEvent) {
	if !ValidMAC(evt.MAC) {
		log.WithField("mac", evt.MAC).Warn("registry: dropping event for invalid mac")
		return
	}

	seenAt := time.UnixMilli(int64(evt.TimestampMS))
	if evt.TimestampMS == 0 {
		seenAt = time.Now()
	}

	r.mu.Lock()
	e, exists := r.entries[evt.MAC]
	if !exists {
		e = &Entry{
			MAC:   evt.MAC,
			Name:  fmt.Sprintf("Wyze Sense %s", evt.MAC),
			Type:  evt.SensorType,
			Class: deviceClass(evt.SensorType),
		}
		r.entries[evt.MAC] = e
	}
	wasOnline := e.Online
	e.LastSeen = seenAt
	e.Online = true
	if evt.SensorType != event.TypeUnknown {
		e.Type = evt.SensorType
		if e.Class == "" {
			e.Class = deviceClass(evt.SensorType)
		}
	}
	e.LastBattery = evt.Battery
	e.LastSignal = evt.SignalDBm
	e.LastState = evt.State
	listener := r.listener
	r.mu.Unlock()

	if !wasOnline {
		log.WithField("mac", evt.MAC).Info("registry: sensor transitioned online")
		if listener != nil {
			listener(evt.MAC, true)
		}
	}
}

// Register declares a sensor from an explicit pairing (Session.Scan)
// result, independent of any event traffic.
func (r *Registry) Register(mac string, t event.SensorType, swVersion string) {
	if !ValidMAC(mac) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[mac]; exists {
		return
	}
	r.entries[mac] = &Entry{
		MAC:       mac,
		Name:      fmt.Sprintf("Wyze Sense %s", mac),
		Type:      t,
		Class:     deviceClass(t),
		SWVersion: swVersion,
	}
}

// Remove deletes mac's entry, e.g. after Session.Delete succeeds.
func (r *Registry) Remove(mac string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, mac)
}

// Snapshot returns a defensive copy of every registered entry.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Get returns a copy of mac's entry, if any.
func (r *Registry) Get(mac string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[mac]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// timeoutFor resolves e's effective availability timeout: its explicit
// override if set, else the per-hardware-generation default.
func (r *Registry) timeoutFor(e *Entry) time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	if isV2(e.Type) {
		return r.defaultTimeoutV2
	}
	return r.defaultTimeoutV1
}

// Tick compares every online entry's last-seen age against its
// effective timeout, flipping any that have exceeded it to offline and
// notifying the listener exactly once per transition. Intended to be
// called from a time.Ticker loop at the availability tick interval.
func (r *Registry) Tick(now time.Time) {
	var offline []string

	r.mu.Lock()
	for mac, e := range r.entries {
		if !e.Online {
			continue
		}
		if now.Sub(e.LastSeen) > r.timeoutFor(e) {
			e.Online = false
			offline = append(offline, mac)
		}
	}
	listener := r.listener
	r.mu.Unlock()

	for _, mac := range offline {
		log.WithField("mac", mac).Info("registry: sensor timed out, marked offline")
		if listener != nil {
			listener(mac, false)
		}
	}
}

// onStates are the decoded state strings that count as "active" for
// the published boolean state.
var onStates = map[string]bool{"active": true, "open": true, "wet": true}

// PublishedState derives the published integer state for a decoded
// state string: 1 when the string is one of the "on" states, XORed
// with invertState.
func PublishedState(state string, invertState bool) int {
	on := onStates[state]
	if on != invertState {
		return 1
	}
	return 0
}

// persistedConfig is the on-disk shape of the config document: MAC to
// declared sensor configuration, independent of availability state.
type persistedConfig struct {
	Name        string           `json:"name"`
	Type        event.SensorType `json:"type"`
	Class       string           `json:"class"`
	SWVersion   string           `json:"sw_version,omitempty"`
	InvertState bool             `json:"invert_state"`
	Timeout     time.Duration    `json:"timeout,omitempty"`
}

// persistedState is the on-disk shape of the state document: MAC to
// last-seen/online, plus a document-level modified timestamp used to
// discard it wholesale if it's too old to trust.
type persistedState struct {
	Modified time.Time                  `json:"modified"`
	Sensors  map[string]persistedSensor `json:"sensors"`
}

type persistedSensor struct {
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

// Load reads the config and state documents from disk. A missing
// config document is not an error (first run); a state document older
// than staleAfter is discarded entirely rather than trusted.
func (r *Registry) Load() error {
	cfgData, err := os.ReadFile(r.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: read config: %w", err)
	}

	var cfg map[string]persistedConfig
	if err := json.Unmarshal(cfgData, &cfg); err != nil {
		return fmt.Errorf("registry: parse config: %w", err)
	}

	var state persistedState
	if stateData, err := os.ReadFile(r.statePath); err == nil {
		if err := json.Unmarshal(stateData, &state); err != nil {
			log.WithError(err).Warn("registry: failed to parse state document, ignoring")
			state = persistedState{}
		}
	}

	stateUsable := !state.Modified.IsZero() && time.Since(state.Modified) <= r.staleAfter
	if !state.Modified.IsZero() && !stateUsable {
		log.WithField("age", time.Since(state.Modified)).Info("registry: discarding stale state document on load")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for mac, pc := range cfg {
		if !ValidMAC(mac) {
			continue
		}
		e := &Entry{
			MAC:         mac,
			Name:        pc.Name,
			Type:        pc.Type,
			Class:       pc.Class,
			SWVersion:   pc.SWVersion,
			InvertState: pc.InvertState,
			Timeout:     pc.Timeout,
		}
		if stateUsable {
			if ps, ok := state.Sensors[mac]; ok {
				e.LastSeen = ps.LastSeen
				e.Online = ps.Online
			}
		}
		r.entries[mac] = e
	}
	log.WithField("count", len(r.entries)).Info("registry: loaded sensors from disk")
	return nil
}

// Save persists both documents atomically (temp file + rename, per the
// teacher's discovery.Cache.Save).
func (r *Registry) Save() error {
	r.mu.RLock()
	cfg := make(map[string]persistedConfig, len(r.entries))
	state := persistedState{Modified: time.Now(), Sensors: make(map[string]persistedSensor, len(r.entries))}
	for mac, e := range r.entries {
		cfg[mac] = persistedConfig{
			Name:        e.Name,
			Type:        e.Type,
			Class:       e.Class,
			SWVersion:   e.SWVersion,
			InvertState: e.InvertState,
			Timeout:     e.Timeout,
		}
		state.Sensors[mac] = persistedSensor{LastSeen: e.LastSeen, Online: e.Online}
	}
	r.mu.RUnlock()

	if err := writeAtomic(r.configPath, cfg); err != nil {
		return fmt.Errorf("registry: save config: %w", err)
	}
	if err := writeAtomic(r.statePath, state); err != nil {
		return fmt.Errorf("registry: save state: %w", err)
	}
	return nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
