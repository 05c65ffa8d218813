// Package engine wires transport → dispatch → session → registry →
// tracelog behind one type. It is the boundary the (out-of-scope)
// gateway glue imports: construct an Engine, subscribe to its events,
// run it.
//
// The reconnect-with-backoff supervisor loop is grounded on the
// teacher's sol.Manager.runSession: attempt a connection, and on
// failure back off exponentially (capped at 30s here, per the spec's
// "supervisor retries with exponential backoff up to 30s max"),
// resetting the backoff once a session has proven itself by running
// for a while.
package engine

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"sensorbridge/internal/config"
	"sensorbridge/internal/event"
	"sensorbridge/internal/protocol"
	"sensorbridge/internal/registry"
	"sensorbridge/internal/session"
	"sensorbridge/internal/tracelog"
)

// EventFunc receives every decoded sensor event, after the registry has
// already observed it.
type EventFunc func(event.SensorEvent)

// Engine owns one dongle session at a time, the sensor registry, and
// the frame trace log, and supervises reconnects.
type Engine struct {
	cfg   *config.Config
	log   *log.Entry
	reg   *registry.Registry
	trace *tracelog.Writer

	onEvent EventFunc
	open    func() (*session.Session, error)

	mu      sync.Mutex
	current *session.Session
}

// New constructs an Engine from cfg. It loads any persisted registry
// state but does not open the dongle until Run is called.
func New(cfg *config.Config, logger *log.Entry) (*Engine, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	reg := registry.New(cfg.Registry.Path, cfg.Registry.StaleAfter, cfg.Availability.TimeoutV1, cfg.Availability.TimeoutV2)
	if err := reg.Load(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		log:   logger,
		reg:   reg,
		trace: tracelog.New(cfg.TraceLog.Path, cfg.TraceLog.RetentionDays),
	}
	timeouts := session.Timeouts{
		Default: cfg.Timeouts.Default,
		Enum:    cfg.Timeouts.Enum,
		Verify:  cfg.Timeouts.Verify,
		Scan:    cfg.Timeouts.Scan,
	}
	e.open = func() (*session.Session, error) {
		return session.Open(cfg.Dongle.DevicePath, timeouts, logger)
	}
	return e, nil
}

// SetOpener overrides how Run establishes a new session. Tests use
// this to substitute session.OpenWithPort over a fake transport
// instead of a real HID device.
func (e *Engine) SetOpener(fn func() (*session.Session, error)) {
	e.open = fn
}

// Registry exposes the engine's sensor registry, e.g. for diagnostics.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// TraceLog exposes the engine's frame trace writer, e.g. for a caller
// to drive its daily retention cleanup.
func (e *Engine) TraceLog() *tracelog.Writer { return e.trace }

// OnEvent installs the callback invoked for every decoded sensor event.
func (e *Engine) OnEvent(fn EventFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

// Session returns the currently connected session, or nil if the
// engine is between connection attempts.
func (e *Engine) Session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Scan opens the pairing window via the active session, registers the
// found sensor, and returns it.
func (e *Engine) Scan(ctx context.Context, timeout time.Duration) (session.FoundSensor, error) {
	s := e.Session()
	if s == nil {
		return session.FoundSensor{}, session.ErrNotConnected
	}
	found, err := s.Scan(ctx, timeout)
	if err != nil {
		return found, err
	}
	e.reg.Register(found.MAC, found.Type, "")
	return found, nil
}

// Remove unpairs mac via the active session and drops its registry
// entry.
func (e *Engine) Remove(mac string) error {
	s := e.Session()
	if s == nil {
		return session.ErrNotConnected
	}
	if err := s.Delete(mac); err != nil {
		return err
	}
	e.reg.Remove(mac)
	return nil
}

// Run supervises the dongle connection until ctx is cancelled: it
// opens a session, serves it until the connection faults, saves the
// registry, and reconnects with exponential backoff.
func (e *Engine) Run(ctx context.Context) error {
	defer e.trace.Close()
	defer e.reg.Save()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	tickerDone := make(chan struct{})
	go e.availabilityLoop(ctx, tickerDone)
	defer func() { <-tickerDone }()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connectedAt := time.Now()
		err := e.runOnce(ctx)
		if err != nil {
			e.log.WithError(err).Error("engine: session ended with error")
		}
		if time.Since(connectedAt) > 30*time.Second {
			backoff = time.Second
		}
		if err := e.reg.Save(); err != nil {
			e.log.WithError(err).Warn("engine: failed to persist registry")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) error {
	s, err := e.open()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.current = s
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
		s.Stop()
	}()

	s.SetTracer(func(dir string, opcode protocol.Opcode, frame []byte) {
		d := tracelog.DirectionIn
		if dir == "out" {
			d = tracelog.DirectionOut
		}
		if err := e.trace.Trace(d, uint16(opcode), frame); err != nil {
			e.log.WithError(err).Debug("engine: trace write failed")
		}
	})

	s.OnSensorEvent(func(evt event.SensorEvent) {
		e.reg.Observe(evt)
		e.mu.Lock()
		onEvent := e.onEvent
		e.mu.Unlock()
		if onEvent != nil {
			onEvent(evt)
		}
	})

	e.log.WithFields(log.Fields{"mac": s.MAC, "version": s.Version}).Info("engine: dongle session established")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.CheckError(); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) availabilityLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.Availability.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.reg.Tick(now)
		}
	}
}
