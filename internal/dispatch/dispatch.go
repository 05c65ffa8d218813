// Package dispatch runs the background reader goroutine that turns a
// raw byte stream from the dongle into decoded packets, routes each
// one to either a waiting command completion or a persistent
// notification handler, and ACKs every asynchronous notification
// before the next inbound packet is processed.
//
// Grounded on two shapes from the reference corpus: the teacher's
// sol.Manager, which runs one reader goroutine per session dispatching
// to subscribers under a single mutex, and spirilis-smacbase's
// NpiControl, whose PendChan completion-per-command pattern is the
// direct ancestor of the one-shot reply channel used here.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"sensorbridge/internal/dongleerr"
	"sensorbridge/internal/protocol"
)

// Port is the byte-level transport a Dispatcher drives. It is
// satisfied by *transport.Transport; tests supply a fake.
type Port interface {
	Read() ([]byte, error)
	Write([]byte) error
	Close() error
}

// Handler is invoked for every packet matching a persistent
// registration (asynchronous notifications the session did not itself
// originate, such as sensor alarms or scan results).
type Handler func(protocol.Packet)

// Dispatcher owns the reader goroutine, the handler table, and the
// in-flight command completions. The handler table mutex also guards
// completion registration so a send can never race with the table
// changing underneath it, matching the spec's concurrency model.
type Dispatcher struct {
	port Port
	log  *log.Entry

	mu       sync.Mutex
	handlers map[protocol.Opcode]Handler
	pending  map[protocol.Opcode]chan protocol.Packet

	errMu   sync.Mutex
	lastErr error

	traceMu sync.RWMutex
	tracer  Tracer

	done chan struct{}
	wg   sync.WaitGroup
}

// Tracer receives the raw wire bytes of every frame the dispatcher
// reads or writes, for protocol-level debugging. dir is "in" for
// frames read from the port and "out" for frames written to it.
type Tracer func(dir string, opcode protocol.Opcode, frame []byte)

// SetTracer installs (or, if fn is nil, removes) the frame tracer.
func (d *Dispatcher) SetTracer(fn Tracer) {
	d.traceMu.Lock()
	d.tracer = fn
	d.traceMu.Unlock()
}

func (d *Dispatcher) trace(dir string, opcode protocol.Opcode, frame []byte) {
	d.traceMu.RLock()
	fn := d.tracer
	d.traceMu.RUnlock()
	if fn != nil {
		fn(dir, opcode, frame)
	}
}

// New constructs a Dispatcher over port. If logger is nil, the
// standard logrus logger is used (see Design Notes: no global logger
// reached for implicitly, always passed or defaulted once at
// construction).
func New(port Port, logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Dispatcher{
		port:     port,
		log:      logger,
		handlers: make(map[protocol.Opcode]Handler),
		pending:  make(map[protocol.Opcode]chan protocol.Packet),
		done:     make(chan struct{}),
	}
}

// Start launches the reader goroutine. It must be called at most once.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.readLoop()
}

// Stop signals the reader goroutine to exit, joins it, and closes the
// port. Safe to call once.
func (d *Dispatcher) Stop() error {
	close(d.done)
	d.wg.Wait()
	return d.port.Close()
}

// SetHandler installs (or, if h is nil, removes) a persistent handler
// for opcode, returning whatever handler was previously installed so
// the caller can restore it later. This is how Scan temporarily
// intercepts NOTIFY_SCAN_FOUND without losing the handler that was
// there before.
func (d *Dispatcher) SetHandler(opcode protocol.Opcode, h Handler) Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.handlers[opcode]
	if h == nil {
		delete(d.handlers, opcode)
	} else {
		d.handlers[opcode] = h
	}
	return old
}

// Call sends pkt and waits up to timeout for a reply on pkt.Opcode's
// conventional reply opcode (class unchanged, subcode+1).
func (d *Dispatcher) Call(pkt protocol.Packet, timeout time.Duration) (protocol.Packet, error) {
	replyOp := pkt.Opcode.Reply()
	ch := make(chan protocol.Packet, 1)

	d.mu.Lock()
	d.pending[replyOp] = ch
	d.mu.Unlock()

	wire := protocol.Encode(pkt)
	d.trace("out", pkt.Opcode, wire)
	if err := d.port.Write(wire); err != nil {
		d.mu.Lock()
		delete(d.pending, replyOp)
		d.mu.Unlock()
		return protocol.Packet{}, fmt.Errorf("%w: %v", dongleerr.ErrTransport, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(timeout):
		d.mu.Lock()
		delete(d.pending, replyOp)
		d.mu.Unlock()
		return protocol.Packet{}, dongleerr.ErrTimeout
	}
}

// Send writes pkt without waiting for a reply.
func (d *Dispatcher) Send(pkt protocol.Packet) error {
	wire := protocol.Encode(pkt)
	d.trace("out", pkt.Opcode, wire)
	if err := d.port.Write(wire); err != nil {
		return fmt.Errorf("%w: %v", dongleerr.ErrTransport, err)
	}
	return nil
}

// CheckError returns the last fatal error latched by the reader
// goroutine, if any.
func (d *Dispatcher) CheckError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.lastErr
}

func (d *Dispatcher) setLastErr(err error) {
	d.errMu.Lock()
	d.lastErr = err
	d.errMu.Unlock()
}

func (d *Dispatcher) readLoop() {
	defer d.wg.Done()
	var buf []byte

	for {
		select {
		case <-d.done:
			return
		default:
		}

		chunk, err := d.port.Read()
		if err != nil {
			d.setLastErr(fmt.Errorf("%w: %v", dongleerr.ErrWorkerFault, err))
			d.log.WithError(err).Error("dispatch: reader goroutine faulted")
			return
		}
		if len(chunk) == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		buf = append(buf, chunk...)

		for {
			dec, err := protocol.Decode(buf)
			switch err {
			case nil:
				d.handlePacket(dec.Packet)
				buf = buf[dec.Consumed:]
			case protocol.ErrNeedMore:
				goto nextRead
			case protocol.ErrFrameInvalid:
				d.log.Warn("dispatch: invalid frame, resynchronising")
				if len(buf) >= 2 {
					buf = buf[2:]
				} else {
					buf = nil
				}
			default:
				d.log.WithError(err).Error("dispatch: unexpected decode error")
				goto nextRead
			}
		}
	nextRead:
	}
}

func (d *Dispatcher) handlePacket(pkt protocol.Packet) {
	d.trace("in", pkt.Opcode, protocol.Encode(pkt))

	if pkt.Opcode.IsAsync() && pkt.Opcode != protocol.OpAsyncAck {
		ack := protocol.AsyncAck(pkt.Opcode)
		ackWire := protocol.Encode(ack)
		d.trace("out", ack.Opcode, ackWire)
		if err := d.port.Write(ackWire); err != nil {
			d.log.WithError(err).Warn("dispatch: failed to ack async packet")
		}
	}

	d.mu.Lock()
	if ch, ok := d.pending[pkt.Opcode]; ok {
		delete(d.pending, pkt.Opcode)
		d.mu.Unlock()
		ch <- pkt
		return
	}
	h, ok := d.handlers[pkt.Opcode]
	d.mu.Unlock()

	if ok {
		h(pkt)
	}
}
