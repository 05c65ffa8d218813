package dispatch

import (
	"sync"
	"testing"
	"time"

	"sensorbridge/internal/dongleerr"
	"sensorbridge/internal/protocol"
)

// fakePort is an in-memory Port: Write appends to a buffer the test
// script can hand back via scheduled Read() returns, and records
// everything written so the test can assert on the outbound stream
// (e.g. ACK obligations).
type fakePort struct {
	mu      sync.Mutex
	toRead  [][]byte
	written [][]byte
	closed  bool
}

func (f *fakePort) Read() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toRead) == 0 {
		return nil, nil
	}
	chunk := f.toRead[0]
	f.toRead = f.toRead[1:]
	return chunk, nil
}

func (f *fakePort) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte{}, p...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) feed(chunks ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toRead = append(f.toRead, chunks...)
}

func (f *fakePort) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakePort) lastWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

func TestCallRoundTrip(t *testing.T) {
	port := &fakePort{}
	d := New(port, nil)
	d.Start()
	defer d.Stop()

	go func() {
		time.Sleep(20 * time.Millisecond)
		reply := protocol.Packet{Opcode: protocol.OpGetMAC.Reply(), Payload: []byte("AABBCCDD")}
		port.feed(protocol.Encode(reply))
	}()

	pkt, err := d.Call(protocol.GetMAC(), time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(pkt.Payload) != "AABBCCDD" {
		t.Errorf("payload = %q", pkt.Payload)
	}
}

func TestCallTimeout(t *testing.T) {
	port := &fakePort{}
	d := New(port, nil)
	d.Start()
	defer d.Stop()

	_, err := d.Call(protocol.GetMAC(), 30*time.Millisecond)
	if err != dongleerr.ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestAsyncAckObligation(t *testing.T) {
	port := &fakePort{}
	d := New(port, nil)

	received := make(chan protocol.Packet, 1)
	d.SetHandler(protocol.OpNotifyAlarm, func(p protocol.Packet) {
		received <- p
	})
	d.Start()
	defer d.Stop()

	notify := protocol.Packet{Opcode: protocol.OpNotifyAlarm, Payload: []byte{0x01}}
	port.feed(protocol.Encode(notify))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if port.writeCount() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ack := port.lastWritten()
	if ack == nil {
		t.Fatal("no ack written")
	}
	dec, err := protocol.Decode(ack)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if dec.Packet.Opcode != protocol.OpAsyncAck {
		t.Errorf("opcode = %#x, want OpAsyncAck", dec.Packet.Opcode)
	}
	if dec.Packet.Payload[0] != protocol.OpNotifyAlarm.Sub() {
		t.Errorf("acked sub = %#x, want %#x", dec.Packet.Payload[0], protocol.OpNotifyAlarm.Sub())
	}
}

func TestHandlerRestoredAfterSwap(t *testing.T) {
	port := &fakePort{}
	d := New(port, nil)

	d.SetHandler(protocol.OpNotifyScanFound, func(protocol.Packet) {})
	old := d.SetHandler(protocol.OpNotifyScanFound, func(protocol.Packet) {})
	if old == nil {
		t.Fatal("expected previous handler to be returned")
	}
	restored := d.SetHandler(protocol.OpNotifyScanFound, old)
	if restored == nil {
		t.Fatal("expected second handler back")
	}
}

func TestOrderingPreserved(t *testing.T) {
	port := &fakePort{}
	d := New(port, nil)

	var mu sync.Mutex
	var order []byte
	d.SetHandler(protocol.Opcode(0x5335), func(p protocol.Packet) {
		mu.Lock()
		order = append(order, p.Payload[0])
		mu.Unlock()
	})
	d.Start()
	defer d.Stop()

	for i := 0; i < 3; i++ {
		pkt := protocol.Packet{Opcode: 0x5335, Payload: []byte{byte(i)}}
		port.feed(protocol.Encode(pkt))
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("got order %v, want [0 1 2]", order)
	}
}
