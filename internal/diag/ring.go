package diag

import (
	"sync"

	"sensorbridge/internal/event"
)

// eventRing is a small in-memory ring buffer of recent sensor events
// per MAC, used to give a newly-connected SSE client an immediate
// catch-up burst. Grounded on the teacher's ScreenBuffer/SSE catch-up
// pattern, replayed here as JSON events instead of raw terminal bytes.
type eventRing struct {
	mu          sync.Mutex
	size        int
	recent      map[string][]event.SensorEvent
	subscribers map[string][]chan event.SensorEvent
}

func newEventRing(size int) *eventRing {
	return &eventRing{
		size:        size,
		recent:      make(map[string][]event.SensorEvent),
		subscribers: make(map[string][]chan event.SensorEvent),
	}
}

func (r *eventRing) push(evt event.SensorEvent) {
	r.mu.Lock()
	buf := append(r.recent[evt.MAC], evt)
	if len(buf) > r.size {
		buf = buf[len(buf)-r.size:]
	}
	r.recent[evt.MAC] = buf
	subs := append([]chan event.SensorEvent{}, r.subscribers[evt.MAC]...)
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// subscribe registers a new subscriber for mac and returns it along
// with a snapshot of recent events to replay as catch-up.
func (r *eventRing) subscribe(mac string) (chan event.SensorEvent, []event.SensorEvent) {
	ch := make(chan event.SensorEvent, 16)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[mac] = append(r.subscribers[mac], ch)
	catchup := append([]event.SensorEvent{}, r.recent[mac]...)
	return ch, catchup
}

func (r *eventRing) unsubscribe(mac string, ch chan event.SensorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subscribers[mac]
	for i, s := range subs {
		if s == ch {
			r.subscribers[mac] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}
