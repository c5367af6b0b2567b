// Package telemetry owns live kernel-state observation: the poller that
// samples the key tool's dump and the fan-out that broadcasts it to
// subscribed administrator websocket connections.
//
// Grounded on original_source/app/websockets.py's ConnectionManager
// (connect/disconnect/broadcast, iterate-a-copy-to-avoid-mutation-during-
// iteration) reimplemented with github.com/gorilla/websocket instead of
// FastAPI's WebSocket wrapper.
package telemetry

import (
	"sync"

	"go.uber.org/zap"

	"vpnctl/internal/domain"
	"vpnctl/internal/logger"
)

// Subscriber is the subset of *websocket.Conn the fan-out needs, narrowed
// to an interface so tests can substitute a fake instead of a real socket.
type Subscriber interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Fanout maintains the set of live telemetry subscribers. connect appends,
// disconnect removes, broadcast attempts best-effort delivery to each,
// dropping any subscriber whose write errors.
type Fanout struct {
	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
	lastFrame   *domain.TelemetryFrame
}

// NewFanout returns an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{subscribers: map[Subscriber]struct{}{}}
}

// Connect registers sub and immediately replays the most recently
// broadcast frame, if any, so a new observer is never left staring at
// emptiness for up to POLL_INTERVAL seconds.
func (f *Fanout) Connect(sub Subscriber) {
	f.mu.Lock()
	f.subscribers[sub] = struct{}{}
	frame := f.lastFrame
	f.mu.Unlock()

	if frame != nil {
		if err := sub.WriteJSON(frame); err != nil {
			f.Disconnect(sub)
		}
	}
}

// Disconnect removes sub and closes its underlying connection.
func (f *Fanout) Disconnect(sub Subscriber) {
	f.mu.Lock()
	_, ok := f.subscribers[sub]
	delete(f.subscribers, sub)
	f.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Count reports the number of live subscribers, used by the poller to
// decide whether to back off to the idle interval.
func (f *Fanout) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// Snapshot returns the most recently broadcast frame's per-peer samples,
// keyed by public key. Used to enrich REST responses (e.g. the peer list)
// with live connection state without waiting on a websocket. Returns nil
// if no tick has broadcast yet.
func (f *Fanout) Snapshot() map[string]domain.PeerSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastFrame == nil {
		return nil
	}
	return f.lastFrame.Data
}

// Broadcast delivers frame to every subscriber, using a snapshot of the
// subscriber set so a write failure removing one subscriber never
// corrupts iteration over the rest.
func (f *Fanout) Broadcast(frame domain.TelemetryFrame) {
	f.mu.Lock()
	f.lastFrame = &frame
	snapshot := make([]Subscriber, 0, len(f.subscribers))
	for s := range f.subscribers {
		snapshot = append(snapshot, s)
	}
	f.mu.Unlock()

	for _, s := range snapshot {
		if err := s.WriteJSON(frame); err != nil {
			logger.Logger.Warn("telemetry: dropping subscriber after write error", zap.Error(err))
			f.Disconnect(s)
		}
	}
}
