package hub

import (
	"sync"
	"time"
)

// How long an exited session's code and done channel stay queryable
// before the entries are swept.
const exitRetention = time.Minute

// Hub fans session events out to subscribers. It is the notification sink
// the PTY core emits into; everything downstream (websocket clients, the
// session store updater) listens here.
//
// The lock is held across channel sends and closes. Sends are non-blocking,
// so holding it is cheap, and it guarantees Exit/Forget can never close a
// channel another goroutine is about to send on.
type Hub struct {
	mu      sync.Mutex
	outputs map[string][]chan string
	done    map[string]chan struct{}
	codes   map[string]*int

	retention time.Duration
}

func New() *Hub {
	return &Hub{
		outputs:   make(map[string][]chan string),
		done:      make(map[string]chan struct{}),
		codes:     make(map[string]*int),
		retention: exitRetention,
	}
}

// Output implements term.Sink. Slow subscribers drop chunks rather than
// stalling the pump.
func (h *Hub) Output(sessionID, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.outputs[sessionID] {
		select {
		case ch <- data:
		default:
		}
	}
}

// Exit implements term.Sink. Records the exit code, closes the session's
// done channel and ends all output subscriptions. The retained code and
// done entries are swept after a grace period unless the id is forgotten
// (or reused) first.
func (h *Hub) Exit(sessionID string, code *int) {
	h.mu.Lock()
	h.codes[sessionID] = code
	for _, ch := range h.outputs[sessionID] {
		close(ch)
	}
	delete(h.outputs, sessionID)
	done, ok := h.done[sessionID]
	if !ok {
		done = make(chan struct{})
		h.done[sessionID] = done
	}
	select {
	case <-done:
	default:
		close(done)
	}
	retention := h.retention
	h.mu.Unlock()

	if retention > 0 {
		time.AfterFunc(retention, func() { h.forget(sessionID, done) })
	}
}

// Subscribe returns a channel of output chunks for one session and an
// unsubscribe function. The channel closes when the session exits.
func (h *Hub) Subscribe(sessionID string) (<-chan string, func()) {
	ch := make(chan string, 256)
	h.mu.Lock()
	h.outputs[sessionID] = append(h.outputs[sessionID], ch)
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.outputs[sessionID]
		for i, c := range subs {
			if c == ch {
				h.outputs[sessionID] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return ch, unsub
}

// Done returns a channel closed when the session's child exits.
func (h *Hub) Done(sessionID string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.done[sessionID]
	if !ok {
		ch = make(chan struct{})
		h.done[sessionID] = ch
	}
	return ch
}

// ExitCode reports the recorded exit code. Only meaningful after the
// Done channel has closed; nil when the wait failed or the session is
// still running.
func (h *Hub) ExitCode(sessionID string) *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.codes[sessionID]
}

// Forget drops any retained state for a session that has been removed,
// releasing output subscribers and Done waiters.
func (h *Hub) Forget(sessionID string) {
	h.forget(sessionID, nil)
}

// forget removes the session's entries. A non-nil expect restricts the
// removal to the generation owning that done channel, so the sweep for an
// exited session cannot clobber a new session reusing the id.
func (h *Hub) forget(sessionID string, expect chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	done := h.done[sessionID]
	if expect != nil && done != expect {
		return
	}
	for _, ch := range h.outputs[sessionID] {
		close(ch)
	}
	delete(h.outputs, sessionID)
	delete(h.done, sessionID)
	delete(h.codes, sessionID)
	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}
