package term

import "sync"

// registry is the single source of truth for which sessions exist.
// Whole-map mutual exclusion: entries are only touched via with, so a
// session can never be removed out from under an in-flight operation.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func (r *registry) insert(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return ErrDuplicateSession
	}
	r.sessions[id] = s
	return nil
}

func (r *registry) with(id string, fn func(*Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	return fn(s)
}

func (r *registry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// drain removes and returns every session, for shutdown.
func (r *registry) drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	return sessions
}
