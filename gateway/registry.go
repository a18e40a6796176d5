package gateway

import "sync"

// Registry is the process-wide set of live duplex sessions. It is written by
// session start (insert) and the close transition (remove), and read by the
// keepalive sweep. Iteration works on a snapshot so sessions may be removed
// concurrently.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID())
}

// Snapshot returns the current sessions; safe to iterate while sessions
// close and deregister.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session, used at server shutdown. Each
// close deregisters the session itself.
func (r *Registry) CloseAll(cause error) {
	for _, s := range r.Snapshot() {
		s.Close(cause)
	}
}
