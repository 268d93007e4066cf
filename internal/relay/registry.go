package relay

import (
	"sync"

	"github.com/chadiek/sales-coach/internal/agent"
)

// Registry tracks live sessions by connection id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*agent.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*agent.Session)}
}

func (r *Registry) Add(s *agent.Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*agent.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
