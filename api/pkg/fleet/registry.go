package fleet

import (
	"sync"

	"github.com/emufleet/emufleet/api/pkg/types"
)

// Registry is the authoritative in-memory map of session id -> descriptor.
// It holds no external state: a process restart loses it by design and the
// Discovery Reconciler rebuilds it from observable container state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*types.EmulatorSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*types.EmulatorSession)}
}

func (r *Registry) Put(session types.EmulatorSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := session
	r.sessions[session.ID] = &copied
}

func (r *Registry) Get(id string) (types.EmulatorSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	if !ok {
		return types.EmulatorSession{}, false
	}
	return *session, true
}

// Update mutates a session in place under the registry lock. Returns false
// if the id is unknown.
func (r *Registry) Update(id string, fn func(*types.EmulatorSession)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return false
	}
	fn(session)
	return true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) List() []types.EmulatorSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.EmulatorSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, *session)
	}
	return out
}

// ByContainerRef finds the session owning a container. Discovery keys on
// this, not on name heuristics, so the same container is never adopted twice.
func (r *Registry) ByContainerRef(ref string) (types.EmulatorSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, session := range r.sessions {
		if session.ContainerRef == ref && ref != "" {
			return *session, true
		}
	}
	return types.EmulatorSession{}, false
}
