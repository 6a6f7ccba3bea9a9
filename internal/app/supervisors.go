package app

import (
	"sync"

	rtsup "shamebot/internal/runtime/supervisor"
)

// supervisorRegistry collects subsystem supervisors for /health. Components
// start and stop on config reload, so lookups go through a lock.
type supervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]*rtsup.Supervisor
}

func newSupervisorRegistry() *supervisorRegistry {
	return &supervisorRegistry{m: map[string]*rtsup.Supervisor{}}
}

// Set registers sup under name. A nil sup removes the entry.
func (r *supervisorRegistry) Set(name string, sup *rtsup.Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

// Snapshot returns a copy of the registry.
func (r *supervisorRegistry) Snapshot() map[string]*rtsup.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*rtsup.Supervisor, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}
