package jobx

import (
	"context"
	"sort"
	"sync"

	"github.com/Abraxas-365/jobq/pkg/logx"
)

// HandlerFunc processes a job. The returned value is stored as the job
// result (JSON encoded); a non-nil error fails the attempt.
type HandlerFunc func(ctx context.Context, exec *Execution) (any, error)

// Registry maps job names to handlers. The first registration for a name
// wins; later ones are ignored with a warning.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds handler to name. It reports false, and changes nothing,
// when name already has a handler.
func (r *Registry) Register(name string, handler HandlerFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		logx.WithField("job_name", name).Warn("jobx: processor already registered, ignoring duplicate")
		return false
	}
	r.handlers[name] = handler
	return true
}

// Resolve returns the handler bound to name.
func (r *Registry) Resolve(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
