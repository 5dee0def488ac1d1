// Package viewer tracks the viewers currently connected to the bridge, for
// the status endpoint and connection logging.
package viewer

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/m8bridge/internal/hub"
)

// Info describes one connected viewer.
type Info struct {
	ID          string              `json:"id"`
	Remote      string              `json:"remote"`
	ConnectedAt time.Time           `json:"connectedAt"`
	Delivery    hub.SubscriberStats `json:"delivery"`
}

type entry struct {
	info Info
	sub  *hub.Subscription
}

// Registry holds the connected viewers keyed by session id.
type Registry struct {
	log     *slog.Logger
	mu      sync.RWMutex
	viewers map[string]*entry
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is
// used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "viewers"),
		viewers: make(map[string]*entry),
	}
}

// Add registers a viewer. sub may be nil. It returns false if id is taken.
func (r *Registry) Add(id, remote string, sub *hub.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.viewers[id]; ok {
		r.log.Warn("viewer already registered", "id", id)
		return false
	}
	r.viewers[id] = &entry{
		info: Info{ID: id, Remote: remote, ConnectedAt: time.Now()},
		sub:  sub,
	}
	r.log.Debug("viewer added", "id", id, "remote", remote, "count", len(r.viewers))
	return true
}

// Remove unregisters a viewer. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.viewers[id]
	delete(r.viewers, id)
	n := len(r.viewers)
	r.mu.Unlock()

	if ok {
		r.log.Debug("viewer removed", "id", id, "count", n)
	}
}

// Count returns the number of connected viewers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// List returns the connected viewers, oldest first, with current delivery
// counters.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.viewers))
	for _, e := range r.viewers {
		info := e.info
		if e.sub != nil {
			info.Delivery = e.sub.Stats()
		}
		out = append(out, info)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Info) int {
		return cmp.Or(a.ConnectedAt.Compare(b.ConnectedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}
