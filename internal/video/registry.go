package video

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"rc-proxy-server/internal/watch"
)

// StreamFunc is called when a stream is registered or removed.
type StreamFunc func(id uuid.UUID, cell *watch.Cell[Frame])

// Registry maps producer identifiers to their frame cells.
type Registry struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*watch.Cell[Frame]

	hooksMu    sync.RWMutex
	onRegister []StreamFunc
	onRemove   []StreamFunc
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[uuid.UUID]*watch.Cell[Frame])}
}

// OnRegister adds a hook run after every Register. Hooks run outside the
// registry lock and must not block.
func (r *Registry) OnRegister(fn StreamFunc) {
	r.hooksMu.Lock()
	r.onRegister = append(r.onRegister, fn)
	r.hooksMu.Unlock()
}

// OnRemove adds a hook run after an entry is actually removed.
func (r *Registry) OnRemove(fn StreamFunc) {
	r.hooksMu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.hooksMu.Unlock()
}

func (r *Registry) run(hooks *[]StreamFunc, id uuid.UUID, cell *watch.Cell[Frame]) {
	r.hooksMu.RLock()
	fns := append([]StreamFunc(nil), (*hooks)...)
	r.hooksMu.RUnlock()
	for _, fn := range fns {
		fn(id, cell)
	}
}

// Register creates a fresh cell for id. A previous cell under the same id is
// closed so its viewers stop.
func (r *Registry) Register(id uuid.UUID) *watch.Cell[Frame] {
	cell := watch.New(Frame{})

	r.mu.Lock()
	prev := r.streams[id]
	r.streams[id] = cell
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	r.run(&r.onRegister, id, cell)
	return cell
}

func (r *Registry) Lookup(id uuid.UUID) (*watch.Cell[Frame], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cell, ok := r.streams[id]
	return cell, ok
}

// Remove closes cell and deletes the entry for id only if it still points at
// cell. It reports whether the entry was deleted.
func (r *Registry) Remove(id uuid.UUID, cell *watch.Cell[Frame]) bool {
	r.mu.Lock()
	removed := false
	if cur, ok := r.streams[id]; ok && cur == cell {
		delete(r.streams, id)
		removed = true
	}
	r.mu.Unlock()

	cell.Close()
	if removed {
		r.run(&r.onRemove, id, cell)
	}
	return removed
}

// IDs returns the live identifiers in sorted order.
func (r *Registry) IDs() []uuid.UUID {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Snapshot copies the current entries.
func (r *Registry) Snapshot() map[uuid.UUID]*watch.Cell[Frame] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]*watch.Cell[Frame], len(r.streams))
	for id, cell := range r.streams {
		out[id] = cell
	}
	return out
}
