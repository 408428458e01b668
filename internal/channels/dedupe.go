package channels

import "sync"

// DefaultProcessedCapacity is how many message IDs a ProcessedSet keeps.
const DefaultProcessedCapacity = 100

// ProcessedSet remembers the most recent message IDs an adapter has
// answered. The oldest ID is forgotten once capacity is reached.
type ProcessedSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

// NewProcessedSet creates a set holding up to capacity IDs.
func NewProcessedSet(capacity int) *ProcessedSet {
	if capacity <= 0 {
		capacity = DefaultProcessedCapacity
	}
	return &ProcessedSet{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
		cap:   capacity,
	}
}

// Contains reports whether id was marked.
func (p *ProcessedSet) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[id]
	return ok
}

// Mark records id and reports whether it was new.
func (p *ProcessedSet) Mark(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[id]; ok {
		return false
	}
	if len(p.order) >= p.cap {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.ids, oldest)
	}
	p.ids[id] = struct{}{}
	p.order = append(p.order, id)
	return true
}

// Len returns the number of remembered IDs.
func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
