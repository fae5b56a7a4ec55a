package library

import (
	"sync"

	"github.com/google/uuid"

	"github.com/olivpeter/compressorPro/pkg/media"
)

// Handles maps opaque display handles to stored versions so a presentation
// layer can preview or download a version without holding the library lock.
// Superseded versions must be released or the registry grows unbounded.
type Handles struct {
	mu   sync.RWMutex
	live map[string]*media.Version
}

func NewHandles() *Handles {
	return &Handles{live: make(map[string]*media.Version)}
}

func (h *Handles) Register(v *media.Version) string {
	handle := uuid.NewString()
	h.mu.Lock()
	h.live[handle] = v
	h.mu.Unlock()
	return handle
}

func (h *Handles) Resolve(handle string) (*media.Version, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.live[handle]
	return v, ok
}

func (h *Handles) Release(handle string) {
	if handle == "" {
		return
	}
	h.mu.Lock()
	delete(h.live, handle)
	h.mu.Unlock()
}

// ReleaseAll drops every live handle and reports how many there were.
func (h *Handles) ReleaseAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.live)
	h.live = make(map[string]*media.Version)
	return n
}

func (h *Handles) Live() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.live)
}
