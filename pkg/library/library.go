package library

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/olivpeter/compressorPro/pkg/media"
)

var (
	ErrImageNotFound  = errors.New("image not found")
	ErrHandleNotFound = errors.New("handle not found")
)

// SourceImage is immutable once acquired.
type SourceImage struct {
	ID      string
	Name    string
	MIME    string
	Size    int64
	Data    []byte
	AddedAt time.Time
}

func (s *SourceImage) Source() media.Source {
	return media.Source{Name: s.Name, MIME: s.MIME, Data: s.Data}
}

// VersionSet maps a format key to the current version for that key.
type VersionSet map[string]*media.Version

// Keys returns the format keys in sorted order.
func (vs VersionSet) Keys() []string {
	keys := make([]string, 0, len(vs))
	for k := range vs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type entry struct {
	image    *SourceImage
	versions VersionSet
}

// Library is the ordered collection of acquired images and their version
// sets. It is safe for concurrent use; each SetVersion is applied atomically.
type Library struct {
	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
	handles *Handles
	logger  hclog.Logger
}

func New(logger hclog.Logger) *Library {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Library{
		byID:    make(map[string]*entry),
		handles: NewHandles(),
		logger:  logger.Named("library"),
	}
}

// AddImage appends a new image with an empty version set and returns its id.
func (l *Library) AddImage(data []byte, mimeType, name string) string {
	img := &SourceImage{
		ID:      uuid.NewString(),
		Name:    name,
		MIME:    mimeType,
		Size:    int64(len(data)),
		Data:    data,
		AddedAt: time.Now(),
	}

	l.mu.Lock()
	e := &entry{image: img, versions: make(VersionSet)}
	l.entries = append(l.entries, e)
	l.byID[img.ID] = e
	l.mu.Unlock()

	l.logger.Debug("image added", "image", img.ID, "name", name, "mime", mimeType, "size", img.Size)
	return img.ID
}

// SetVersion stores v under key, replacing and releasing any previous
// version for that key.
func (l *Library) SetVersion(id, key string, v *media.Version) error {
	if v == nil {
		return fmt.Errorf("set version %s/%s: nil version", id, key)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrImageNotFound, id)
	}

	stored := *v
	stored.Handle = l.handles.Register(&stored)

	if old, ok := e.versions[key]; ok {
		l.handles.Release(old.Handle)
	}
	e.versions[key] = &stored
	return nil
}

// KnownFormatKeys returns every key currently in the image's version set.
func (l *Library) KnownFormatKeys(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.byID[id]
	if !ok {
		return nil
	}
	return e.versions.Keys()
}

// Clear empties the library and releases every display handle.
func (l *Library) Clear() {
	l.mu.Lock()
	n := len(l.entries)
	l.entries = nil
	l.byID = make(map[string]*entry)
	released := l.handles.ReleaseAll()
	l.mu.Unlock()

	l.logger.Info("library cleared", "images", n, "handles_released", released)
}

func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Images returns the source images in acquisition order.
func (l *Library) Images() []*SourceImage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*SourceImage, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.image
	}
	return out
}

func (l *Library) Image(id string) (*SourceImage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return e.image, true
}

// Versions returns a copy of the image's version set.
func (l *Library) Versions(id string) VersionSet {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.byID[id]
	if !ok {
		return nil
	}
	out := make(VersionSet, len(e.versions))
	for k, v := range e.versions {
		out[k] = v
	}
	return out
}

func (l *Library) Version(id, key string) (*media.Version, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	v, ok := e.versions[key]
	return v, ok
}

// Resolve looks up a live display handle.
func (l *Library) Resolve(handle string) (*media.Version, error) {
	v, ok := l.handles.Resolve(handle)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandleNotFound, handle)
	}
	return v, nil
}

func (l *Library) LiveHandles() int {
	return l.handles.Live()
}
