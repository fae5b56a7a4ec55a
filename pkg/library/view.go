package library

import "sort"

type VersionView struct {
	Format       string  `json:"format"`
	Filename     string  `json:"filename"`
	Handle       string  `json:"handle"`
	Size         int64   `json:"size"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	SavedBytes   int64   `json:"saved_bytes"`
	SavedPercent float64 `json:"saved_percent"`
}

type ImageView struct {
	ID           string                 `json:"id"`
	Filename     string                 `json:"filename"`
	MIME         string                 `json:"mime"`
	OriginalSize int64                  `json:"original_size"`
	Versions     map[string]VersionView `json:"versions"`
}

// Keys returns the view's format keys in sorted order.
func (v ImageView) Keys() []string {
	keys := make([]string, 0, len(v.Versions))
	for k := range v.Versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Views returns a read-only snapshot for presentation, in acquisition order.
func (l *Library) Views() []ImageView {
	l.mu.RLock()
	defer l.mu.RUnlock()

	views := make([]ImageView, 0, len(l.entries))
	for _, e := range l.entries {
		view := ImageView{
			ID:           e.image.ID,
			Filename:     e.image.Name,
			MIME:         e.image.MIME,
			OriginalSize: e.image.Size,
			Versions:     make(map[string]VersionView, len(e.versions)),
		}
		for key, v := range e.versions {
			saved := e.image.Size - v.Size
			var pct float64
			if e.image.Size > 0 {
				pct = float64(saved) / float64(e.image.Size) * 100
			}
			view.Versions[key] = VersionView{
				Format:       key,
				Filename:     v.Filename,
				Handle:       v.Handle,
				Size:         v.Size,
				Width:        v.Width,
				Height:       v.Height,
				SavedBytes:   saved,
				SavedPercent: pct,
			}
		}
		views = append(views, view)
	}
	return views
}
