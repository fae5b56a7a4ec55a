package media

import (
	"fmt"
	"math"
	"strings"
)

// ResizeProfile is a named bounding box. A profile without a box is a no-op.
type ResizeProfile struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	MaxWidth  int    `json:"max_width"`
	MaxHeight int    `json:"max_height"`
}

var ProfileNone = ResizeProfile{ID: "none", Label: "Original"}

var profiles = []ResizeProfile{
	ProfileNone,
	{ID: "small", Label: "Small (854 x 480)", MaxWidth: 854, MaxHeight: 480},
	{ID: "medium", Label: "Medium (1366 x 768)", MaxWidth: 1366, MaxHeight: 768},
	{ID: "large", Label: "Large (1920 x 1080)", MaxWidth: 1920, MaxHeight: 1080},
	{ID: "phone", Label: "Phone (320 x 568)", MaxWidth: 320, MaxHeight: 568},
	{ID: "social", Label: "Social (1200 x 630)", MaxWidth: 1200, MaxHeight: 630},
}

// Profiles returns the closed resize catalog in display order.
func Profiles() []ResizeProfile {
	out := make([]ResizeProfile, len(profiles))
	copy(out, profiles)
	return out
}

func LookupProfile(id string) (ResizeProfile, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return ResizeProfile{}, fmt.Errorf("%w: unknown resize profile %q", ErrInvalidRequest, id)
}

func (p ResizeProfile) IsNone() bool {
	return p.MaxWidth <= 0 || p.MaxHeight <= 0
}

// Fit scales (w, h) to fit inside the profile box while keeping the aspect
// ratio. The result may be larger than the source.
func Fit(w, h int, p ResizeProfile) (int, int) {
	return FitWithin(w, h, p, true)
}

// FitWithin is Fit with upscaling optionally disabled. Non-positive source
// dimensions are returned unchanged.
func FitWithin(w, h int, p ResizeProfile, allowUpscale bool) (int, int) {
	if p.IsNone() || w <= 0 || h <= 0 {
		return w, h
	}

	scale := math.Min(float64(p.MaxWidth)/float64(w), float64(p.MaxHeight)/float64(h))
	if !allowUpscale && scale > 1 {
		scale = 1
	}

	outW := int(math.Round(float64(w) * scale))
	outH := int(math.Round(float64(h) * scale))
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}
