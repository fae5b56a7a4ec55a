package reconciler

import (
	"fmt"

	"github.com/olivpeter/compressorPro/pkg/media"
)

// Settings is the global (quality, resize, target format) value. Passes take
// it by value; tasks never read live settings.
type Settings struct {
	Quality      float64             `json:"quality"`
	Resize       media.ResizeProfile `json:"resize"`
	TargetFormat media.Format        `json:"target_format"`
}

func DefaultSettings() Settings {
	return Settings{
		Quality:      0.8,
		Resize:       media.ProfileNone,
		TargetFormat: media.FormatOriginal,
	}
}

func (s Settings) Validate() error {
	if err := validateQuality(s.Quality); err != nil {
		return err
	}
	if _, err := media.LookupProfile(s.Resize.ID); err != nil {
		return err
	}
	if _, err := media.ParseTargetFormat(string(s.TargetFormat)); err != nil {
		return err
	}
	return nil
}

func (s Settings) request(format media.Format) media.EncodingRequest {
	return media.EncodingRequest{
		Format:  format,
		Quality: s.Quality,
		Resize:  s.Resize,
	}
}

func validateQuality(q float64) error {
	if q <= 0 || q > 1 {
		return fmt.Errorf("%w: quality %v outside (0,1]", media.ErrInvalidRequest, q)
	}
	return nil
}
