package media

import "fmt"

// Source is the raw input of one transcode: the bytes as acquired plus the
// declared MIME type and original filename.
type Source struct {
	Name string
	MIME string
	Data []byte
}

// EncodingRequest describes what to produce, not a stored entity.
type EncodingRequest struct {
	Format  Format
	Quality float64
	Resize  ResizeProfile
}

func (r EncodingRequest) Validate() error {
	if r.Format == "" {
		return fmt.Errorf("%w: empty format", ErrInvalidRequest)
	}
	if r.Quality <= 0 || r.Quality > 1 {
		return fmt.Errorf("%w: quality %v outside (0,1]", ErrInvalidRequest, r.Quality)
	}
	return nil
}

// Version is the output of one transcode. It is never mutated once built;
// re-transcoding produces a new Version that replaces it under the same key.
type Version struct {
	Format   string `json:"format"`
	MIME     string `json:"mime"`
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
	Size     int64  `json:"size"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`

	// Handle is assigned by the library when the version is stored.
	Handle string `json:"-"`
}

type Options struct {
	Filter         string `json:"filter"`
	AllowUpscale   bool   `json:"allow_upscale"`
	PNGCompression string `json:"png_compression"`
	AVIFEncoder    string `json:"avif_encoder"`
	AVIFSpeed      int    `json:"avif_speed"`
}

func DefaultOptions() Options {
	return Options{
		Filter:         "lanczos",
		AllowUpscale:   true,
		PNGCompression: "best",
		AVIFEncoder:    "avifenc",
		AVIFSpeed:      6,
	}
}

// Fingerprint identifies the option values that change encoded output.
func (o Options) Fingerprint() string {
	return fmt.Sprintf("%s/%t/%s", o.Filter, o.AllowUpscale, o.PNGCompression)
}
