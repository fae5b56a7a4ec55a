package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"

	// Decoders beyond the stdlib set registered by imaging.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Transcoder produces one Version from one source. Implementations must be
// safe for concurrent use across different (image, format) pairs.
type Transcoder interface {
	Transcode(ctx context.Context, src Source, req EncodingRequest) (*Version, error)
}

// ImageTranscoder decodes, resamples and re-encodes in process. It holds no
// per-call state.
type ImageTranscoder struct {
	codecs *Codecs
	opts   Options
	filter imaging.ResampleFilter
}

func NewImageTranscoder(codecs *Codecs, opts Options) (*ImageTranscoder, error) {
	filter, err := ParseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	return &ImageTranscoder{
		codecs: codecs,
		opts:   opts,
		filter: filter,
	}, nil
}

// ParseFilter resolves a resampling filter name. Only smoothing filters are
// offered.
func ParseFilter(name string) (imaging.ResampleFilter, error) {
	switch strings.ToLower(name) {
	case "", "lanczos":
		return imaging.Lanczos, nil
	case "catmullrom":
		return imaging.CatmullRom, nil
	case "mitchell":
		return imaging.MitchellNetravali, nil
	case "linear":
		return imaging.Linear, nil
	default:
		return imaging.ResampleFilter{}, fmt.Errorf("unknown resample filter %q", name)
	}
}

func (t *ImageTranscoder) Transcode(ctx context.Context, src Source, req EncodingRequest) (*Version, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := decode(src.Data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width, height := FitWithin(bounds.Dx(), bounds.Dy(), req.Resize, t.opts.AllowUpscale)
	if width != bounds.Dx() || height != bounds.Dy() {
		img = imaging.Resize(img, width, height, t.filter)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := KeyFor(req.Format, src.MIME)
	encoder, err := t.codecs.Lookup(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	data, err := encoder.Encode(ctx, img, req.Quality)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, key, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s encoder produced no output", ErrEncode, key)
	}

	return &Version{
		Format:   key,
		MIME:     encoder.MIME(),
		Filename: OutputFilename(src.Name, key),
		Data:     data,
		Size:     int64(len(data)),
		Width:    width,
		Height:   height,
	}, nil
}

func decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty bounds %v", ErrDecode, b)
	}
	return img, nil
}
