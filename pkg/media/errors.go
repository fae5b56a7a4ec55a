package media

import "errors"

var (
	// ErrDecode means the input bytes are not a renderable raster image.
	ErrDecode = errors.New("decode image")
	// ErrEncode means no output was produced for the requested format.
	ErrEncode = errors.New("encode image")
	// ErrUnsupportedFormat is wrapped by ErrEncode when no usable encoder exists.
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrInvalidRequest    = errors.New("invalid encoding request")
)
