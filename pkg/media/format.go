package media

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Format is the value of an encoding request. FormatOriginal means "whatever
// the source MIME type is"; every other value names an encoder.
type Format string

const (
	FormatOriginal Format = "original"
	FormatJPEG     Format = "jpeg"
	FormatPNG      Format = "png"
	FormatWebP     Format = "webp"
	FormatAVIF     Format = "avif"
	FormatGIF      Format = "gif"
	FormatTIFF     Format = "tiff"
	FormatBMP      Format = "bmp"
)

// targetFormats are the values a user may pick as the target format.
var targetFormats = []Format{FormatOriginal, FormatJPEG, FormatPNG, FormatWebP, FormatAVIF}

// Aliasing table. Request values and storage keys only differ for JPEG, and
// a couple of MIME subtypes need a shorter key.
var (
	requestToKey = map[Format]string{
		FormatJPEG: "jpg",
	}
	keyToRequest = map[string]Format{
		"jpg":  FormatJPEG,
		"jpeg": FormatJPEG,
	}
	subtypeToKey = map[string]string{
		"jpeg":     "jpg",
		"jpg":      "jpg",
		"pjpeg":    "jpg",
		"svg+xml":  "svg",
		"x-png":    "png",
		"x-ms-bmp": "bmp",
	}
	keyToMIME = map[string]string{
		"jpg": "image/jpeg",
		"svg": "image/svg+xml",
	}
)

// TargetFormats lists the formats selectable as the global target.
func TargetFormats() []Format {
	out := make([]Format, len(targetFormats))
	copy(out, targetFormats)
	return out
}

// ParseTargetFormat validates a user supplied target format. "jpg" is
// accepted as a spelling of jpeg.
func ParseTargetFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if alias, ok := keyToRequest[string(f)]; ok {
		f = alias
	}
	for _, t := range targetFormats {
		if t == f {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: unknown target format %q", ErrInvalidRequest, s)
}

// KeyForMIME derives the storage key for a source MIME type, e.g.
// image/jpeg -> jpg, image/svg+xml -> svg.
func KeyForMIME(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}
	_, subtype, ok := strings.Cut(mediaType, "/")
	if !ok {
		subtype = mediaType
	}
	if key, ok := subtypeToKey[subtype]; ok {
		return key
	}
	return subtype
}

// KeyFor is the storage key a request for f would produce for a source of
// the given MIME type.
func KeyFor(f Format, sourceMIME string) string {
	if f == FormatOriginal {
		return KeyForMIME(sourceMIME)
	}
	if key, ok := requestToKey[f]; ok {
		return key
	}
	return string(f)
}

// RequestFor maps a storage key back to the explicit format to request.
// It never returns FormatOriginal.
func RequestFor(key string) Format {
	if f, ok := keyToRequest[key]; ok {
		return f
	}
	return Format(key)
}

func MIMEForKey(key string) string {
	if m, ok := keyToMIME[key]; ok {
		return m
	}
	return "image/" + key
}

// OutputFilename replaces the extension of name with the canonical
// extension of key.
func OutputFilename(name, key string) string {
	base := filepath.Base(name)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base + "." + key
}
