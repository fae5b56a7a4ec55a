package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Encoder turns a rendered image into bytes of one output format.
type Encoder interface {
	Key() string
	MIME() string
	// Available reports whether the encoder can run in this process. External
	// encoders may not be installed.
	Available() bool
	Encode(ctx context.Context, img image.Image, quality float64) ([]byte, error)
}

// Codecs is the set of encoders keyed by storage key.
type Codecs struct {
	mu       sync.RWMutex
	encoders map[string]Encoder
}

func NewCodecs(opts Options) *Codecs {
	c := &Codecs{encoders: make(map[string]Encoder)}

	c.Register(&imagingEncoder{key: "jpg", format: imaging.JPEG})
	c.Register(&imagingEncoder{key: "png", format: imaging.PNG, pngLevel: parsePNGCompression(opts.PNGCompression)})
	c.Register(&imagingEncoder{key: "gif", format: imaging.GIF})
	c.Register(&imagingEncoder{key: "tiff", format: imaging.TIFF})
	c.Register(&imagingEncoder{key: "bmp", format: imaging.BMP})
	c.Register(&webpEncoder{})
	c.Register(NewAVIFEncoder(opts.AVIFEncoder, opts.AVIFSpeed))

	return c
}

func (c *Codecs) Register(e Encoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoders[e.Key()] = e
}

// Lookup returns the encoder for key, or ErrUnsupportedFormat when none is
// registered or it cannot run here.
func (c *Codecs) Lookup(key string) (Encoder, error) {
	c.mu.RLock()
	e, ok := c.encoders[key]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, key)
	}
	if !e.Available() {
		return nil, fmt.Errorf("%w: %s encoder not available", ErrUnsupportedFormat, key)
	}
	return e, nil
}

// Available lists the keys that can currently be encoded.
func (c *Codecs) Available() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.encoders))
	for key, e := range c.encoders {
		if e.Available() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// percent maps a (0,1] quality fraction onto the 1..100 scale encoders use.
func percent(quality float64) int {
	q := int(math.Round(quality * 100))
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	return q
}

func parsePNGCompression(level string) png.CompressionLevel {
	switch level {
	case "none":
		return png.NoCompression
	case "fast":
		return png.BestSpeed
	case "default":
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

type imagingEncoder struct {
	key      string
	format   imaging.Format
	pngLevel png.CompressionLevel
}

func (e *imagingEncoder) Key() string     { return e.key }
func (e *imagingEncoder) MIME() string    { return MIMEForKey(e.key) }
func (e *imagingEncoder) Available() bool { return true }

func (e *imagingEncoder) Encode(_ context.Context, img image.Image, quality float64) ([]byte, error) {
	var opts []imaging.EncodeOption
	switch e.format {
	case imaging.JPEG:
		opts = append(opts, imaging.JPEGQuality(percent(quality)))
	case imaging.PNG:
		opts = append(opts, imaging.PNGCompressionLevel(e.pngLevel))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, e.format, opts...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type webpEncoder struct{}

func (e *webpEncoder) Key() string     { return "webp" }
func (e *webpEncoder) MIME() string    { return "image/webp" }
func (e *webpEncoder) Available() bool { return true }

func (e *webpEncoder) Encode(_ context.Context, img image.Image, quality float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{
		Lossless: false,
		Quality:  float32(percent(quality)),
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AVIFEncoder shells out to libavif's avifenc. There is no in-process AVIF
// encoder in the stack, so the format is unavailable without the binary.
type AVIFEncoder struct {
	path  string
	speed int

	once     sync.Once
	resolved string
}

func NewAVIFEncoder(path string, speed int) *AVIFEncoder {
	if path == "" {
		path = "avifenc"
	}
	if speed < 0 || speed > 10 {
		speed = 6
	}
	return &AVIFEncoder{path: path, speed: speed}
}

func (e *AVIFEncoder) Key() string  { return "avif" }
func (e *AVIFEncoder) MIME() string { return "image/avif" }

func (e *AVIFEncoder) Available() bool {
	e.once.Do(func() {
		if p, err := exec.LookPath(e.path); err == nil {
			e.resolved = p
		}
	})
	return e.resolved != ""
}

func (e *AVIFEncoder) Encode(ctx context.Context, img image.Image, quality float64) ([]byte, error) {
	if !e.Available() {
		return nil, fmt.Errorf("%w: avifenc not found at %q", ErrUnsupportedFormat, e.path)
	}

	dir, err := os.MkdirTemp("", "avif-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.png")
	out := filepath.Join(dir, "out.avif")

	f, err := os.Create(in)
	if err != nil {
		return nil, fmt.Errorf("create input: %w", err)
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, img); err != nil {
		f.Close()
		return nil, fmt.Errorf("write input: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.resolved,
		"--speed", strconv.Itoa(e.speed),
		"-q", strconv.Itoa(percent(quality)),
		in, out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("avifenc: %w: %s", err, bytes.TrimSpace(output))
	}

	return os.ReadFile(out)
}
