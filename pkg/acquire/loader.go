package acquire

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-hclog"

	"github.com/olivpeter/compressorPro/pkg/media"
)

var (
	ErrNotImage = errors.New("not an image")
	ErrTooLarge = errors.New("file too large")
)

// Loader reads files from disk and keeps only those whose content sniffs as
// an image/* type. The declared extension is ignored.
type Loader struct {
	MaxBytes int64
	Logger   hclog.Logger
}

func NewLoader(maxBytes int64, logger hclog.Logger) *Loader {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Loader{MaxBytes: maxBytes, Logger: logger.Named("acquire")}
}

func (l *Loader) Load(path string) (media.Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return media.Source{}, err
	}
	if info.IsDir() {
		return media.Source{}, fmt.Errorf("%w: %s is a directory", ErrNotImage, path)
	}
	if l.MaxBytes > 0 && info.Size() > l.MaxBytes {
		return media.Source{}, fmt.Errorf("%w: %s is %s, limit %s", ErrTooLarge, path,
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(l.MaxBytes)))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return media.Source{}, err
	}
	return Sniff(filepath.Base(path), data)
}

// Sniff classifies data by content and returns it as a source when it is
// an image. The type implied by the file extension is only used when the
// content is unrecognised.
func Sniff(name string, data []byte) (media.Source, error) {
	detected := mimetype.Detect(data).String()
	if detected == "application/octet-stream" {
		if declared := mime.TypeByExtension(filepath.Ext(name)); declared != "" {
			detected = declared
		}
	}
	if !strings.HasPrefix(detected, "image/") {
		return media.Source{}, fmt.Errorf("%w: %s is %s", ErrNotImage, name, detected)
	}
	return media.Source{Name: name, MIME: detected, Data: data}, nil
}

// LoadPaths loads every file named in paths. Directories contribute their
// immediate regular files in name order. Files that are not images are
// skipped; other failures are returned alongside whatever did load.
func (l *Loader) LoadPaths(paths []string) ([]media.Source, error) {
	var (
		sources []media.Source
		errs    []error
		skipped int
	)

	for _, path := range l.expand(paths, &errs) {
		src, err := l.Load(path)
		switch {
		case errors.Is(err, ErrNotImage):
			skipped++
			l.Logger.Debug("skipping non-image file", "path", path)
		case err != nil:
			errs = append(errs, fmt.Errorf("load %s: %w", path, err))
		default:
			sources = append(sources, src)
		}
	}

	if skipped > 0 {
		l.Logger.Info("skipped non-image files", "count", skipped)
	}
	return sources, errors.Join(errs...)
}

func (l *Loader) expand(paths []string, errs *[]error) []string {
	var out []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		if !info.IsDir() {
			out = append(out, path)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		var files []string
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out
}
