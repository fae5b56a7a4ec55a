package archive

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/olivpeter/compressorPro/pkg/library"
)

const DefaultName = "imagens_comprimidas.zip"

// Entry is one file of the bundle.
type Entry struct {
	Name string
	Data []byte
}

// Source is the part of the library the assembler reads.
type Source interface {
	Images() []*library.SourceImage
	Versions(id string) library.VersionSet
}

// Build emits one entry per stored version, images in library order and
// versions in format key order. Names are the versions' own filenames;
// two images with the same base name produce duplicate entries.
func Build(src Source) []Entry {
	var entries []Entry
	for _, img := range src.Images() {
		versions := src.Versions(img.ID)
		for _, key := range versions.Keys() {
			v := versions[key]
			entries = append(entries, Entry{Name: v.Filename, Data: v.Data})
		}
	}
	return entries
}

// WriteZip packs entries into a zip stream. Payloads are already compressed
// image data, so entries are stored rather than deflated.
func WriteZip(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	now := time.Now()

	for _, e := range entries {
		f, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Store,
			Modified: now,
		})
		if err != nil {
			return fmt.Errorf("add %s: %w", e.Name, err)
		}
		if _, err := f.Write(e.Data); err != nil {
			return fmt.Errorf("write %s: %w", e.Name, err)
		}
	}

	return zw.Close()
}

// WriteFile writes the bundle to path, replacing any existing file.
func WriteFile(path string, entries []Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteZip(f, entries)
}
