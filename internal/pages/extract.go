package pages

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/pkg/file"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

const defaultMaxEntryBytes = 64 << 20

// ExtractedFrame is a frame materialized in the working directory.
type ExtractedFrame struct {
	Frame
	Index int
	Path  string
}

// FrameFileName is the working-storage name of a frame. The index prefix
// keeps names unique and sorts them in submission order.
func FrameFileName(index int, originalName string) string {
	base := path.Base(norm.NFC.String(strings.ReplaceAll(originalName, "\\", "/")))
	return fmt.Sprintf("%05d_%s", index, base)
}

// OpenArchive opens an in-memory zip container.
func OpenArchive(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "open archive")
	}
	return zr, nil
}

// EntryNames lists the regular file entries of zr in container order.
func EntryNames(zr *zip.Reader) []string {
	ret := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		ret = append(ret, f.Name)
	}
	return ret
}

// IndexedFrame is a processable frame with its submission index.
type IndexedFrame struct {
	Frame
	Index int
}

// SelectFrames runs the permissive pass over names in container order.
// Rejected names are skipped. When two primary frames resolve to the same
// page ("1.png" and "001.jpg") the first one wins, so each page keeps at most
// one frame that belongs in the canonical archive. Continuations are never
// dropped; "5.1.png" and "5.01.png" both keep their own index. Indexes are
// assigned in order of acceptance starting at 0.
func SelectFrames(names []string) []IndexedFrame {
	seen := NewKeySet()
	ret := make([]IndexedFrame, 0, len(names))
	for _, name := range names {
		frame, err := ValidateProcessable(name)
		if err != nil {
			log.Debug("Skipping archive entry: %v", err)
			continue
		}
		if frame.ShouldIncludeInZip && !seen.Claim(frame.BaseKey, name) {
			owner, _ := seen.Owner(frame.BaseKey)
			log.Debug("Skipping archive entry %q: duplicate of %q", name, owner)
			continue
		}
		ret = append(ret, IndexedFrame{Frame: frame, Index: len(ret)})
	}
	return ret
}

// Extractor materializes processable frames into a working directory.
type Extractor struct {
	dir           string
	maxEntryBytes int64
}

func NewExtractor(dir string) *Extractor {
	return &Extractor{dir: dir, maxEntryBytes: defaultMaxEntryBytes}
}

// WithMaxEntryBytes caps the uncompressed size of a single frame.
func (e *Extractor) WithMaxEntryBytes(n int64) *Extractor {
	if n > 0 {
		e.maxEntryBytes = n
	}
	return e
}

// Extract writes every frame selected from zr to the working directory in
// submission order.
func (e *Extractor) Extract(zr *zip.Reader) ([]ExtractedFrame, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "create frame directory")
	}

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if _, ok := byName[f.Name]; !ok {
			byName[f.Name] = f
		}
	}

	var candidates []string
	for _, name := range EntryNames(zr) {
		if f := byName[name]; f != nil && f.UncompressedSize64 > uint64(e.maxEntryBytes) {
			log.Warn("Skipping archive entry %q: %d bytes exceeds limit", name, f.UncompressedSize64)
			continue
		}
		candidates = append(candidates, name)
	}

	selected := SelectFrames(candidates)
	ret := make([]ExtractedFrame, 0, len(selected))
	for _, frame := range selected {
		dst, err := file.SafeJoin(e.dir, FrameFileName(frame.Index, frame.OriginalName))
		if err != nil {
			return nil, jobs.WrapError(err, jobs.ErrIO, "frame path")
		}
		if err := e.copyEntry(byName[frame.OriginalName], dst); err != nil {
			return nil, jobs.WrapError(err, jobs.ErrIO, "extract frame").WithContext("entry", frame.OriginalName)
		}
		ret = append(ret, ExtractedFrame{Frame: frame.Frame, Index: frame.Index, Path: dst})
	}
	return ret, nil
}

func (e *Extractor) copyEntry(f *zip.File, dst string) error {
	if f == nil {
		return fmt.Errorf("entry not found")
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(src, e.maxEntryBytes)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ReadEntry returns the content of the first entry named name.
func ReadEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, jobs.NewErrorf(jobs.ErrNotFound, "archive entry %q not found", name)
}
