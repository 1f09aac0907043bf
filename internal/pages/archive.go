package pages

import (
	"archive/zip"
	"io"
	"os"
	"sort"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
)

// BuildCanonicalArchive writes one entry per page of src to w, named
// "<key><ext>" and ordered by page number. Image data is stored without
// recompression and headers carry no timestamps, so equal input yields
// byte-identical output.
func BuildCanonicalArchive(src *zip.Reader, w io.Writer) ([]CanonicalEntry, error) {
	entries := CanonicalizeAll(EntryNames(src))
	sort.SliceStable(entries, func(i, j int) bool {
		return compareKeys(entries[i].Key, entries[j].Key) < 0
	})

	zw := zip.NewWriter(w)
	for _, entry := range entries {
		data, err := ReadEntry(src, entry.OriginalName)
		if err != nil {
			return nil, jobs.WrapError(err, jobs.ErrIO, "read page").WithContext("entry", entry.OriginalName)
		}
		if err := writeStored(zw, entry.Name(), data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrIO, "close canonical archive")
	}
	return entries, nil
}

// BuildFramesArchive writes the extracted frames to w under their working
// names in submission order.
func BuildFramesArchive(frames []ExtractedFrame, w io.Writer) error {
	ordered := append([]ExtractedFrame(nil), frames...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	zw := zip.NewWriter(w)
	for _, frame := range ordered {
		data, err := os.ReadFile(frame.Path)
		if err != nil {
			return jobs.WrapError(err, jobs.ErrIO, "read frame").WithContext("path", frame.Path)
		}
		if err := writeStored(zw, FrameFileName(frame.Index, frame.OriginalName), data); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return jobs.WrapError(err, jobs.ErrIO, "close frames archive")
	}
	return nil
}

func writeStored(zw *zip.Writer, name string, data []byte) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return jobs.WrapError(err, jobs.ErrIO, "create archive entry").WithContext("entry", name)
	}
	if _, err := fw.Write(data); err != nil {
		return jobs.WrapError(err, jobs.ErrIO, "write archive entry").WithContext("entry", name)
	}
	return nil
}
