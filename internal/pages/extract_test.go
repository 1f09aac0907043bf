package pages

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name string
	data string
}

func buildZip(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSelectFrames_AssignsIndexInContainerOrder(t *testing.T) {
	got := SelectFrames([]string{"2.png", "notes.txt", "1.1.png", "1.png", "__MACOSX/1.png", "01.jpg", "1.01.png"})

	require.Len(t, got, 4)
	assert.Equal(t, "2.png", got[0].OriginalName)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, "1.1.png", got[1].OriginalName)
	assert.Equal(t, 1, got[1].Index)
	assert.Equal(t, "1.png", got[2].OriginalName)
	assert.Equal(t, 2, got[2].Index)
	assert.Equal(t, "1.01.png", got[3].OriginalName)
	assert.Equal(t, 3, got[3].Index)

	included := 0
	for _, f := range got {
		if f.BaseKey == "1" && f.ShouldIncludeInZip {
			included++
		}
	}
	assert.Equal(t, 1, included)
}

func TestSelectFrames_KeepsDuplicateContinuations(t *testing.T) {
	got := SelectFrames([]string{"5.png", "5.1.png", "5.01.png", "005.png"})

	require.Len(t, got, 3)
	assert.Equal(t, []string{"5.png", "5.1.png", "5.01.png"},
		[]string{got[0].OriginalName, got[1].OriginalName, got[2].OriginalName})
	assert.Equal(t, []int{0, 1, 2}, []int{got[0].Index, got[1].Index, got[2].Index})
	assert.True(t, got[0].ShouldIncludeInZip)
	assert.False(t, got[1].ShouldIncludeInZip)
	assert.False(t, got[2].ShouldIncludeInZip)
	assert.Equal(t, 1, got[2].SequenceIndex)
}

func TestExtractor_MaterializesFrames(t *testing.T) {
	data := buildZip(t,
		entry{"scans/", ""},
		entry{"scans/3.png", "page3"},
		entry{"scans/3.1.png", "page3b"},
		entry{"__MACOSX/scans/._3.png", "junk"},
		entry{"readme.md", "hi"},
		entry{"scans/1.png", "page1"},
	)
	zr, err := OpenArchive(data)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "frames")
	frames, err := NewExtractor(dir).Extract(zr)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, filepath.Join(dir, "00000_3.png"), frames[0].Path)
	assert.Equal(t, filepath.Join(dir, "00001_3.1.png"), frames[1].Path)
	assert.Equal(t, filepath.Join(dir, "00002_1.png"), frames[2].Path)

	content, err := os.ReadFile(frames[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "page3b", string(content))
	assert.Equal(t, "3", frames[1].BaseKey)
	assert.Equal(t, 1, frames[1].SequenceIndex)
}

func TestExtractor_SkipsOversizedEntries(t *testing.T) {
	data := buildZip(t, entry{"1.png", "0123456789"}, entry{"2.png", "ok"})
	zr, err := OpenArchive(data)
	require.NoError(t, err)

	frames, err := NewExtractor(t.TempDir()).WithMaxEntryBytes(5).Extract(zr)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "2.png", frames[0].OriginalName)
	assert.Equal(t, 0, frames[0].Index)
}

func TestOpenArchive_RejectsGarbage(t *testing.T) {
	_, err := OpenArchive([]byte("not a zip"))
	require.Error(t, err)
}

func TestBuildCanonicalArchive(t *testing.T) {
	data := buildZip(t,
		entry{"10.png", "ten"},
		entry{"2.JPG", "two"},
		entry{"2.1.png", "two-cont"},
		entry{"002.png", "dup"},
		entry{"1.png", "one"},
	)
	zr, err := OpenArchive(data)
	require.NoError(t, err)

	var out bytes.Buffer
	entries, err := BuildCanonicalArchive(zr, &out)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	built, err := OpenArchive(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"1.png", "2.jpg", "10.png"}, EntryNames(built))

	two, err := ReadEntry(built, "2.jpg")
	require.NoError(t, err)
	assert.Equal(t, "two", string(two))

	var again bytes.Buffer
	_, err = BuildCanonicalArchive(zr, &again)
	require.NoError(t, err)
	assert.Equal(t, out.Bytes(), again.Bytes())
}

func TestBuildFramesArchive(t *testing.T) {
	data := buildZip(t, entry{"1.png", "a"}, entry{"1.1.png", "b"})
	zr, err := OpenArchive(data)
	require.NoError(t, err)
	frames, err := NewExtractor(t.TempDir()).Extract(zr)
	require.NoError(t, err)

	// reversed input still archives in submission order
	reversed := []ExtractedFrame{frames[1], frames[0]}
	var out bytes.Buffer
	require.NoError(t, BuildFramesArchive(reversed, &out))

	built, err := OpenArchive(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"00000_1.png", "00001_1.1.png"}, EntryNames(built))
}

func TestReadEntry_Missing(t *testing.T) {
	zr, err := OpenArchive(buildZip(t, entry{"1.png", "a"}))
	require.NoError(t, err)
	_, err = ReadEntry(zr, "2.png")
	require.Error(t, err)
}
