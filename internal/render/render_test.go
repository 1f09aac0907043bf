package render

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/pagescan-ocr/internal/pages"
)

func TestText(t *testing.T) {
	out := Text([]pages.Paragraph{
		{BaseKey: "1", Text: "first page"},
		{BaseKey: "2", Text: "second page"},
	})
	assert.Equal(t, "first page\n\nsecond page\n", string(out))
	assert.Empty(t, Text(nil))
}

func readPart(t *testing.T, data []byte, name string) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(b)
	}
	t.Fatalf("part %s not found", name)
	return ""
}

func TestDocx(t *testing.T) {
	paragraphs := []pages.Paragraph{
		{BaseKey: "1", Text: "Fish & Chips <cheap>"},
		{BaseKey: "2", Text: "line one\nline two"},
	}
	out, err := Docx(paragraphs)
	require.NoError(t, err)

	assert.Contains(t, readPart(t, out, "[Content_Types].xml"), "/word/document.xml")
	assert.Contains(t, readPart(t, out, "_rels/.rels"), "word/document.xml")

	doc := readPart(t, out, "word/document.xml")
	assert.Contains(t, doc, `<w:document xmlns:w="`+wordNS+`">`)
	assert.Contains(t, doc, "Fish &amp; Chips &lt;cheap&gt;")
	assert.Contains(t, doc, `<w:t xml:space="preserve">line one</w:t><w:br></w:br><w:t xml:space="preserve">line two</w:t>`)
	assert.Equal(t, 2, bytes.Count([]byte(doc), []byte("<w:p>")))

	again, err := Docx(paragraphs)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestDocx_DropsInvalidXMLChars(t *testing.T) {
	out, err := Docx([]pages.Paragraph{{BaseKey: "1", Text: "a\x00b\x1fc"}})
	require.NoError(t, err)
	assert.Contains(t, readPart(t, out, "word/document.xml"), ">abc<")
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestThumbnail(t *testing.T) {
	tests := []struct {
		name         string
		w, h, size   int
		wantW, wantH int
	}{
		{name: "landscape", w: 200, h: 100, size: 64, wantW: 64, wantH: 32},
		{name: "portrait", w: 100, h: 400, size: 64, wantW: 16, wantH: 64},
		{name: "already small", w: 30, h: 20, size: 64, wantW: 30, wantH: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Thumbnail(encodePNG(t, tt.w, tt.h), tt.size)
			require.NoError(t, err)
			cfg, err := png.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, cfg.Width)
			assert.Equal(t, tt.wantH, cfg.Height)
		})
	}
}

func TestThumbnail_RejectsGarbage(t *testing.T) {
	_, err := Thumbnail([]byte("not an image"), 64)
	assert.Error(t, err)
}
