// Package render turns assembled paragraphs into downloadable documents.
package render

import (
	"bytes"

	"github.com/MimeLyc/pagescan-ocr/internal/pages"
)

const (
	ContentTypeText = "text/plain; charset=utf-8"
	ContentTypeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	ContentTypePNG  = "image/png"
)

// Text writes one paragraph per block, blocks separated by a blank line.
func Text(paragraphs []pages.Paragraph) []byte {
	var buf bytes.Buffer
	for i, p := range paragraphs {
		if i > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p.Text)
	}
	if buf.Len() > 0 {
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
