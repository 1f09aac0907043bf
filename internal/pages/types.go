// Package pages turns archive entries into page frames and recognized
// frames into ordered paragraphs.
package pages

// Frame is a processable archive entry. BaseKey identifies the logical page;
// SequenceIndex is 0 for the primary image and increases for continuations.
type Frame struct {
	OriginalName       string `json:"original_name"`
	BaseKey            string `json:"base_key"`
	SequenceIndex      int    `json:"sequence_index"`
	ShouldIncludeInZip bool   `json:"should_include_in_zip"`
}

// RecognizedFrame is a frame with its recognized text. Index is the
// submission order assigned at extraction and never changes afterwards.
type RecognizedFrame struct {
	Frame
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Paragraph is the text of one logical page.
type Paragraph struct {
	BaseKey string `json:"base_key"`
	Text    string `json:"text"`
}

// CanonicalEntry is an archive entry accepted as the single image of a page.
type CanonicalEntry struct {
	OriginalName string
	Key          string
	// Ext is the lower-cased extension including the dot.
	Ext string
}

// Name is the entry name used in the canonical archive.
func (e CanonicalEntry) Name() string {
	return e.Key + e.Ext
}
