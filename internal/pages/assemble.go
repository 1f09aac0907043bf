package pages

import (
	"path"
	"sort"
	"strings"
)

// Assemble groups frames by page, orders each page's frames by submission
// index and joins their texts with single spaces. Each text is trimmed of
// surrounding whitespace first and blank texts are dropped, so "Hello ", ""
// and "world" give "Hello world". Paragraphs come out with
// numeric page keys ascending, followed by non-numeric keys in lexical
// order. Frames without a BaseKey are keyed by the leading digits of their
// file name.
func Assemble(frames []RecognizedFrame) []Paragraph {
	buckets := make(map[string][]RecognizedFrame)
	for _, f := range frames {
		key := f.BaseKey
		if key == "" {
			key = deriveBaseKey(f.OriginalName)
		}
		buckets[key] = append(buckets[key], f)
	}

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return compareKeys(keys[i], keys[j]) < 0 })

	ret := make([]Paragraph, 0, len(keys))
	for _, key := range keys {
		bucket := buckets[key]
		sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].Index < bucket[j].Index })

		texts := make([]string, 0, len(bucket))
		for _, f := range bucket {
			if t := strings.TrimSpace(f.Text); t != "" {
				texts = append(texts, t)
			}
		}
		ret = append(ret, Paragraph{BaseKey: key, Text: strings.Join(texts, " ")})
	}
	return ret
}

// deriveBaseKey returns the leading run of digits of the file stem without
// leading zeros, or the whole stem when it does not start with a digit.
func deriveBaseKey(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	stem := strings.TrimSuffix(base, path.Ext(base))
	end := 0
	for end < len(stem) && stem[end] >= '0' && stem[end] <= '9' {
		end++
	}
	if end == 0 {
		return stem
	}
	return normalizeInt(stem[:end])
}

func isNumericKey(key string) bool {
	return key != "" && digitsStem.MatchString(key)
}

// compareKeys orders numeric keys by value ahead of non-numeric keys, which
// compare lexically. Numeric values are compared as digit strings so keys of
// any length are ordered correctly.
func compareKeys(a, b string) int {
	an, bn := isNumericKey(a), isNumericKey(b)
	switch {
	case an && !bn:
		return -1
	case !an && bn:
		return 1
	case !an && !bn:
		return strings.Compare(a, b)
	}

	at, bt := normalizeInt(a), normalizeInt(b)
	if len(at) != len(bt) {
		if len(at) < len(bt) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(at, bt); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}
