package pages

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
)

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

var metadataDirs = []string{"__MACOSX"}

const metadataStemPrefix = "._"

var (
	digitsStem      = regexp.MustCompile(`^[0-9]+$`)
	processableStem = regexp.MustCompile(`^([0-9]+)(?:\.([0-9]+))?$`)
)

// KeySet records the canonical keys already claimed within one archive.
// The caller owns it and passes the same set to every Canonicalize call of
// that archive.
type KeySet struct {
	claimed map[string]string
}

func NewKeySet() *KeySet {
	return &KeySet{claimed: make(map[string]string)}
}

// Claim records key for name and reports whether key was still free.
func (s *KeySet) Claim(key, name string) bool {
	if _, ok := s.claimed[key]; ok {
		return false
	}
	s.claimed[key] = name
	return true
}

// Owner returns the entry name that claimed key.
func (s *KeySet) Owner(key string) (string, bool) {
	name, ok := s.claimed[key]
	return name, ok
}

func (s *KeySet) Len() int {
	return len(s.claimed)
}

// splitEntry normalizes an entry name and rejects metadata entries and
// non-image extensions. It returns the stem and the lower-cased extension.
func splitEntry(name string) (stem string, ext string, err error) {
	name = norm.NFC.String(strings.ReplaceAll(name, "\\", "/"))
	for _, segment := range strings.Split(path.Dir(name), "/") {
		for _, dir := range metadataDirs {
			if segment == dir {
				return "", "", jobs.NewErrorf(jobs.ErrValidation, "metadata directory entry %q", name)
			}
		}
	}
	base := path.Base(name)
	if strings.HasPrefix(base, metadataStemPrefix) {
		return "", "", jobs.NewErrorf(jobs.ErrValidation, "metadata file %q", name)
	}
	ext = strings.ToLower(path.Ext(base))
	if !imageExts[ext] {
		return "", "", jobs.NewErrorf(jobs.ErrValidation, "unsupported extension in %q", name)
	}
	return strings.TrimSuffix(base, path.Ext(base)), ext, nil
}

// normalizeInt drops leading zeros from a run of decimal digits.
func normalizeInt(digits string) string {
	trimmed := strings.TrimLeft(digits, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// Canonicalize accepts name as the single image of its page when its stem is
// a pure run of digits and the canonical key is not yet claimed in keys.
// Rejections are ErrValidation errors.
func Canonicalize(name string, keys *KeySet) (CanonicalEntry, error) {
	stem, ext, err := splitEntry(name)
	if err != nil {
		return CanonicalEntry{}, err
	}
	if !digitsStem.MatchString(stem) {
		return CanonicalEntry{}, jobs.NewErrorf(jobs.ErrValidation, "stem of %q is not a page number", name)
	}
	key := normalizeInt(stem)
	if !keys.Claim(key, name) {
		owner, _ := keys.Owner(key)
		return CanonicalEntry{}, jobs.NewErrorf(jobs.ErrValidation, "page %s of %q already claimed by %q", key, name, owner)
	}
	return CanonicalEntry{OriginalName: name, Key: key, Ext: ext}, nil
}

// CanonicalizeAll runs Canonicalize over names in order with a fresh key set
// and skips rejected entries.
func CanonicalizeAll(names []string) []CanonicalEntry {
	keys := NewKeySet()
	ret := make([]CanonicalEntry, 0, len(names))
	for _, name := range names {
		entry, err := Canonicalize(name, keys)
		if err != nil {
			continue
		}
		ret = append(ret, entry)
	}
	return ret
}

// ValidateProcessable accepts stems shaped "N" or "N.M". The frame is kept
// in the canonical archive only when it has no decimal suffix.
func ValidateProcessable(name string) (Frame, error) {
	stem, _, err := splitEntry(name)
	if err != nil {
		return Frame{}, err
	}
	m := processableStem.FindStringSubmatch(stem)
	if m == nil {
		return Frame{}, jobs.NewErrorf(jobs.ErrValidation, "stem of %q is not a page number", name)
	}
	frame := Frame{
		OriginalName:       name,
		BaseKey:            normalizeInt(m[1]),
		ShouldIncludeInZip: m[2] == "",
	}
	if m[2] != "" {
		seq, err := strconv.Atoi(m[2])
		if err != nil {
			return Frame{}, jobs.WrapError(err, jobs.ErrValidation, "continuation index out of range")
		}
		frame.SequenceIndex = seq
	}
	return frame, nil
}
