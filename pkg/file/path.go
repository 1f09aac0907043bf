package file

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SafeJoin joins name under root and rejects results that escape root
// (absolute names, ".." segments, archive zip-slip entries).
func SafeJoin(root, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty name")
	}
	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(cleanRoot, filepath.FromSlash(name))
	rel, err := filepath.Rel(cleanRoot, joined)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %q", name, root)
	}
	return joined, nil
}
