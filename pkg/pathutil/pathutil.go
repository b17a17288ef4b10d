// Package pathutil normalizes repository paths. All paths exchanged between
// the engine and its repositories are forward-slash delimited and relative to
// the repository root; OS-specific separators appear only at the filesystem
// boundary.
package pathutil

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path escapes the repository root.
var ErrOutsideRoot = errors.New("path is outside the repository root")

// Normalize cleans a repository path: forward slashes, no leading or trailing
// slash, "." for the root. Rejects any path containing a ".." segment.
func Normalize(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrOutsideRoot
		}
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return ".", nil
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", ErrOutsideRoot
	}
	return p, nil
}

// ToOS converts a repository-relative path to an absolute OS path under root.
func ToOS(root, rel string) string {
	if rel == "." || rel == "" {
		return filepath.Clean(root)
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

// FromOS converts an absolute OS path to a repository-relative path.
// Returns ErrOutsideRoot if abs does not live under root.
func FromOS(root, abs string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(abs))
	if err != nil {
		return "", ErrOutsideRoot
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", ErrOutsideRoot
	}
	if rel == "." {
		return ".", nil
	}
	return rel, nil
}

// Parent returns the parent of a repository path ("." for top-level entries).
func Parent(p string) string {
	dir := path.Dir(p)
	if dir == "/" || dir == "" {
		return "."
	}
	return dir
}

// Base returns the final element of a repository path.
func Base(p string) string {
	return path.Base(p)
}

// Join joins repository path elements with forward slashes.
func Join(elem ...string) string {
	joined := path.Join(elem...)
	if joined == "" {
		return "."
	}
	return joined
}

// IsWithin reports whether p equals prefix or lives beneath it.
func IsWithin(prefix, p string) bool {
	if prefix == "" || prefix == "." {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
