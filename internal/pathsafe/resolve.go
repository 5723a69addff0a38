// Package pathsafe resolves client-supplied relative paths against a boundary
// directory.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrTraversal is returned when a path resolves outside its base directory.
	ErrTraversal = errors.New("path escapes base directory")
	// ErrNotFound is returned when a path does not name an existing regular file.
	ErrNotFound = errors.New("file not found")
)

// Canonical returns the absolute, symlink-free form of dir.
func Canonical(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// Within reports whether target lies strictly inside base. Both paths must be
// clean and absolute. The comparison is done on path components, so /a/bb is
// not inside /a/b.
func Within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Resolve joins rel onto baseDir and returns the canonical path of the result.
// It fails with ErrTraversal if the result (after evaluating symlinks) is not
// strictly inside baseDir, and with ErrNotFound if it is not a regular file.
func Resolve(baseDir, rel string) (string, error) {
	base, err := Canonical(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base %q: %w", baseDir, ErrNotFound)
	}

	// Lexical check first so nothing outside base is ever stat'ed.
	joined := filepath.Join(base, filepath.FromSlash(rel))
	if !Within(base, joined) {
		return "", ErrTraversal
	}

	target, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", ErrNotFound
	}
	if !Within(base, target) {
		return "", ErrTraversal
	}

	fi, err := os.Stat(target)
	if err != nil {
		return "", ErrNotFound
	}
	if !fi.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return target, nil
}
