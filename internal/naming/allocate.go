// Package naming picks collision-free file names for uploads.
//
// Candidates are probed in a fixed order: the desired name first, then
// stem(1)ext, stem(2)ext and so on.
package naming

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// MaxAttempts bounds the number of numbered candidates tried for one name.
const MaxAttempts = 10000

var (
	// ErrInvalidName is returned for names with no usable base component.
	ErrInvalidName = errors.New("invalid file name")
	// ErrExhausted is returned when every candidate up to MaxAttempts is taken.
	ErrExhausted = errors.New("no free file name")
)

// BaseName strips any directory components from name. Both / and \ count as
// separators.
func BaseName(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.TrimRight(name, "/") == "" {
		return "", ErrInvalidName
	}
	base := path.Base(name)
	if base == "." || base == ".." || base == "/" {
		return "", ErrInvalidName
	}
	return base, nil
}

// SplitExt splits name into stem and extension. The extension starts at the
// last dot; a leading dot (dotfile) or a trailing dot does not start one.
func SplitExt(name string) (stem, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], name[i:]
}

func candidate(stem, ext string, n int) string {
	return stem + "(" + strconv.Itoa(n) + ")" + ext
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// Allocate returns a name, derived from desired, that does not exist in dir at
// the time of the call. The check is not atomic with any later create; use
// Create when the file is written right away.
func Allocate(dir, desired string) (string, error) {
	name, err := BaseName(desired)
	if err != nil {
		return "", err
	}
	if !exists(filepath.Join(dir, name)) {
		return name, nil
	}

	stem, ext := SplitExt(name)
	for i := 1; i <= MaxAttempts; i++ {
		c := candidate(stem, ext, i)
		if !exists(filepath.Join(dir, c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrExhausted)
}

// Create creates a new file in dir, named after desired, and returns it opened
// for writing together with its final name. Candidates are probed in the same
// order as Allocate, but each one is created with O_EXCL so concurrent callers
// never share a name.
func Create(dir, desired string) (*os.File, string, error) {
	name, err := BaseName(desired)
	if err != nil {
		return nil, "", err
	}

	stem, ext := SplitExt(name)
	for i := 0; i <= MaxAttempts; i++ {
		c := name
		if i > 0 {
			c = candidate(stem, ext, i)
		}
		f, err := os.OpenFile(filepath.Join(dir, c), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, c, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("%s: %w", name, ErrExhausted)
}
