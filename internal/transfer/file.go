package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotRegularFile = errors.New("not a regular file")

// ValidateFile resolves path (expanding a leading ~) and checks that it names
// an existing regular file.
func ValidateFile(path string) (string, os.FileInfo, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil, errors.New("empty path")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", nil, err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", nil, err
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%s: %w", abs, ErrNotRegularFile)
	}
	return abs, info, nil
}

// SanitizeFilename keeps only the final element of a name a peer sent, so an
// offer can never write outside the downloads directory.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "download"
	}
	return name
}

// UniqueFilename returns dir/name, or dir/"base (n).ext" with the smallest n
// that does not exist yet.
func UniqueFilename(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if !exists(candidate) {
		return candidate
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if !exists(candidate) {
			return candidate
		}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// createDestination picks a free name and creates it exclusively, retrying if
// another writer takes the name first.
func createDestination(dir, name string, size int64) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}

	for attempt := 0; attempt < 16; attempt++ {
		path := UniqueFilename(dir, name)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, "", err
		}
		return f, path, nil
	}
	return nil, "", fmt.Errorf("no free filename for %s", name)
}
