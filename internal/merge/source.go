package merge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// Source returns the text of a fragment by name. Import directives name
// fragments; how names map to storage is up to the Source.
type Source interface {
	Open(name string) (string, error)
}

type SourceFunc func(name string) (string, error)

func (f SourceFunc) Open(name string) (string, error) { return f(name) }

// MapSource serves fragments from memory.
type MapSource map[string]string

func (m MapSource) Open(name string) (string, error) {
	text, ok := m[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	return text, nil
}

// FSSource looks a name up in each directory of FS in order. An empty Dirs
// searches the root of FS only.
type FSSource struct {
	FS   fs.FS
	Dirs []string
}

func (s FSSource) Open(name string) (string, error) {
	dirs := s.Dirs
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	for _, dir := range dirs {
		data, err := fs.ReadFile(s.FS, path.Join(dir, name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s: %w", name, fs.ErrNotExist)
}

// DirSource searches operating system directories in order.
type DirSource []string

func (d DirSource) Open(name string) (string, error) {
	if filepath.IsAbs(name) {
		data, err := os.ReadFile(name)
		return string(data), err
	}
	for _, dir := range d {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s: %w", name, fs.ErrNotExist)
}
