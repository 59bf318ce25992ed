package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"printer_link"
)

var gcodeExtensions = map[string]bool{".gcode": true, ".gco": true, ".g": true}

// FileStore serves gcode files from one directory. Paths are always
// relative to it; anything escaping the directory is rejected.
type FileStore struct {
	dir string
	// inUse reports whether a file belongs to the active job.
	inUse func(rel string) bool
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Dir() string { return s.dir }

// Resolve maps a client path to an absolute path inside the store and
// returns the cleaned relative form alongside it.
func (s *FileStore) Resolve(path string) (abs, rel string, err error) {
	p := strings.TrimSpace(path)
	if p == "" || filepath.IsAbs(p) || strings.ContainsRune(p, 0) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	rel = filepath.Clean(filepath.FromSlash(p))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if !gcodeExtensions[strings.ToLower(filepath.Ext(rel))] {
		return "", "", fmt.Errorf("%w: %q is not a gcode file", ErrInvalidPath, path)
	}
	return filepath.Join(s.dir, rel), filepath.ToSlash(rel), nil
}

// List returns every gcode file under the store, sorted by path.
func (s *FileStore) List() ([]printer_link.GcodeFile, error) {
	out := []printer_link.GcodeFile{}
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == s.dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !gcodeExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		out = append(out, printer_link.GcodeFile{
			Path:       filepath.ToSlash(rel),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list gcode files: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Delete removes a gcode file. The file of an active job cannot be deleted.
func (s *FileStore) Delete(path string) error {
	abs, rel, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if s.inUse != nil && s.inUse(rel) {
		return fmt.Errorf("%w: %s is being printed", ErrJobAlreadyActive, rel)
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s not found", ErrInvalidPath, rel)
		}
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}
