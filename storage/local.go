// Package storage persists generated modules: artifact files in one
// directory per module and a SQLite catalog of module records.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Storage errors.
var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidName = errors.New("storage: invalid name")
	ErrExists      = errors.New("storage: already exists")
)

// LocalStore keeps module directories under a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidName)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Root returns the root directory.
func (s *LocalStore) Root() string { return s.root }

// Create writes files into a new directory. The directory appears
// complete or not at all.
func (s *LocalStore) Create(dir string, files map[string]string) error {
	if err := validName(dir); err != nil {
		return err
	}
	for name := range files {
		if err := validName(name); err != nil {
			return err
		}
	}
	final := filepath.Join(s.root, dir)
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, dir)
	}

	tmp, err := os.MkdirTemp(s.root, ".tmp-"+dir+"-")
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", dir, err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tmp, name), []byte(content), 0o640); err != nil {
			_ = os.RemoveAll(tmp)
			return fmt.Errorf("storage: write %s/%s: %w", dir, name, err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return nil
}

// WriteFile replaces one file of an existing directory.
func (s *LocalStore) WriteFile(dir, name string, data []byte) error {
	if err := s.checkDir(dir); err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	path := filepath.Join(s.root, dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("storage: write %s/%s: %w", dir, name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: write %s/%s: %w", dir, name, err)
	}
	return nil
}

// ReadFile returns the content of one file.
func (s *LocalStore) ReadFile(dir, name string) ([]byte, error) {
	if err := validName(dir); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, dir, name)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s/%s: %w", dir, name, err)
	}
	return data, nil
}

// Files lists the regular files of dir, sorted.
func (s *LocalStore) Files(dir string) ([]string, error) {
	if err := s.checkDir(dir); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasSuffix(e.Name(), ".tmp") {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

// Dirs lists the module directories, sorted. Unfinished writes are skipped.
func (s *LocalStore) Dirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("storage: list root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

// Exists reports whether dir is present.
func (s *LocalStore) Exists(dir string) bool {
	return s.checkDir(dir) == nil
}

// Rename moves a module directory.
func (s *LocalStore) Rename(from, to string) error {
	if err := s.checkDir(from); err != nil {
		return err
	}
	if err := validName(to); err != nil {
		return err
	}
	if s.Exists(to) {
		return fmt.Errorf("%w: %s", ErrExists, to)
	}
	if err := os.Rename(filepath.Join(s.root, from), filepath.Join(s.root, to)); err != nil {
		return fmt.Errorf("storage: rename %s: %w", from, err)
	}
	return nil
}

// Remove deletes a module directory.
func (s *LocalStore) Remove(dir string) error {
	if err := s.checkDir(dir); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, dir))
}

func (s *LocalStore) checkDir(dir string) error {
	if err := validName(dir); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Join(s.root, dir))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	return err
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
