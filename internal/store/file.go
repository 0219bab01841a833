package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// gitkeep placeholders keep otherwise empty directories in version control.
const gitkeep = ".gitkeep"

// FileStore keeps one file per name under a root directory.
type FileStore struct {
	root string
	ext  string
}

// NewFileStore creates root if needed.
func NewFileStore(root, ext string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %q: %w", abs, err)
	}
	return &FileStore{root: abs, ext: ext}, nil
}

func (s *FileStore) Save(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	normalized, target, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create directory for %q: %w", normalized, err)
	}

	// Write to a sibling temp file so readers never see a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("save %q: %w", normalized, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("save %q: %w", normalized, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("save %q: %w", normalized, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("save %q: %w", normalized, err)
	}

	slog.Debug("file saved", "root", s.root, "name", normalized, "bytes", len(content))
	return normalized, nil
}

func (s *FileStore) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, target, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, normalized)
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", normalized, err)
	}
	return data, nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !strings.HasSuffix(d.Name(), s.ext) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, target, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, normalized)
		}
		return fmt.Errorf("delete %q: %w", normalized, err)
	}
	slog.Debug("file deleted", "root", s.root, "name", normalized)
	return nil
}

// resolve maps name to a path and checks it stays under root.
func (s *FileStore) resolve(name string) (string, string, error) {
	normalized, err := NormalizeName(name, s.ext)
	if err != nil {
		return "", "", err
	}
	target := filepath.Join(s.root, filepath.FromSlash(normalized))
	rel, err := filepath.Rel(s.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q escapes the store", ErrInvalidName, name)
	}
	return normalized, target, nil
}

func (s *FileStore) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, target, err := s.resolveDir(dir)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(target)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil, fmt.Errorf("%w: directory %q", ErrNotFound, normalized)
	}
	if err != nil {
		return nil, fmt.Errorf("list directory %q: %w", normalized, err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if strings.HasPrefix(item.Name(), ".") {
			continue
		}
		entry := Entry{Name: item.Name(), Type: EntryFile, Path: path.Join(normalized, item.Name())}
		if item.IsDir() {
			entry.Type = EntryDirectory
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

func (s *FileStore) MakeDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, target, err := s.resolveDir(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", normalized, err)
	}
	slog.Debug("directory created", "root", s.root, "dir", normalized)
	return nil
}

func (s *FileStore) RemoveDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, target, err := s.resolveDir(dir)
	if err != nil {
		return err
	}
	if normalized == "" {
		return fmt.Errorf("%w: the root directory cannot be deleted", ErrInvalidName)
	}

	items, err := os.ReadDir(target)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return fmt.Errorf("%w: directory %q", ErrNotFound, normalized)
	}
	if err != nil {
		return fmt.Errorf("delete directory %q: %w", normalized, err)
	}
	for _, item := range items {
		if item.Name() != gitkeep {
			return fmt.Errorf("%w: %q", ErrNotEmpty, normalized)
		}
	}
	_ = os.Remove(filepath.Join(target, gitkeep))
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("delete directory %q: %w", normalized, err)
	}
	slog.Debug("directory deleted", "root", s.root, "dir", normalized)
	return nil
}

func (s *FileStore) resolveDir(dir string) (string, string, error) {
	normalized, err := NormalizeDir(dir)
	if err != nil {
		return "", "", err
	}
	target := filepath.Join(s.root, filepath.FromSlash(normalized))
	rel, err := filepath.Rel(s.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q escapes the store", ErrInvalidName, dir)
	}
	return normalized, target, nil
}
