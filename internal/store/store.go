// Package store persists named files of several kinds: chat transcripts, documents and
// prompts. Each kind lives in its own area with its own extension.
package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"genesis/internal/config"
)

var (
	// ErrNotFound reports a name with no stored content.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidName reports an empty name or one that escapes the store root.
	ErrInvalidName = errors.New("invalid file name")
	// ErrUnknownKind reports a file kind other than chat, document or prompt.
	ErrUnknownKind = errors.New("unknown file type")
	// ErrNotEmpty reports a directory that still holds entries.
	ErrNotEmpty = errors.New("directory must be empty to delete")
)

// Kind names a stored file type.
type Kind string

const (
	KindChat     Kind = "chat"
	KindDocument Kind = "document"
	KindPrompt   Kind = "prompt"
)

// ParseKind validates a kind taken from a request path.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindChat, KindDocument, KindPrompt:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Entry types reported by ListDir.
const (
	EntryDirectory = "directory"
	EntryFile      = "file"
)

// Entry is one item of a directory listing. Path is relative to the kind's root.
type Entry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// Store is a key/value file store. Names are relative slash-separated paths; the configured
// extension is appended when missing.
type Store interface {
	// Save writes content and returns the normalized name it was stored under.
	Save(ctx context.Context, name string, content []byte) (string, error)
	Load(ctx context.Context, name string) ([]byte, error)
	// List returns every stored name in lexical order.
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error

	// ListDir lists the direct children of dir ("" is the root), directories first.
	ListDir(ctx context.Context, dir string) ([]Entry, error)
	// MakeDir creates dir and its parents. Existing directories are not an error.
	MakeDir(ctx context.Context, dir string) error
	// RemoveDir deletes an empty directory.
	RemoveDir(ctx context.Context, dir string) error
}

// Library routes each file kind to its store.
type Library struct {
	stores map[Kind]Store
}

// NewLibrary builds a Library from per-kind stores. Every kind must be present.
func NewLibrary(stores map[Kind]Store) (*Library, error) {
	for _, k := range []Kind{KindChat, KindDocument, KindPrompt} {
		if stores[k] == nil {
			return nil, fmt.Errorf("no store for %s files", k)
		}
	}
	return &Library{stores: stores}, nil
}

// For returns the store holding files of kind.
func (l *Library) For(kind Kind) (Store, error) {
	s, ok := l.stores[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

// Chats returns the transcript store.
func (l *Library) Chats() Store {
	return l.stores[KindChat]
}

// New opens the backend selected by cfg with one area per kind. The returned close function
// releases the backend.
func New(ctx context.Context, cfg config.StoreConfig) (*Library, func() error, error) {
	stores := make(map[Kind]Store, 3)
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		for name, kind := range cfg.Kinds() {
			stores[Kind(name)] = NewRedisStore(client, cfg.Redis.Prefix+name+":", kind.Extension)
		}
		lib, err := NewLibrary(stores)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return lib, client.Close, nil
	case "file", "":
		for name, kind := range cfg.Kinds() {
			fs, err := NewFileStore(kind.Dir, kind.Extension)
			if err != nil {
				return nil, nil, err
			}
			stores[Kind(name)] = fs
		}
		lib, err := NewLibrary(stores)
		if err != nil {
			return nil, nil, err
		}
		return lib, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// NormalizeName trims name, appends ext when missing and rejects traversal.
func NormalizeName(name, ext string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if strings.HasSuffix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	cleaned, err := cleanPath(name)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if ext != "" && !strings.HasSuffix(cleaned, ext) {
		cleaned += ext
	}
	return cleaned, nil
}

// NormalizeDir validates a directory path. The empty string and "/" name the root, returned
// as "".
func NormalizeDir(dir string) (string, error) {
	dir = strings.Trim(strings.TrimSpace(dir), "/")
	if dir == "" {
		return "", nil
	}
	return cleanPath(dir)
}

func cleanPath(name string) (string, error) {
	if strings.ContainsAny(name, "\\\x00") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q attempts directory traversal", ErrInvalidName, name)
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// sortEntries orders directories before files, then by name.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if (entries[i].Type == EntryFile) != (entries[j].Type == EntryFile) {
			return entries[j].Type == EntryFile
		}
		return entries[i].Name < entries[j].Name
	})
}
