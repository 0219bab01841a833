package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps files as string keys under a prefix, with a set indexing the names.
// Directories are implied by names; a second set records directories created explicitly so
// they exist while empty.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ext    string
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client redis.UniversalClient, prefix, ext string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ext: ext}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

func (s *RedisStore) dirsKey() string {
	return s.prefix + "dirs"
}

func (s *RedisStore) Save(ctx context.Context, name string, content []byte) (string, error) {
	normalized, err := NormalizeName(name, s.ext)
	if err != nil {
		return "", err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(normalized), content, 0)
		pipe.SAdd(ctx, s.indexKey(), normalized)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("save %q: %w", normalized, err)
	}
	return normalized, nil
}

func (s *RedisStore) Load(ctx context.Context, name string) ([]byte, error) {
	normalized, err := NormalizeName(name, s.ext)
	if err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(normalized)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, normalized)
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", normalized, err)
	}
	return data, nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	normalized, err := NormalizeName(name, s.ext)
	if err != nil {
		return err
	}
	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.key(normalized))
		pipe.SRem(ctx, s.indexKey(), normalized)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", normalized, err)
	}
	if deleted.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, normalized)
	}
	return nil
}

func (s *RedisStore) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	normalized, err := NormalizeDir(dir)
	if err != nil {
		return nil, err
	}
	names, dirs, err := s.members(ctx)
	if err != nil {
		return nil, fmt.Errorf("list directory %q: %w", normalized, err)
	}

	prefix := dirPrefix(normalized)
	exists := normalized == ""
	children := make(map[string]string)
	collect := func(p string, leaf string) {
		if p == normalized {
			exists = true
			return
		}
		if !strings.HasPrefix(p, prefix) {
			return
		}
		exists = true
		rest := p[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			children[rest[:i]] = EntryDirectory
			return
		}
		if children[rest] != EntryDirectory {
			children[rest] = leaf
		}
	}
	for _, name := range names {
		collect(name, EntryFile)
	}
	for _, d := range dirs {
		collect(d, EntryDirectory)
	}
	if !exists {
		return nil, fmt.Errorf("%w: directory %q", ErrNotFound, normalized)
	}

	entries := make([]Entry, 0, len(children))
	for name, typ := range children {
		entries = append(entries, Entry{Name: name, Type: typ, Path: prefix + name})
	}
	sortEntries(entries)
	return entries, nil
}

func (s *RedisStore) MakeDir(ctx context.Context, dir string) error {
	normalized, err := NormalizeDir(dir)
	if err != nil || normalized == "" {
		return err
	}
	parts := strings.Split(normalized, "/")
	ancestors := make([]any, 0, len(parts))
	for i := range parts {
		ancestors = append(ancestors, strings.Join(parts[:i+1], "/"))
	}
	if err := s.client.SAdd(ctx, s.dirsKey(), ancestors...).Err(); err != nil {
		return fmt.Errorf("create directory %q: %w", normalized, err)
	}
	return nil
}

func (s *RedisStore) RemoveDir(ctx context.Context, dir string) error {
	normalized, err := NormalizeDir(dir)
	if err != nil {
		return err
	}
	if normalized == "" {
		return fmt.Errorf("%w: the root directory cannot be deleted", ErrInvalidName)
	}
	names, dirs, err := s.members(ctx)
	if err != nil {
		return fmt.Errorf("delete directory %q: %w", normalized, err)
	}

	prefix := dirPrefix(normalized)
	for _, p := range append(names, dirs...) {
		if strings.HasPrefix(p, prefix) {
			return fmt.Errorf("%w: %q", ErrNotEmpty, normalized)
		}
	}
	removed, err := s.client.SRem(ctx, s.dirsKey(), normalized).Result()
	if err != nil {
		return fmt.Errorf("delete directory %q: %w", normalized, err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: directory %q", ErrNotFound, normalized)
	}
	return nil
}

func (s *RedisStore) members(ctx context.Context) (names, dirs []string, err error) {
	var namesCmd, dirsCmd *redis.StringSliceCmd
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		namesCmd = pipe.SMembers(ctx, s.indexKey())
		dirsCmd = pipe.SMembers(ctx, s.dirsKey())
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return namesCmd.Val(), dirsCmd.Val(), nil
}

func dirPrefix(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + "/"
}
