package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"genesis/internal/config"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		invalid bool
	}{
		{in: "chat", want: "chat.json"},
		{in: " chat.json ", want: "chat.json"},
		{in: "2024/march", want: "2024/march.json"},
		{in: "a/./b", want: "a/b.json"},
		{in: "", invalid: true},
		{in: "   ", invalid: true},
		{in: "../secret", invalid: true},
		{in: "a/../../b", invalid: true},
		{in: "/etc/passwd", invalid: true},
		{in: `a\b`, invalid: true},
		{in: "dir/", invalid: true},
	}

	for _, tc := range cases {
		got, err := NormalizeName(tc.in, ".json")
		if tc.invalid {
			if !errors.Is(err, ErrInvalidName) {
				t.Errorf("NormalizeName(%q): expected ErrInvalidName, got %q, %v", tc.in, got, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	name, err := s.Save(ctx, "first", []byte(`{"messages":[]}`))
	if err != nil || name != "first.json" {
		t.Fatalf("Save = %q, %v", name, err)
	}
	if _, err := s.Save(ctx, "nested/second.json", []byte(`{}`)); err != nil {
		t.Fatalf("Save nested: %v", err)
	}
	if _, err := s.Save(ctx, "first.json", []byte(`{"messages":[1]}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	data, err := s.Load(ctx, "first")
	if err != nil || string(data) != `{"messages":[1]}` {
		t.Fatalf("Load = %s, %v", data, err)
	}

	names, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"first.json", "nested/second.json"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("List = %v, want %v", names, want)
	}

	if err := s.Delete(ctx, "first"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "first"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load after delete: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "first"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Save(ctx, "../escape", []byte("x")); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("traversal: expected ErrInvalidName, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, ".json")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	exerciseStore(t, s)

	if _, err := os.Stat(filepath.Join(dir, "nested", "second.json")); err != nil {
		t.Fatalf("expected nested file on disk: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestFileStoreListIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, ".json")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitkeep.json"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := s.List(context.Background())
	if err != nil || len(names) != 0 {
		t.Fatalf("List = %v, %v; want empty", names, err)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(client, "test:chats:", ".json")
	exerciseStore(t, s)

	if !mr.Exists("test:chats:nested/second.json") {
		t.Fatal("expected transcript key in redis")
	}
}

func exerciseDirs(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.MakeDir(ctx, "projects/empty"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	if _, err := s.Save(ctx, "projects/plan", []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, "top", []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	root, err := s.ListDir(ctx, "")
	if err != nil {
		t.Fatalf("ListDir root: %v", err)
	}
	wantRoot := []Entry{
		{Name: "projects", Type: EntryDirectory, Path: "projects"},
		{Name: "top.json", Type: EntryFile, Path: "top.json"},
	}
	if !reflect.DeepEqual(root, wantRoot) {
		t.Fatalf("ListDir root = %+v, want %+v", root, wantRoot)
	}

	nested, err := s.ListDir(ctx, "/projects/")
	if err != nil {
		t.Fatalf("ListDir nested: %v", err)
	}
	wantNested := []Entry{
		{Name: "empty", Type: EntryDirectory, Path: "projects/empty"},
		{Name: "plan.json", Type: EntryFile, Path: "projects/plan.json"},
	}
	if !reflect.DeepEqual(nested, wantNested) {
		t.Fatalf("ListDir nested = %+v, want %+v", nested, wantNested)
	}

	if entries, err := s.ListDir(ctx, "projects/empty"); err != nil || len(entries) != 0 {
		t.Fatalf("ListDir empty = %+v, %v", entries, err)
	}
	if _, err := s.ListDir(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ListDir missing: expected ErrNotFound, got %v", err)
	}
	if _, err := s.ListDir(ctx, "../outside"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("ListDir traversal: expected ErrInvalidName, got %v", err)
	}

	if err := s.RemoveDir(ctx, "projects"); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("RemoveDir non-empty: expected ErrNotEmpty, got %v", err)
	}
	if err := s.RemoveDir(ctx, "projects/empty"); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}
	if err := s.RemoveDir(ctx, "projects/empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second RemoveDir: expected ErrNotFound, got %v", err)
	}
	if err := s.RemoveDir(ctx, ""); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("RemoveDir root: expected ErrInvalidName, got %v", err)
	}
}

func TestFileStoreDirectories(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, ".json")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	exerciseDirs(t, s)

	// A placeholder alone does not keep a directory from being deleted.
	if err := s.MakeDir(context.Background(), "kept"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "kept", gitkeep), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDir(context.Background(), "kept"); err != nil {
		t.Fatalf("RemoveDir with placeholder: %v", err)
	}
}

func TestRedisStoreDirectories(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseDirs(t, NewRedisStore(client, "test:docs:", ".json"))
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"chat", "document", "prompt"} {
		if k, err := ParseKind(name); err != nil || string(k) != name {
			t.Errorf("ParseKind(%q) = %q, %v", name, k, err)
		}
	}
	if _, err := ParseKind("image"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func kindConfigs(root string) config.StoreConfig {
	return config.StoreConfig{
		Chats:     config.KindConfig{Dir: filepath.Join(root, "chats"), Extension: ".json"},
		Documents: config.KindConfig{Dir: filepath.Join(root, "documents"), Extension: ".md"},
		Prompts:   config.KindConfig{Dir: filepath.Join(root, "prompts"), Extension: ".txt"},
	}
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := kindConfigs(t.TempDir())
	cfg.Backend = "redis"
	cfg.Redis = config.RedisConfig{Addr: mr.Addr(), Prefix: "p:"}
	lib, closeFn, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New redis: %v", err)
	}
	defer closeFn()
	if _, ok := lib.Chats().(*RedisStore); !ok {
		t.Fatalf("expected *RedisStore, got %T", lib.Chats())
	}
	docs, err := lib.For(KindDocument)
	if err != nil {
		t.Fatalf("For document: %v", err)
	}
	if name, err := docs.Save(ctx, "notes", []byte("# notes")); err != nil || name != "notes.md" {
		t.Fatalf("Save document = %q, %v", name, err)
	}
	if !mr.Exists("p:document:notes.md") {
		t.Fatal("expected document key under its kind prefix")
	}

	cfg = kindConfigs(t.TempDir())
	cfg.Backend = "file"
	fileLib, _, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New file: %v", err)
	}
	prompts, err := fileLib.For(KindPrompt)
	if err != nil {
		t.Fatalf("For prompt: %v", err)
	}
	if _, ok := prompts.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", prompts)
	}
	if name, err := prompts.Save(ctx, "greeting", []byte("hello")); err != nil || name != "greeting.txt" {
		t.Fatalf("Save prompt = %q, %v", name, err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Prompts.Dir, "greeting.txt")); err != nil {
		t.Fatalf("expected prompt in its own directory: %v", err)
	}
	if names, _ := fileLib.Chats().List(ctx); len(names) != 0 {
		t.Fatalf("kinds must not share files, chats = %v", names)
	}

	if _, _, err := New(ctx, config.StoreConfig{Backend: "s3"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
