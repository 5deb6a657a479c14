package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"conan-inquiry/internal/redis"
)

// Backend persists the serialized store between runs.
type Backend interface {
	Name() string
	// Load returns nil, nil when nothing has been stored yet.
	Load(ctx context.Context) ([]byte, error)
	Store(ctx context.Context, data []byte) error
}

// FileBackend keeps the snapshot in a single JSON file.
type FileBackend struct {
	Path string
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

func (f *FileBackend) Name() string {
	return "file:" + f.Path
}

func (f *FileBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Store replaces the file atomically through a temporary file in the same
// directory, creating the directory if needed.
func (f *FileBackend) Store(ctx context.Context, data []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// RedisBackend keeps the snapshot as one string value in redis.
type RedisBackend struct {
	client *redis.Client
	key    string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend returns a backend storing the snapshot under key.
func NewRedisBackend(client *redis.Client, key string) *RedisBackend {
	return &RedisBackend{client: client, key: key}
}

func (r *RedisBackend) Name() string {
	return fmt.Sprintf("redis:%s/%s", r.client.Address(), r.key)
}

func (r *RedisBackend) Load(ctx context.Context) ([]byte, error) {
	data, found, err := r.client.GetBytes(ctx, r.key)
	if err != nil || !found {
		return nil, err
	}
	return data, nil
}

func (r *RedisBackend) Store(ctx context.Context, data []byte) error {
	return r.client.SetBytes(ctx, r.key, data)
}
