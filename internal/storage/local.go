package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore writes images below a directory. It backs up the cloud store
// when the bucket is unreachable.
type LocalStore struct {
	dir    string
	prefix string
}

func NewLocalStore(dir, prefix string) *LocalStore {
	return &LocalStore{dir: dir, prefix: prefix}
}

func (s *LocalStore) Name() string { return "local" }

func (s *LocalStore) Save(ctx context.Context, obj Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(s.dir, filepath.FromSlash(ObjectPath(s.prefix, obj)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return "file://" + target, nil
	}
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := f.Write(obj.Data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	return "file://" + target, nil
}
