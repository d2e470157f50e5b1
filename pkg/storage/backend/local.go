package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/LeeDigitalWorks/zaprelay/pkg/types"
)

func init() {
	Register(types.StorageTypeLocal, NewLocal)
}

// Local implements BackendStorage for local filesystem. Each object is one
// file named after the object directly under basePath.
type Local struct {
	basePath string
}

// NewLocal creates a local filesystem backend
func NewLocal(cfg types.BackendConfig) (types.BackendStorage, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path required for local backend")
	}

	// Ensure base path exists
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}

	return &Local{basePath: cfg.Path}, nil
}

func (l *Local) Type() types.StorageType {
	return types.StorageTypeLocal
}

// Path returns the file backing key.
func (l *Local) Path(key string) string {
	return filepath.Join(l.basePath, key)
}

// Write streams data into a hidden temp file and renames it over the final
// path once size bytes have been synced, so readers never see a partial object.
func (l *Local) Write(ctx context.Context, key string, data io.Reader, size int64) error {
	path := l.Path(key)

	f, err := os.CreateTemp(l.basePath, ".upload-*.tmp")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	n, err := io.Copy(f, data)
	if err != nil {
		cleanup()
		return fmt.Errorf("write data: %w", err)
	}
	if n != size {
		cleanup()
		return fmt.Errorf("write data: got %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}

	if err := Fdatasync(f); err != nil {
		cleanup()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (l *Local) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(key)
		}
		return nil, err
	}
	return f, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil // Already gone
	}
	return err
}

func (l *Local) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(l.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, notFound(key)
		}
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, notFound(key)
	}
	return info.Size(), nil
}

// Capacity reports the filesystem usage of the storage root.
func (l *Local) Capacity() (uint64, uint64, error) {
	return Statfs(l.basePath)
}

func (l *Local) Close() error {
	return nil
}
