package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FileStore keeps one small text file per object in a directory. The
// directory may be shared with coordinator files named in reserved.
type FileStore struct {
	dir      string
	reserved map[string]struct{}
}

func NewFileStore(dir string, reserved ...string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("catalog dir required for file store")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	s := &FileStore{dir: dir, reserved: make(map[string]struct{}, len(reserved))}
	for _, name := range reserved {
		s.reserved[name] = struct{}{}
	}
	return s, nil
}

func (s *FileStore) CheckName(name string) error {
	if _, ok := s.reserved[name]; ok || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	return nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStore) Put(ctx context.Context, name string, rec Record) error {
	if err := s.CheckName(name); err != nil {
		return err
	}
	data, err := rec.MarshalText()
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(s.dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, name string) (Record, error) {
	if s.CheckName(name) != nil {
		return Record{}, notFound(name)
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, notFound(name)
		}
		return Record{}, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := rec.UnmarshalText(data); err != nil {
		return Record{}, fmt.Errorf("record %s: %w", name, err)
	}
	return rec, nil
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	if s.CheckName(name) != nil {
		return notFound(name)
	}
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(name)
	}
	return err
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || s.CheckName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

func (s *FileStore) Close() error {
	return nil
}
