package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDBStore keeps records in a LevelDB database keyed by object name.
// Keys iterate in byte order, so List needs no sort.
type LevelDBStore struct {
	db  *leveldb.DB
	dir string

	writeOpts *opt.WriteOptions
}

func NewLevelDBStore(dir string) (*LevelDBStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("catalog dir required for leveldb store")
	}

	db, err := leveldb.OpenFile(dir, nil)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb catalog: %w", err)
	}

	return &LevelDBStore{
		db:  db,
		dir: dir,
		// records are written once per upload, so every write is synced
		writeOpts: &opt.WriteOptions{Sync: true},
	}, nil
}

func (s *LevelDBStore) Put(ctx context.Context, name string, rec Record) error {
	data, err := rec.MarshalText()
	if err != nil {
		return err
	}
	return s.db.Put([]byte(name), data, s.writeOpts)
}

func (s *LevelDBStore) Get(ctx context.Context, name string) (Record, error) {
	data, err := s.db.Get([]byte(name), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Record{}, notFound(name)
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := rec.UnmarshalText(data); err != nil {
		return Record{}, fmt.Errorf("record %s: %w", name, err)
	}
	return rec, nil
}

func (s *LevelDBStore) Delete(ctx context.Context, name string) error {
	ok, err := s.db.Has([]byte(name), nil)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if !ok {
		return notFound(name)
	}
	return s.db.Delete([]byte(name), s.writeOpts)
}

func (s *LevelDBStore) List(ctx context.Context) ([]string, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var names []string
	for iter.Next() {
		names = append(names, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	return names, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
