// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/LeeDigitalWorks/zaprelay/pkg/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Record encoding
// ============================================================================

func TestRecord_MarshalText(t *testing.T) {
	t.Parallel()

	rec := Record{
		Size: 10,
		Replicas: []types.Endpoint{
			{Host: "127.0.0.1", Port: 1},
			{Host: "127.0.0.1", Port: 2},
		},
	}
	data, err := rec.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "10,127.0.0.1:1,127.0.0.1:2", string(data))

	var got Record
	require.NoError(t, got.UnmarshalText(data))
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestRecord_UnmarshalText_Errors(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "abc", "-1,a:1", "10,nohost", "10,a:port"} {
		var rec Record
		assert.Error(t, rec.UnmarshalText([]byte(input)), "%q", input)
	}
}

func TestRecord_ZeroSizeNoReplicas(t *testing.T) {
	t.Parallel()

	var rec Record
	require.NoError(t, rec.UnmarshalText([]byte("0,")))
	assert.Zero(t, rec.Size)
	assert.Empty(t, rec.Replicas)

	_, err := Record{Size: -1}.MarshalText()
	assert.Error(t, err)
}

// ============================================================================
// Store conformance
// ============================================================================

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	file, err := NewFileStore(t.TempDir(), "workers.txt")
	require.NoError(t, err)

	ldb, err := NewLevelDBStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	stores := map[string]Store{
		"file":    file,
		"leveldb": ldb,
		"redis":   NewRedisStoreWithClient(client, "test"),
		"memory":  NewMemoryStore(),
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
		client.Close()
	})
	return stores
}

var recordOpts = cmpopts.EquateEmpty()

func TestStore_PutGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			rec := Record{Size: 4097, Replicas: []types.Endpoint{{Host: "n1", Port: 6666}, {Host: "n2", Port: 6667}}}
			require.NoError(t, s.Put(ctx, "img.jpg", rec))

			got, err := s.Get(ctx, "img.jpg")
			require.NoError(t, err)
			if diff := cmp.Diff(rec, got, recordOpts); diff != "" {
				t.Errorf("record mismatch (-want +got):\n%s", diff)
			}

			require.NoError(t, s.Delete(ctx, "img.jpg"))
			_, err = s.Get(ctx, "img.jpg")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete(ctx, "img.jpg"), ErrNotFound)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_Overwrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "x", Record{Size: 1, Replicas: []types.Endpoint{{Host: "a", Port: 1}}}))
			require.NoError(t, s.Put(ctx, "x", Record{Size: 2, Replicas: []types.Endpoint{{Host: "b", Port: 2}}}))

			got, err := s.Get(ctx, "x")
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Size)
			assert.Equal(t, []types.Endpoint{{Host: "b", Port: 2}}, got.Replicas)
		})
	}
}

func TestStore_ListSorted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			names, err := s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)

			for _, n := range []string{"c.jpg", "a.jpg", "b.jpg"} {
				require.NoError(t, s.Put(ctx, n, Record{Size: 1, Replicas: []types.Endpoint{{Host: "a", Port: 1}}}))
			}

			names, err = s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, names)
		})
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec := Record{Size: int64(i), Replicas: []types.Endpoint{{Host: "a", Port: 1 + i}}}
					assert.NoError(t, s.Put(ctx, "same", rec))
				}(i)
			}
			wg.Wait()

			// Last writer wins, and the record is never torn.
			got, err := s.Get(ctx, "same")
			require.NoError(t, err)
			require.Len(t, got.Replicas, 1)
			assert.Equal(t, int(got.Size)+1, got.Replicas[0].Port)
		})
	}
}

// ============================================================================
// File store specifics
// ============================================================================

func TestFileStore_SkipsBookkeeping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "workers.txt"), []byte("a 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "coordinator_endpoint.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".record-123.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	s, err := NewFileStore(dir, "workers.txt", "coordinator_endpoint.txt")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "img.jpg", Record{Size: 3, Replicas: []types.Endpoint{{Host: "a", Port: 1}}}))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"img.jpg"}, names)

	content, err := os.ReadFile(filepath.Join(dir, "img.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "3,a:1", string(content))
}

func TestFileStore_ReservedNames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := NewFileStore(t.TempDir(), "workers.txt")
	require.NoError(t, err)

	assert.ErrorIs(t, s.CheckName("workers.txt"), ErrReservedName)
	assert.ErrorIs(t, s.CheckName(".hidden"), ErrReservedName)
	assert.NoError(t, s.CheckName("img.jpg"))

	assert.ErrorIs(t, s.Put(ctx, "workers.txt", Record{Size: 1}), ErrReservedName)
	_, err = s.Get(ctx, "workers.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_ReadsLegacyRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("10,127.0.0.1:1,127.0.0.1:2"), 0o644))

	s, err := NewFileStore(dir)
	require.NoError(t, err)

	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, Record{
		Size:     10,
		Replicas: []types.Endpoint{{Host: "127.0.0.1", Port: 1}, {Host: "127.0.0.1", Port: 2}},
	}, got)
}

// ============================================================================
// Open
// ============================================================================

func TestOpen(t *testing.T) {
	t.Parallel()

	s, err := Open(Config{Type: TypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(Config{Type: TypeRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", Record{Size: 1}))
	assert.True(t, mr.Exists(DefaultRedisPrefix+":records"))
	require.NoError(t, s.Close())

	_, err = Open(Config{Type: "bogus"})
	assert.Error(t, err)

	_, err = Open(Config{Type: TypeLevelDB})
	assert.Error(t, err)
}
