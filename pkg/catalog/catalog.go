// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog holds the coordinator's object records: the size of each
// object and the storage nodes holding its replicas.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/zaprelay/pkg/types"
)

var (
	ErrNotFound     = errors.New("object not found in catalog")
	ErrReservedName = errors.New("name is reserved by the catalog")
)

// Record is the catalog entry for one object.
type Record struct {
	Size     int64
	Replicas []types.Endpoint
}

// MarshalText encodes the record as "size,host1:port1,host2:port2,...".
func (r Record) MarshalText() ([]byte, error) {
	if r.Size < 0 {
		return nil, fmt.Errorf("negative size %d", r.Size)
	}
	var b strings.Builder
	b.WriteString(strconv.FormatInt(r.Size, 10))
	for _, ep := range r.Replicas {
		b.WriteByte(',')
		b.WriteString(ep.String())
	}
	return []byte(b.String()), nil
}

func (r *Record) UnmarshalText(text []byte) error {
	fields := strings.Split(strings.TrimSpace(string(text)), ",")

	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("invalid record size %q", fields[0])
	}

	replicas := make([]types.Endpoint, 0, len(fields)-1)
	for _, f := range fields[1:] {
		if f == "" {
			continue
		}
		ep, err := types.ParseEndpoint(f)
		if err != nil {
			return fmt.Errorf("invalid record replica: %w", err)
		}
		replicas = append(replicas, ep)
	}

	r.Size = size
	r.Replicas = replicas
	return nil
}

// Store persists records by object name. Implementations are safe for
// concurrent use; List never returns the store's own bookkeeping entries.
type Store interface {
	io.Closer
	Put(ctx context.Context, name string, rec Record) error
	Get(ctx context.Context, name string) (Record, error)
	Delete(ctx context.Context, name string) error
	// List returns every record name in ascending order.
	List(ctx context.Context) ([]string, error)
}

// NameChecker is implemented by stores that cannot hold every valid object
// name, such as the file store sharing its directory with other files.
type NameChecker interface {
	CheckName(name string) error
}

type Type string

const (
	TypeFile    Type = "file"
	TypeLevelDB Type = "leveldb"
	TypeRedis   Type = "redis"
	TypeMemory  Type = "memory"
)

// Config selects and configures a Store.
type Config struct {
	Type        Type   `mapstructure:"catalog_type"`
	Dir         string `mapstructure:"catalog_dir"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`

	// Reserved lists file names in Dir that belong to the coordinator
	// rather than the catalog. Only the file store uses it.
	Reserved []string `mapstructure:"-"`
}

// Open creates the store described by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeFile, "":
		return NewFileStore(cfg.Dir, cfg.Reserved...)
	case TypeLevelDB:
		return NewLevelDBStore(cfg.Dir)
	case TypeRedis:
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPrefix)
	case TypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown catalog type: %s", cfg.Type)
	}
}

func notFound(name string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}
