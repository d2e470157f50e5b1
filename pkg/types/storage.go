// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by backends when a key has no stored data.
var ErrObjectNotFound = errors.New("object not found")

// StorageType identifies the backend storage implementation
type StorageType string

const (
	StorageTypeLocal  StorageType = "local"  // Local filesystem
	StorageTypeS3     StorageType = "s3"     // S3-compatible
	StorageTypeMemory StorageType = "memory" // In-process, for tests
)

// BackendStorage is the interface a storage node uses to persist objects.
// Keys are object names that have already passed wire.ValidateName.
type BackendStorage interface {
	// Type returns the storage type
	Type() StorageType

	// Write stores exactly size bytes read from data under key, replacing
	// any previous content.
	Write(ctx context.Context, key string, data io.Reader, size int64) error

	// Read opens the stored data. Returns ErrObjectNotFound when absent.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data from the backend. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Size returns the size of the stored data. Returns ErrObjectNotFound when absent.
	Size(ctx context.Context, key string) (int64, error)

	// Close releases any resources
	Close() error
}

// CapacityReporter is implemented by backends that can report volume usage.
type CapacityReporter interface {
	Capacity() (totalBytes, availBytes uint64, err error)
}

// BackendConfig contains configuration for creating a backend storage instance
type BackendConfig struct {
	Type      StorageType `json:"type" mapstructure:"type"`
	Path      string      `json:"path,omitempty" mapstructure:"path"`
	Endpoint  string      `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Bucket    string      `json:"bucket,omitempty" mapstructure:"bucket"`
	Prefix    string      `json:"prefix,omitempty" mapstructure:"prefix"`
	Region    string      `json:"region,omitempty" mapstructure:"region"`
	AccessKey string      `json:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey string      `json:"secret_key,omitempty" mapstructure:"secret_key"`
}
