// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package backend

import (
	"errors"
	"os"
)

// Fdatasync falls back to standard Sync on non-Linux platforms.
func Fdatasync(f *os.File) error {
	return f.Sync()
}

// Statfs is not implemented off Linux; free space checks are skipped.
func Statfs(path string) (total, avail uint64, err error) {
	return 0, 0, errors.ErrUnsupported
}
