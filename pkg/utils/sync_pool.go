// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"

	"github.com/minio/crc64nvme"
	"github.com/minio/sha256-simd"
)

// ChecksumAlgorithm names a diagnostic digest computed over stored objects.
type ChecksumAlgorithm string

const (
	ChecksumNone      ChecksumAlgorithm = "none"
	ChecksumMD5       ChecksumAlgorithm = "md5"
	ChecksumSHA256    ChecksumAlgorithm = "sha256"
	ChecksumCRC64NVME ChecksumAlgorithm = "crc64nvme"
)

var (
	sha256Pool = sync.Pool{
		New: func() any {
			return sha256.New()
		},
	}
	crc64nvmePool = sync.Pool{
		New: func() any {
			return crc64nvme.New()
		},
	}
	md5Pool = sync.Pool{
		New: func() any {
			return md5.New()
		},
	}
)

func ParseChecksumAlgorithm(s string) (ChecksumAlgorithm, error) {
	switch alg := ChecksumAlgorithm(strings.ToLower(strings.TrimSpace(s))); alg {
	case "", ChecksumNone:
		return ChecksumNone, nil
	case ChecksumMD5, ChecksumSHA256, ChecksumCRC64NVME:
		return alg, nil
	default:
		return "", fmt.Errorf("unknown checksum algorithm %q", s)
	}
}

// GetHasher returns a pooled hasher, or nil for ChecksumNone.
func GetHasher(alg ChecksumAlgorithm) hash.Hash {
	switch alg {
	case ChecksumMD5:
		return md5Pool.Get().(hash.Hash)
	case ChecksumSHA256:
		return sha256Pool.Get().(hash.Hash)
	case ChecksumCRC64NVME:
		return crc64nvmePool.Get().(hash.Hash64)
	default:
		return nil
	}
}

// PutHasher resets h and returns it to the pool it came from.
func PutHasher(alg ChecksumAlgorithm, h hash.Hash) {
	if h == nil {
		return
	}
	h.Reset()
	switch alg {
	case ChecksumMD5:
		md5Pool.Put(h)
	case ChecksumSHA256:
		sha256Pool.Put(h)
	case ChecksumCRC64NVME:
		crc64nvmePool.Put(h)
	}
}

// HexSum returns the hex digest of h without resetting it.
func HexSum(h hash.Hash) string {
	if h == nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
