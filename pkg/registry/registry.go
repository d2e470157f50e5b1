// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry loads the fixed list of storage nodes a coordinator
// replicates to.
package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/LeeDigitalWorks/zaprelay/pkg/types"
)

// DefaultFile is the registry file name used when none is configured.
const DefaultFile = "workers.txt"

var ErrEmpty = errors.New("registry has no endpoints")

// Registry is the ordered, immutable set of storage node endpoints.
type Registry struct {
	endpoints []types.Endpoint
}

// New builds a registry from endpoints. Duplicates are rejected since a
// replica set must be made of distinct nodes.
func New(endpoints []types.Endpoint) (*Registry, error) {
	seen := make(map[types.Endpoint]struct{}, len(endpoints))
	eps := make([]types.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if _, ok := seen[ep]; ok {
			return nil, fmt.Errorf("duplicate endpoint %s", ep)
		}
		seen[ep] = struct{}{}
		eps = append(eps, ep)
	}
	return &Registry{endpoints: eps}, nil
}

// Load reads a registry file.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()

	r, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse reads one "host port" pair per line. Blank lines and lines starting
// with # are skipped.
func Parse(r io.Reader) (*Registry, error) {
	var eps []types.Endpoint

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"host port\", got %q", lineNo, line)
		}
		port, err := types.ParsePort(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		eps = append(eps, types.Endpoint{Host: fields[0], Port: port})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(eps) == 0 {
		return nil, ErrEmpty
	}
	return New(eps)
}

// Endpoints returns a copy of the endpoints in file order.
func (r *Registry) Endpoints() []types.Endpoint {
	out := make([]types.Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

func (r *Registry) Len() int {
	return len(r.endpoints)
}
