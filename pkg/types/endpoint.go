// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is the TCP address of a storage node.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the dialable host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the catalog text form, host:port without IPv6 brackets.
func (e Endpoint) String() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// ParseEndpoint parses host:port as written by String. The port is taken
// after the last colon so bare IPv6 hosts survive a round trip.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: want host:port", s)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(s[:i], "["), "]")
	port, err := ParsePort(s[i+1:])
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	return Endpoint{Host: host, Port: port}, nil
}

func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
