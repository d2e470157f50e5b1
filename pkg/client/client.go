// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package client speaks the coordinator protocol. Each call opens one
// connection and performs one operation.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"
	"github.com/LeeDigitalWorks/zaprelay/pkg/wire"
)

// ErrNoReply means the coordinator closed the connection instead of
// answering, which is how it reports every failure: unknown object, replica
// refusal or a rejected request.
var ErrNoReply = errors.New("coordinator closed the connection without replying")

type Client struct {
	addr   string
	dialer utils.Dialer
}

type Option func(*Client)

// WithTimeouts bounds connection setup and each read or write.
func WithTimeouts(dial, io time.Duration) Option {
	return func(c *Client) {
		c.dialer = utils.Dialer{DialTimeout: dial, IOTimeout: io}
	}
}

func New(addr string, opts ...Option) *Client {
	c := &Client{addr: addr}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", c.addr, err)
	}
	return conn, nil
}

// Upload sends size bytes from r as object name. It returns once the
// coordinator has recorded the object and closed the connection.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := wire.ValidateName(name); err != nil {
		return err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, wire.Upload(name, size)); err != nil {
		return fmt.Errorf("send upload: %w", err)
	}
	reply, err := readReply(conn)
	if err != nil {
		return err
	}
	if reply.Kind != wire.KindReady {
		return fmt.Errorf("%w: got %s, want READY", wire.ErrUnexpectedCommand, reply.Kind)
	}

	if _, err := wire.CopyN(conn, r, size); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return fmt.Errorf("await upload: %w", err)
	}
	return nil
}

// UploadFile uploads the file at path, named after its base name unless
// name is set.
func (c *Client) UploadFile(ctx context.Context, path, name string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if name == "" {
		name = info.Name()
	}
	return info.Size(), c.Upload(ctx, name, f, info.Size())
}

// Download writes object name to w and returns its size.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	if err := wire.ValidateName(name); err != nil {
		return 0, err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, wire.Download(name)); err != nil {
		return 0, fmt.Errorf("send download: %w", err)
	}
	reply, err := readReply(conn)
	if err != nil {
		return 0, err
	}
	if reply.Kind != wire.KindSize {
		return 0, fmt.Errorf("%w: got %s, want size", wire.ErrUnexpectedCommand, reply.Kind)
	}
	if err := wire.WriteMessage(conn, wire.Ready()); err != nil {
		return 0, fmt.Errorf("send ready: %w", err)
	}

	n, err := wire.CopyN(w, conn, reply.Size)
	if err != nil {
		return n, fmt.Errorf("receive %s: %w", name, err)
	}
	return n, nil
}

// List returns the names of every stored object.
func (c *Client) List(ctx context.Context) ([]string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, wire.Listing()); err != nil {
		return nil, fmt.Errorf("send listing: %w", err)
	}
	reply, err := readReply(conn)
	if err != nil {
		return nil, err
	}
	if reply.Kind != wire.KindSize {
		return nil, fmt.Errorf("%w: got %s, want size", wire.ErrUnexpectedCommand, reply.Kind)
	}

	var b strings.Builder
	if _, err := wire.CopyN(&b, conn, reply.Size); err != nil {
		return nil, fmt.Errorf("receive listing: %w", err)
	}
	return strings.Fields(b.String()), nil
}

// Delete removes object name. The coordinator sends no reply; Delete returns
// once it closes the connection.
func (c *Client) Delete(ctx context.Context, name string) error {
	if err := wire.ValidateName(name); err != nil {
		return err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, wire.Delete(name)); err != nil {
		return fmt.Errorf("send delete: %w", err)
	}
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return fmt.Errorf("await delete: %w", err)
	}
	return nil
}

func readReply(conn net.Conn) (wire.Message, error) {
	m, err := wire.ReadMessage(conn)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return wire.Message{}, ErrNoReply
		}
		return wire.Message{}, err
	}
	return m, nil
}
