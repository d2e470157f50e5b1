// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package datanode implements the storage node: it saves, serves and removes
// whole objects on request from a coordinator.
package datanode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/logger"
	"github.com/LeeDigitalWorks/zaprelay/pkg/types"
	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"
	"github.com/LeeDigitalWorks/zaprelay/pkg/wire"

	"github.com/dustin/go-humanize"
)

var (
	ErrNotFound = errors.New("object not found on node")
	ErrLowSpace = errors.New("insufficient free space")
)

// Config tunes an Engine.
type Config struct {
	NodeID string
	// Checksum is computed while saving and logged at debug level. It is
	// never stored or verified.
	Checksum utils.ChecksumAlgorithm
	// MinFreeSpace refuses uploads when the backend reports less free space.
	// Nil disables the check.
	MinFreeSpace *utils.FreeSpace
}

// Engine executes storage node operations against a backend. One Engine
// owns one storage root.
type Engine struct {
	backend types.BackendStorage
	cfg     Config

	// writeMu serializes the receive-and-write phase of every Save.
	writeMu sync.Mutex
}

func NewEngine(backend types.BackendStorage, cfg Config) *Engine {
	if cfg.Checksum == "" {
		cfg.Checksum = utils.ChecksumMD5
	}
	return &Engine{backend: backend, cfg: cfg}
}

// Handle reads one control message from rw and runs the operation it names.
func (e *Engine) Handle(ctx context.Context, rw io.ReadWriter) error {
	msg, err := wire.ReadMessage(rw)
	if err != nil {
		OperationsTotal.WithLabelValues("invalid", "error").Inc()
		return err
	}

	switch msg.Kind {
	case wire.KindUpload:
		err = e.Save(ctx, rw, msg.Name, msg.Size)
		OperationsTotal.WithLabelValues("save", result(err)).Inc()
	case wire.KindDownload:
		err = e.Serve(ctx, rw, msg.Name)
		OperationsTotal.WithLabelValues("serve", result(err)).Inc()
	case wire.KindDelete:
		err = e.Remove(ctx, msg.Name)
		OperationsTotal.WithLabelValues("remove", result(err)).Inc()
	default:
		OperationsTotal.WithLabelValues("invalid", "error").Inc()
		err = fmt.Errorf("%w: %s", wire.ErrUnexpectedCommand, msg.Kind)
	}
	return err
}

// Save acknowledges the upload with READY and then stores exactly size bytes
// read from rw under name. READY is sent before the write lock is taken, so
// a second uploader may be acknowledged and then wait for the first.
// Failures after READY wrap wire.ErrAborted.
func (e *Engine) Save(ctx context.Context, rw io.ReadWriter, name string, size int64) error {
	log := logger.Ctx(ctx)

	if err := wire.ValidateName(name); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", wire.ErrMalformed, size)
	}
	if err := e.checkFreeSpace(ctx, size); err != nil {
		LowSpaceRefusals.Inc()
		return err
	}

	if err := wire.WriteMessage(rw, wire.Ready()); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	waitStart := time.Now()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	SaveLockWait.Observe(time.Since(waitStart).Seconds())

	body := wire.NewChunkReader(rw, size)
	var src io.Reader = body
	h := utils.GetHasher(e.cfg.Checksum)
	defer utils.PutHasher(e.cfg.Checksum, h)
	if h != nil {
		src = io.TeeReader(body, h)
	}

	start := time.Now()
	if err := e.backend.Write(ctx, name, src, size); err != nil {
		return fmt.Errorf("%w: save %s: %w", wire.ErrAborted, name, err)
	}
	BytesSaved.Add(float64(size))

	log.Debug().
		Str("name", name).
		Int64("size", size).
		Str("checksum_algorithm", string(e.cfg.Checksum)).
		Str("checksum", utils.HexSum(h)).
		Dur("duration", time.Since(start)).
		Msg("object saved")
	return nil
}

// Serve sends the object's size, waits for any control frame from the peer,
// then streams the object. A missing object is reported by closing without
// a reply.
func (e *Engine) Serve(ctx context.Context, rw io.ReadWriter, name string) error {
	if err := wire.ValidateName(name); err != nil {
		return err
	}

	size, err := e.backend.Size(ctx, name)
	if err != nil {
		if errors.Is(err, types.ErrObjectNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("stat %s: %w", name, err)
	}
	// Open before replying so a concurrent Remove cannot cut the stream short.
	rc, err := e.backend.Read(ctx, name)
	if err != nil {
		if errors.Is(err, types.ErrObjectNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	if err := wire.WriteMessage(rw, wire.Size(size)); err != nil {
		return fmt.Errorf("send size: %w", err)
	}
	// The peer's go-ahead is not inspected.
	if _, err := wire.ReadFrame(rw); err != nil {
		return fmt.Errorf("await ready: %w", err)
	}

	n, err := wire.CopyN(rw, rc, size)
	BytesServed.Add(float64(n))
	if err != nil {
		return fmt.Errorf("serve %s: %w", name, err)
	}
	return nil
}

// Remove deletes the local copy of name. Removing an absent object succeeds.
func (e *Engine) Remove(ctx context.Context, name string) error {
	if err := wire.ValidateName(name); err != nil {
		return err
	}
	if err := e.backend.Delete(ctx, name); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	logger.Ctx(ctx).Debug().Str("name", name).Msg("object removed")
	return nil
}

func (e *Engine) checkFreeSpace(ctx context.Context, size int64) error {
	if e.cfg.MinFreeSpace == nil {
		return nil
	}
	cr, ok := e.backend.(types.CapacityReporter)
	if !ok {
		return nil
	}

	total, avail, err := cr.Capacity()
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("cannot read backend capacity, skipping free space check")
		return nil
	}
	if uint64(size) > avail {
		return fmt.Errorf("%w: object needs %s, %s available", ErrLowSpace, humanize.IBytes(uint64(size)), humanize.IBytes(avail))
	}
	if low, desc := e.cfg.MinFreeSpace.IsLow(total, avail); low {
		return fmt.Errorf("%w: %s", ErrLowSpace, desc)
	}
	return nil
}

// Accepting reports whether the node would take a zero-byte upload right
// now. It backs the readiness probe.
func (e *Engine) Accepting() bool {
	return !errors.Is(e.checkFreeSpace(context.Background(), 0), ErrLowSpace)
}
