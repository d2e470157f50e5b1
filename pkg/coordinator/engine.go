// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator implements the front node of the store. It places
// uploads on storage nodes, relays object bytes in both directions and keeps
// the catalog of which nodes hold which object.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/catalog"
	"github.com/LeeDigitalWorks/zaprelay/pkg/logger"
	"github.com/LeeDigitalWorks/zaprelay/pkg/registry"
	"github.com/LeeDigitalWorks/zaprelay/pkg/storage/placer"
	"github.com/LeeDigitalWorks/zaprelay/pkg/types"
	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"
	"github.com/LeeDigitalWorks/zaprelay/pkg/wire"

	"golang.org/x/sync/errgroup"
)

const DefaultReplicationFactor = 2

var ErrReplicaRefused = errors.New("replica refused upload")

// Config tunes an Engine.
type Config struct {
	// ReplicationFactor is the number of replicas per object, capped at the
	// number of registered nodes.
	ReplicationFactor int
	// Dialer opens storage node connections.
	Dialer utils.Dialer
}

type Option func(*Engine)

// WithPlacer replaces the uniform random placer.
func WithPlacer(p placer.Placer) Option {
	return func(e *Engine) {
		e.placer = p
	}
}

// Engine runs client requests against the storage nodes of a registry.
type Engine struct {
	registry *registry.Registry
	placer   placer.Placer
	store    catalog.Store
	cfg      Config

	// recordMu guards catalog writes only. Reads are not synchronized
	// with a concurrent delete.
	recordMu sync.Mutex
}

func NewEngine(reg *registry.Registry, store catalog.Store, cfg Config, opts ...Option) *Engine {
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = DefaultReplicationFactor
	}
	e := &Engine{
		registry: reg,
		placer:   placer.NewRandomPlacer(reg.Endpoints()),
		store:    store,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle reads one control message from peer and runs the operation it names.
func (e *Engine) Handle(ctx context.Context, peer io.ReadWriter) error {
	msg, err := wire.ReadMessage(peer)
	if err != nil {
		OperationsTotal.WithLabelValues("invalid", "error").Inc()
		return err
	}

	switch msg.Kind {
	case wire.KindUpload:
		err = e.Upload(ctx, peer, msg.Name, msg.Size)
		OperationsTotal.WithLabelValues("upload", result(err)).Inc()
	case wire.KindDownload:
		err = e.Download(ctx, peer, msg.Name)
		OperationsTotal.WithLabelValues("download", result(err)).Inc()
	case wire.KindDelete:
		err = e.Delete(ctx, msg.Name)
		OperationsTotal.WithLabelValues("delete", result(err)).Inc()
	case wire.KindListing:
		err = e.Listing(ctx, peer)
		OperationsTotal.WithLabelValues("listing", result(err)).Inc()
	default:
		OperationsTotal.WithLabelValues("invalid", "error").Inc()
		err = fmt.Errorf("%w: %s", wire.ErrUnexpectedCommand, msg.Kind)
	}
	return err
}

// Upload replicates size bytes from peer to min(R, W) storage nodes.
//
// Every replica must answer READY before the peer is told READY. If any
// replica fails, all replica connections are closed, the peer gets no reply
// and no record is written. The record is written only after every replica
// has closed cleanly. Failures after READY wrap wire.ErrAborted and leave
// orphaned replicas.
func (e *Engine) Upload(ctx context.Context, peer io.ReadWriter, name string, size int64) error {
	log := logger.Ctx(ctx).With().Str("name", name).Int64("size", size).Logger()

	if err := wire.ValidateName(name); err != nil {
		return err
	}
	if checker, ok := e.store.(catalog.NameChecker); ok {
		if err := checker.CheckName(name); err != nil {
			return err
		}
	}

	targets, err := e.placer.SelectReplicas(e.cfg.ReplicationFactor)
	if err != nil {
		return fmt.Errorf("place %s: %w", name, err)
	}

	start := time.Now()
	conns, err := e.openReplicas(ctx, targets, wire.Upload(name, size))
	if err != nil {
		ReplicaRefusals.Inc()
		return err
	}
	HandshakeDuration.Observe(time.Since(start).Seconds())
	defer closeAll(conns)

	if err := wire.WriteMessage(peer, wire.Ready()); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	writers := make([]io.Writer, len(conns))
	for i, c := range conns {
		writers[i] = c
	}
	n, err := wire.CopyN(io.MultiWriter(writers...), peer, size)
	BytesRelayed.WithLabelValues("upload").Add(float64(n))
	if err != nil {
		return fmt.Errorf("%w: relay %s: %w", wire.ErrAborted, name, err)
	}

	// Storage nodes close the connection once the object is written and
	// reset it when the write failed.
	if err := awaitClose(conns); err != nil {
		return fmt.Errorf("%w: replica of %s failed: %w", wire.ErrAborted, name, err)
	}

	rec := catalog.Record{Size: size, Replicas: targets}
	e.recordMu.Lock()
	err = e.store.Put(ctx, name, rec)
	e.recordMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: record %s: %w", wire.ErrAborted, name, err)
	}

	log.Info().Stringer("replicas", replicaList(targets)).Msg("object uploaded")
	return nil
}

// Download streams the object from one randomly chosen replica to peer.
// The replica's size frame and the peer's go-ahead are forwarded unchanged.
func (e *Engine) Download(ctx context.Context, peer io.ReadWriter, name string) error {
	rec, err := e.store.Get(ctx, name)
	if err != nil {
		return err
	}
	ep, err := e.placer.SelectReplica(rec.Replicas)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}

	conn, err := e.cfg.Dialer.DialContext(ctx, ep.Addr())
	if err != nil {
		return fmt.Errorf("dial %s: %w", ep, err)
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, wire.Download(name)); err != nil {
		return fmt.Errorf("send download to %s: %w", ep, err)
	}
	sizeFrame, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read size from %s: %w", ep, err)
	}
	if err := wire.WriteFrame(peer, sizeFrame); err != nil {
		return fmt.Errorf("forward size: %w", err)
	}
	goAhead, err := wire.ReadFrame(peer)
	if err != nil {
		return fmt.Errorf("await ready: %w", err)
	}
	if err := wire.WriteFrame(conn, goAhead); err != nil {
		return fmt.Errorf("forward ready to %s: %w", ep, err)
	}

	n, err := wire.CopyN(peer, conn, rec.Size)
	BytesRelayed.WithLabelValues("download").Add(float64(n))
	if err != nil {
		return fmt.Errorf("relay %s from %s: %w", name, ep, err)
	}
	logger.Ctx(ctx).Debug().Str("name", name).Stringer("replica", ep).Msg("object downloaded")
	return nil
}

// Delete tells every replica to drop the object, one at a time, then removes
// the record. Unreachable replicas are logged and skipped.
func (e *Engine) Delete(ctx context.Context, name string) error {
	log := logger.Ctx(ctx).With().Str("name", name).Logger()

	rec, err := e.store.Get(ctx, name)
	if err != nil {
		return err
	}

	for _, ep := range rec.Replicas {
		if err := e.deleteReplica(ctx, ep, name); err != nil {
			DeleteSkipped.Inc()
			log.Warn().Err(err).Stringer("replica", ep).Msg("skipping unreachable replica")
		}
	}

	e.recordMu.Lock()
	err = e.store.Delete(ctx, name)
	e.recordMu.Unlock()
	if err != nil {
		return fmt.Errorf("delete record %s: %w", name, err)
	}
	log.Info().Msg("object deleted")
	return nil
}

// Listing sends the byte length of the space separated record names, then
// the names themselves.
func (e *Engine) Listing(ctx context.Context, peer io.Writer) error {
	names, err := e.store.List(ctx)
	if err != nil {
		return err
	}
	payload := strings.Join(names, " ")

	if err := wire.WriteMessage(peer, wire.Size(int64(len(payload)))); err != nil {
		return fmt.Errorf("send listing size: %w", err)
	}
	if _, err := io.WriteString(peer, payload); err != nil {
		return fmt.Errorf("send listing: %w", err)
	}
	return nil
}

// openReplicas dials every target and completes the upload handshake with
// each concurrently. On any failure every opened connection is closed.
func (e *Engine) openReplicas(ctx context.Context, targets []types.Endpoint, msg wire.Message) ([]net.Conn, error) {
	hs := &handshakeSet{conns: make([]net.Conn, len(targets))}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	for i, ep := range targets {
		g.Go(func() error {
			err := e.handshake(dialCtx, hs, i, ep, msg)
			if err != nil {
				cancel()
				hs.fail()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		hs.fail()
		return nil, err
	}
	return hs.conns, nil
}

func (e *Engine) handshake(ctx context.Context, hs *handshakeSet, i int, ep types.Endpoint, msg wire.Message) error {
	conn, err := e.cfg.Dialer.DialContext(ctx, ep.Addr())
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrReplicaRefused, ep, err)
	}
	if !hs.add(i, conn) {
		return fmt.Errorf("%w: %s: handshake aborted", ErrReplicaRefused, ep)
	}

	if err := wire.WriteMessage(conn, msg); err != nil {
		return fmt.Errorf("%w: send to %s: %w", ErrReplicaRefused, ep, err)
	}
	reply, err := wire.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrReplicaRefused, ep, err)
	}
	if reply.Kind != wire.KindReady {
		return fmt.Errorf("%w: %s replied %s", ErrReplicaRefused, ep, reply.Kind)
	}
	return nil
}

func (e *Engine) deleteReplica(ctx context.Context, ep types.Endpoint, name string) error {
	conn, err := e.cfg.Dialer.DialContext(ctx, ep.Addr())
	if err != nil {
		return fmt.Errorf("dial %s: %w", ep, err)
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, wire.Delete(name)); err != nil {
		return fmt.Errorf("send delete to %s: %w", ep, err)
	}
	// The node replies by closing the connection once the object is gone.
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return fmt.Errorf("await delete on %s: %w", ep, err)
	}
	return nil
}

// handshakeSet tracks the replica connections of one upload so a failing
// handshake can close the others, including ones still waiting for READY.
type handshakeSet struct {
	mu     sync.Mutex
	conns  []net.Conn
	failed bool
}

func (h *handshakeSet) add(i int, c net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failed {
		c.Close()
		return false
	}
	h.conns[i] = c
	return true
}

func (h *handshakeSet) fail() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = true
	closeAll(h.conns)
}

func closeAll(conns []net.Conn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}

// awaitClose waits for every replica to finish and close its connection.
func awaitClose(conns []net.Conn) error {
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			_, err := io.Copy(io.Discard, c)
			return err
		})
	}
	return g.Wait()
}

type replicaList []types.Endpoint

func (r replicaList) String() string {
	parts := make([]string, len(r))
	for i, ep := range r {
		parts[i] = ep.String()
	}
	return strings.Join(parts, ",")
}
