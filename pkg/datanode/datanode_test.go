// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package datanode

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/logger"
	"github.com/LeeDigitalWorks/zaprelay/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zaprelay/pkg/types"
	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"
	"github.com/LeeDigitalWorks/zaprelay/pkg/wire"

	"github.com/prometheus/client_golang/prometheus"
	prometheusgo "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Helpers
// ============================================================================

// pipe is an in-memory peer: the engine reads in and writes to out.
type pipe struct {
	io.Reader
	out bytes.Buffer
}

func (p *pipe) Write(b []byte) (int, error) { return p.out.Write(b) }

func frame(t *testing.T, m wire.Message) []byte {
	t.Helper()
	f, err := m.Encode()
	require.NoError(t, err)
	return f
}

func startNode(t *testing.T, b types.BackendStorage, cfg Config) string {
	t.Helper()

	srv := NewServer(NewEngine(b, cfg), ServerConfig{BindAddr: "127.0.0.1:0"})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("storage node did not shut down")
		}
	})
	return srv.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// upload runs the node side of an upload to completion and waits for the
// node to close the connection.
func upload(t *testing.T, addr, name string, data []byte) {
	t.Helper()
	conn := dial(t, addr)

	require.NoError(t, wire.WriteMessage(conn, wire.Upload(name, int64(len(data)))))
	m, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindReady, m.Kind)

	_, err = conn.Write(data)
	require.NoError(t, err)

	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func download(t *testing.T, addr, name string) []byte {
	t.Helper()
	conn := dial(t, addr)

	require.NoError(t, wire.WriteMessage(conn, wire.Download(name)))
	m, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindSize, m.Kind)
	require.NoError(t, wire.WriteMessage(conn, wire.Ready()))

	var out bytes.Buffer
	_, err = wire.CopyN(&out, conn, m.Size)
	require.NoError(t, err)
	return out.Bytes()
}

func expectClosedWithoutReply(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// ============================================================================
// Engine Tests
// ============================================================================

func TestEngine_SaveDirect(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemoryStorage()
	e := NewEngine(mem, Config{})

	p := &pipe{Reader: bytes.NewReader([]byte("0123456789 and more"))}
	require.NoError(t, e.Save(context.Background(), p, "x", 10))

	// Only READY is written back.
	assert.Equal(t, frame(t, wire.Ready()), p.out.Bytes())

	got, ok := mem.Bytes("x")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(got))
}

func TestEngine_SaveShortPayload(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemoryStorage()
	e := NewEngine(mem, Config{})

	p := &pipe{Reader: bytes.NewReader([]byte("abc"))}
	err := e.Save(context.Background(), p, "x", 10)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, wire.ErrAborted)

	assert.Empty(t, mem.Keys())
}

func TestEngine_SaveInvalidName(t *testing.T) {
	t.Parallel()

	e := NewEngine(backend.NewMemoryStorage(), Config{})
	p := &pipe{Reader: bytes.NewReader(nil)}

	err := e.Save(context.Background(), p, "../escape", 0)
	assert.ErrorIs(t, err, wire.ErrInvalidName)
	assert.Zero(t, p.out.Len(), "no READY for a rejected name")
}

func TestEngine_ChecksumLogged(t *testing.T) {
	t.Parallel()

	data := randomBytes(t, 3*wire.ChunkSize+11)
	sum := sha256.Sum256(data)

	var logs bytes.Buffer
	log := zerolog.New(&logs).Level(zerolog.DebugLevel)
	ctx := logger.WithLogger(context.Background(), &log)

	e := NewEngine(backend.NewMemoryStorage(), Config{Checksum: utils.ChecksumSHA256})
	require.NoError(t, e.Save(ctx, &pipe{Reader: bytes.NewReader(data)}, "obj", int64(len(data))))

	assert.Contains(t, logs.String(), hex.EncodeToString(sum[:]))
	assert.Contains(t, logs.String(), `"checksum_algorithm":"sha256"`)
}

func TestEngine_ServeDirect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := backend.NewMemoryStorage()
	require.NoError(t, mem.Write(ctx, "x", bytes.NewReader([]byte("hello")), 5))
	e := NewEngine(mem, Config{})

	// Any frame is accepted as the go-ahead.
	goAhead := bytes.Repeat([]byte{'?'}, wire.ControlSize)
	p := &pipe{Reader: bytes.NewReader(goAhead)}
	require.NoError(t, e.Serve(ctx, p, "x"))

	out := p.out.Bytes()
	require.Len(t, out, wire.ControlSize+5)
	m, err := wire.Decode(out[:wire.ControlSize])
	require.NoError(t, err)
	assert.Equal(t, wire.Size(5), m)
	assert.Equal(t, "hello", string(out[wire.ControlSize:]))
}

func TestEngine_ServeMissing(t *testing.T) {
	t.Parallel()

	e := NewEngine(backend.NewMemoryStorage(), Config{})
	p := &pipe{Reader: bytes.NewReader(nil)}

	err := e.Serve(context.Background(), p, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, p.out.Len())
}

func TestEngine_Remove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := backend.NewMemoryStorage()
	require.NoError(t, mem.Write(ctx, "x", bytes.NewReader([]byte("1")), 1))
	e := NewEngine(mem, Config{})

	require.NoError(t, e.Remove(ctx, "x"))
	assert.Empty(t, mem.Keys())

	// absent object
	require.NoError(t, e.Remove(ctx, "x"))
}

func TestEngine_HandleUnexpectedCommand(t *testing.T) {
	t.Parallel()

	e := NewEngine(backend.NewMemoryStorage(), Config{})
	for _, m := range []wire.Message{wire.Listing(), wire.Ready(), wire.Size(3)} {
		p := &pipe{Reader: bytes.NewReader(frame(t, m))}
		err := e.Handle(context.Background(), p)
		assert.ErrorIs(t, err, wire.ErrUnexpectedCommand, m.String())
		assert.Zero(t, p.out.Len())
	}
}

// lowSpaceBackend reports a nearly full volume.
type lowSpaceBackend struct {
	*backend.MemoryStorage
	total, avail uint64
}

func (b lowSpaceBackend) Capacity() (uint64, uint64, error) {
	return b.total, b.avail, nil
}

func TestEngine_MinFreeSpace(t *testing.T) {
	t.Parallel()

	threshold, err := utils.ParseMinFreeSpace("10")
	require.NoError(t, err)

	tests := []struct {
		name    string
		total   uint64
		avail   uint64
		size    int64
		refused bool
	}{
		{"plenty of space", 1000, 900, 10, false},
		{"below percent threshold", 1000, 50, 10, true},
		{"object larger than free space", 1000, 200, 500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := lowSpaceBackend{MemoryStorage: backend.NewMemoryStorage(), total: tt.total, avail: tt.avail}
			e := NewEngine(b, Config{MinFreeSpace: threshold})

			p := &pipe{Reader: bytes.NewReader(make([]byte, tt.size))}
			err := e.Save(context.Background(), p, "x", tt.size)
			if tt.refused {
				assert.ErrorIs(t, err, ErrLowSpace)
				assert.Zero(t, p.out.Len(), "refusal happens before READY")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEngine_Accepting(t *testing.T) {
	t.Parallel()

	threshold, err := utils.ParseMinFreeSpace("10")
	require.NoError(t, err)

	full := lowSpaceBackend{MemoryStorage: backend.NewMemoryStorage(), total: 1000, avail: 50}
	roomy := lowSpaceBackend{MemoryStorage: backend.NewMemoryStorage(), total: 1000, avail: 500}

	assert.False(t, NewEngine(full, Config{MinFreeSpace: threshold}).Accepting())
	assert.True(t, NewEngine(roomy, Config{MinFreeSpace: threshold}).Accepting())
	assert.True(t, NewEngine(full, Config{}).Accepting(), "no threshold configured")
	assert.True(t, NewEngine(backend.NewMemoryStorage(), Config{MinFreeSpace: threshold}).Accepting(), "backend without capacity")
}

// ============================================================================
// Server Tests
// ============================================================================

func TestServer_RoundTripSizes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	local, err := backend.NewLocal(types.BackendConfig{Path: dir})
	require.NoError(t, err)
	addr := startNode(t, local, Config{})

	for _, size := range []int{0, 1, wire.ChunkSize, wire.ChunkSize + 1, 3<<20 + 5} {
		data := randomBytes(t, size)
		name := fmt.Sprintf("obj-%d", size)

		upload(t, addr, name, data)

		onDisk, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, onDisk), "size %d on disk", size)
		assert.True(t, bytes.Equal(data, download(t, addr, name)), "size %d downloaded", size)
	}
}

func TestServer_DeleteThenDownloadDrops(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemoryStorage()
	addr := startNode(t, mem, Config{})

	upload(t, addr, "gone", []byte("data"))
	require.Equal(t, []string{"gone"}, mem.Keys())

	conn := dial(t, addr)
	require.NoError(t, wire.WriteMessage(conn, wire.Delete("gone")))
	expectClosedWithoutReply(t, conn)
	assert.Empty(t, mem.Keys())

	conn = dial(t, addr)
	require.NoError(t, wire.WriteMessage(conn, wire.Download("gone")))
	expectClosedWithoutReply(t, conn)
}

func TestServer_MalformedFrameDropped(t *testing.T) {
	t.Parallel()

	addr := startNode(t, backend.NewMemoryStorage(), Config{})

	conn := dial(t, addr)
	garbage := bytes.Repeat([]byte{' '}, wire.ControlSize)
	copy(garbage, "FROBNICATE$x")
	_, err := conn.Write(garbage)
	require.NoError(t, err)
	expectClosedWithoutReply(t, conn)
}

func TestServer_WriteLockSerializesUploads(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemoryStorage()
	addr := startNode(t, mem, Config{})

	// First uploader gets READY and stalls halfway through its payload.
	first := dial(t, addr)
	require.NoError(t, wire.WriteMessage(first, wire.Upload("first", 8)))
	m, err := wire.ReadMessage(first)
	require.NoError(t, err)
	require.Equal(t, wire.KindReady, m.Kind)
	_, err = first.Write([]byte("1234"))
	require.NoError(t, err)

	// Second uploader is still told READY, then queues on the lock.
	second := dial(t, addr)
	require.NoError(t, wire.WriteMessage(second, wire.Upload("second", 3)))
	m, err = wire.ReadMessage(second)
	require.NoError(t, err)
	require.Equal(t, wire.KindReady, m.Kind)
	_, err = second.Write([]byte("abc"))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, mem.Keys(), "second upload must wait for the first")

	_, err = first.Write([]byte("5678"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(mem.Keys()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := mem.Bytes("first")
	assert.Equal(t, "12345678", string(got))
	got, _ = mem.Bytes("second")
	assert.Equal(t, "abc", string(got))

	expectClosedWithoutReply(t, first)
	expectClosedWithoutReply(t, second)
}

func TestServer_DisjointNodesProceedConcurrently(t *testing.T) {
	t.Parallel()

	memA := backend.NewMemoryStorage()
	memB := backend.NewMemoryStorage()
	addrA := startNode(t, memA, Config{})
	addrB := startNode(t, memB, Config{})

	stalled := dial(t, addrA)
	require.NoError(t, wire.WriteMessage(stalled, wire.Upload("slow", 4)))
	_, err := wire.ReadMessage(stalled)
	require.NoError(t, err)
	_, err = stalled.Write([]byte("12"))
	require.NoError(t, err)

	// Node B has its own lock and completes while A is stalled.
	upload(t, addrB, "fast", []byte("xyz"))
	assert.Equal(t, []string{"fast"}, memB.Keys())
	assert.Empty(t, memA.Keys())

	_, err = stalled.Write([]byte("34"))
	require.NoError(t, err)
	expectClosedWithoutReply(t, stalled)
	assert.Equal(t, []string{"slow"}, memA.Keys())
}

func TestServer_ClientDisconnectMidUpload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	local, err := backend.NewLocal(types.BackendConfig{Path: dir})
	require.NoError(t, err)
	addr := startNode(t, local, Config{})

	conn := dial(t, addr)
	require.NoError(t, wire.WriteMessage(conn, wire.Upload("partial", 100)))
	_, err = wire.ReadMessage(conn)
	require.NoError(t, err)
	_, err = conn.Write([]byte("only some"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// The lock is released and no partial object is left behind.
	upload(t, addr, "after", []byte("ok"))
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 1 && entries[0].Name() == "after"
	}, 5*time.Second, 10*time.Millisecond)
}

// failingBackend consumes every upload and then fails to store it.
type failingBackend struct {
	*backend.MemoryStorage
}

func (failingBackend) Write(ctx context.Context, key string, data io.Reader, size int64) error {
	io.Copy(io.Discard, data)
	return errors.New("write failed")
}

func TestServer_FailedWriteResetsConnection(t *testing.T) {
	t.Parallel()

	addr := startNode(t, failingBackend{backend.NewMemoryStorage()}, Config{})
	conn := dial(t, addr)

	require.NoError(t, wire.WriteMessage(conn, wire.Upload("lost", 4)))
	m, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindReady, m.Kind)
	_, err = conn.Write([]byte("data"))
	require.NoError(t, err)

	// A clean close would read as success.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadAll(conn)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
}

// ============================================================================
// Metrics
// ============================================================================

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m prometheusgo.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetrics_SaveAndServe(t *testing.T) {
	// not parallel: metrics are process-wide
	addr := startNode(t, backend.NewMemoryStorage(), Config{})

	savedBefore := counterValue(t, BytesSaved)
	servedBefore := counterValue(t, BytesServed)
	okBefore := counterValue(t, OperationsTotal.WithLabelValues("save", "ok"))

	upload(t, addr, "m", make([]byte, 1000))
	download(t, addr, "m")

	assert.Eventually(t, func() bool {
		return counterValue(t, BytesServed)-servedBefore == 1000
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1000), counterValue(t, BytesSaved)-savedBefore)
	assert.Equal(t, float64(1), counterValue(t, OperationsTotal.WithLabelValues("save", "ok"))-okBefore)
}
