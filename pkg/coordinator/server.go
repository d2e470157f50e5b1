package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/logger"
	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"
	"github.com/LeeDigitalWorks/zaprelay/pkg/wire"

	"github.com/google/uuid"
)

const DefaultAddr = "0.0.0.0:5555"

// EndpointFile is written next to the file catalog so that tools sharing the
// directory can find the coordinator.
const EndpointFile = "coordinator_endpoint.txt"

// LegacyEndpointFile is the endpoint file name older deployments left in
// the catalog directory.
const LegacyEndpointFile = "main_endpoint.txt"

// WriteEndpointFile records addr in dir/EndpointFile.
func WriteEndpointFile(dir, addr string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, EndpointFile), []byte(addr+"\n"), 0o644)
}

// ServerConfig holds the client-facing network settings.
type ServerConfig struct {
	BindAddr  string
	IOTimeout time.Duration
	Accept    utils.AcceptOptions
}

// Server accepts client connections and hands each to the Engine.
type Server struct {
	engine *Engine
	cfg    ServerConfig
	ln     net.Listener
}

func NewServer(engine *Engine, cfg ServerConfig) *Server {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultAddr
	}
	return &Server{engine: engine, cfg: cfg}
}

// Listen binds the client listener ahead of Serve.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := utils.NewListener(s.cfg.BindAddr, s.cfg.IOTimeout)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.BindAddr, err)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve blocks until ctx is cancelled and in-flight requests finish.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	logger.Info().
		Str("addr", s.ln.Addr().String()).
		Int("storage_nodes", s.engine.registry.Len()).
		Int("replication_factor", s.engine.cfg.ReplicationFactor).
		Int("max_connections", s.cfg.Accept.MaxConnections).
		Msg("coordinator listening")

	return utils.AcceptLoop(ctx, s.ln, s.cfg.Accept, s.handleConn)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	ActiveConnections.Inc()
	defer ActiveConnections.Dec()

	log := logger.With().
		Str("conn_id", uuid.NewString()).
		Str("peer", conn.RemoteAddr().String()).
		Logger()
	ctx = logger.WithLogger(ctx, &log)

	start := time.Now()
	if err := s.engine.Handle(ctx, conn); err != nil {
		if errors.Is(err, wire.ErrAborted) {
			utils.Abort(conn)
		}
		log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("request failed, closing connection")
		return
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("request done")
}
