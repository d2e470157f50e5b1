package datanode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/LeeDigitalWorks/zaprelay/pkg/logger"
	"github.com/LeeDigitalWorks/zaprelay/pkg/utils"
	"github.com/LeeDigitalWorks/zaprelay/pkg/wire"

	"github.com/google/uuid"
)

const DefaultAddr = "0.0.0.0:6666"

// ServerConfig holds the network settings of a storage node.
type ServerConfig struct {
	BindAddr  string
	IOTimeout time.Duration
	Accept    utils.AcceptOptions
}

// Server accepts coordinator connections and hands each to the Engine.
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

// Listen binds the listener. It is called by Serve when needed and is
// exposed so tests can bind port 0 and read Addr before serving.
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

// Serve blocks until ctx is cancelled and in-flight operations finish.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	logger.Info().
		Str("node_id", s.engine.cfg.NodeID).
		Str("addr", s.ln.Addr().String()).
		Str("backend", string(s.engine.backend.Type())).
		Msg("storage node listening")

	return utils.AcceptLoop(ctx, s.ln, s.cfg.Accept, s.handleConn)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	ActiveConnections.Inc()
	defer ActiveConnections.Dec()

	log := logger.With().
		Str("conn_id", uuid.NewString()).
		Str("peer", conn.RemoteAddr().String()).
		Str("node_id", s.engine.cfg.NodeID).
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
