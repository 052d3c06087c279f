// control_server.go: Loopback control server driving the lifecycle manager
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ControlTarget is what the control server drives. Loader implements it.
type ControlTarget interface {
	GetLoadedMods(ctx context.Context) ([]ModInfo, error)
	LoadMod(ctx context.Context, modID string) error
	UnloadMod(ctx context.Context, modID string) error
	SuspendMod(ctx context.Context, modID string) error
	ResumeMod(ctx context.Context, modID string) error
}

// ControlConfig configures the control server.
type ControlConfig struct {
	// Address must be a loopback host. Port 0 lets the OS pick one.
	Address string `json:"address" yaml:"address"`

	// MaxConnections caps concurrent controller connections. 0 means no cap.
	MaxConnections int `json:"max_connections" yaml:"max_connections"`

	// IdleTimeout closes connections that send nothing for this long. 0
	// keeps them open until the peer goes away.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// EnableGRPC also serves the ModControl gRPC service on GRPCAddress.
	EnableGRPC  bool   `json:"enable_grpc" yaml:"enable_grpc"`
	GRPCAddress string `json:"grpc_address" yaml:"grpc_address"`
}

// DefaultControlConfig binds to an ephemeral port on 127.0.0.1.
func DefaultControlConfig() ControlConfig {
	return ControlConfig{
		Address:        "127.0.0.1:0",
		MaxConnections: 16,
		GRPCAddress:    "127.0.0.1:0",
	}
}

// Validate checks that the server would only be reachable from this host.
func (c ControlConfig) Validate() error {
	if c.MaxConnections < 0 {
		return NewConfigValidationError("control max_connections cannot be negative", nil)
	}
	if c.IdleTimeout < 0 {
		return NewConfigValidationError("control idle_timeout cannot be negative", nil)
	}
	if err := validateLoopbackAddress(c.Address); err != nil {
		return err
	}
	if c.EnableGRPC {
		return validateLoopbackAddress(c.GRPCAddress)
	}
	return nil
}

func validateLoopbackAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return NewConfigValidationError(fmt.Sprintf("invalid control address %q", address), err)
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return NewNonLoopbackBindError(address)
	}
	return nil
}

// ControlServerOption customizes a ControlServer.
type ControlServerOption func(*ControlServer)

// WithControlMetrics counts requests by type and outcome.
func WithControlMetrics(m *LifecycleMetrics) ControlServerOption {
	return func(s *ControlServer) { s.metrics = m }
}

// WithControlAudit records every request in the audit trail.
func WithControlAudit(a *LifecycleAudit) ControlServerOption {
	return func(s *ControlServer) { s.audit = a }
}

// ControlServer answers control requests from external controllers, usually
// the launcher that started this process. A failing request produces a
// GenericExceptionResponse and the connection stays open for the next one.
type ControlServer struct {
	config  ControlConfig
	target  ControlTarget
	record  *PortRecord
	logger  Logger
	metrics *LifecycleMetrics
	audit   *LifecycleAudit

	runMutex sync.Mutex
	running  bool
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	connMutex sync.Mutex
	conns     map[net.Conn]struct{}
}

// NewControlServer creates a server. record may be nil when no external
// controller needs to discover the port.
func NewControlServer(config ControlConfig, target ControlTarget, record *PortRecord, logger Logger, opts ...ControlServerOption) *ControlServer {
	if logger == nil {
		logger = DefaultLogger()
	}
	if config.Address == "" {
		config.Address = DefaultControlConfig().Address
	}
	s := &ControlServer{
		config: config,
		target: target,
		record: record,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and begins accepting connections. The port record
// reads 0 until the listener is bound.
func (s *ControlServer) Start(ctx context.Context) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if s.running {
		return NewControlServerError("control server already running", nil)
	}
	if err := validateLoopbackAddress(s.config.Address); err != nil {
		return err
	}

	if s.record != nil {
		if err := s.record.Set(0); err != nil {
			return err
		}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return NewControlServerError("failed to create listener", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		if closeErr := listener.Close(); closeErr != nil {
			s.logger.Error("Failed to close listener", "error", closeErr)
		}
		return NewControlServerError("listener address is not TCP", nil)
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.acceptLoop(listener)
	s.running = true

	if s.record != nil {
		if err := s.record.Set(tcpAddr.Port); err != nil {
			s.logger.Error("Failed to publish control port", "error", err)
		}
	}

	s.logger.Info("Control server started",
		"address", tcpAddr.IP.String(),
		"port", tcpAddr.Port,
		"max_connections", s.config.MaxConnections)
	return nil
}

// Addr returns the bound address, or "" when the server is not running.
func (s *ControlServer) Addr() string {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return or ctx to expire.
func (s *ControlServer) Stop(ctx context.Context) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if !s.running {
		return nil
	}
	s.logger.Info("Stopping control server")

	if s.record != nil {
		if err := s.record.Set(0); err != nil {
			s.logger.Warn("Failed to reset control port", "error", err)
		}
	}

	s.cancel()
	if err := s.listener.Close(); err != nil {
		s.logger.Warn("Failed to close listener", "error", err)
	}

	s.connMutex.Lock()
	for conn := range s.conns {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Failed to close connection", "error", err)
		}
	}
	s.connMutex.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	s.running = false
	s.listener = nil

	select {
	case <-done:
		s.logger.Info("Control server stopped")
		return nil
	case <-ctx.Done():
		return NewControlServerError("timed out waiting for control connections", ctx.Err())
	}
}

func (s *ControlServer) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	defer withStackRecover(s.logger, "control_accept_loop")()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.logger.Error("Accept failed", "error", err)
			return
		}

		if !s.track(conn) {
			s.logger.Warn("Maximum control connections exceeded", "max", s.config.MaxConnections)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *ControlServer) track(conn net.Conn) bool {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()
	if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *ControlServer) untrack(conn net.Conn) {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()
	delete(s.conns, conn)
}

func (s *ControlServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Failed to close connection", "error", err)
		}
	}()
	defer withStackRecover(s.logger, "control_connection")()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("Control connection established", "remote_addr", remote)

	for {
		if s.config.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
				s.logger.Debug("Failed to set read deadline", "error", err)
			}
		}

		payload, err := readFramePayload(conn)
		if err != nil {
			if err != io.EOF && s.ctx.Err() == nil {
				s.logger.Debug("Control connection closed", "remote_addr", remote, "reason", err)
			}
			return
		}

		var req ControlRequest
		var resp ControlResponse
		if err := decodeFrame(payload, &req); err != nil {
			s.logger.Warn("Malformed control request", "remote_addr", remote, "error", err)
			resp = genericException(err)
		} else {
			resp = s.dispatch(req, remote)
		}

		if err := writeFrame(conn, resp); err != nil {
			s.logger.Debug("Failed to write control response", "remote_addr", remote, "error", err)
			return
		}
	}
}

// dispatch runs one request. It never panics and never returns an error:
// failures become GenericExceptionResponse frames.
func (s *ControlServer) dispatch(req ControlRequest, remote string) (resp ControlResponse) {
	var mods []ModInfo
	err := callRecovered(s.logger, "control_dispatch", func() error {
		if req.Type.requiresModID() && req.ModID == "" {
			return NewProtocolError(string(req.Type)+" requires a mod id", nil)
		}

		ctx := s.ctx
		switch req.Type {
		case MsgGetLoadedMods:
			var err error
			mods, err = s.target.GetLoadedMods(ctx)
			return err
		case MsgLoadMod:
			return s.target.LoadMod(ctx, req.ModID)
		case MsgUnloadMod:
			return s.target.UnloadMod(ctx, req.ModID)
		case MsgSuspendMod:
			return s.target.SuspendMod(ctx, req.ModID)
		case MsgResumeMod:
			return s.target.ResumeMod(ctx, req.ModID)
		default:
			return NewProtocolError(fmt.Sprintf("unknown control request %q", req.Type), nil)
		}
	})

	s.metrics.observeControl(string(req.Type), err)
	s.audit.RecordControlRequest(string(req.Type), req.ModID, remote, err)

	if err != nil {
		s.logger.Warn("Control request failed",
			"request", req.Type,
			"mod_id", req.ModID,
			"error", err)
		return genericException(err)
	}
	if req.Type == MsgGetLoadedMods {
		if mods == nil {
			mods = []ModInfo{}
		}
		return ControlResponse{Type: MsgGetLoadedModsResponse, Mods: mods}
	}
	return acknowledgement()
}
