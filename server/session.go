package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"octo/backpressure"
	"octo/message"
	"octo/protocol"
	"octo/stream"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const readChunk = 4096

// session is the state of one connection: decoder, backpressure gate and outbound mux. It is
// owned by the connection goroutine; only close may be called from elsewhere.
type session struct {
	id     string
	srv    *Server
	conn   net.Conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dec      *protocol.RequestDecoder
	gate     *backpressure.Gate
	mux      *stream.Mux
	policy   backpressure.Policy
	requests int // Decoded so far

	closeOnce sync.Once
}

func (svr *Server) newSession(conn net.Conn) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(svr.ctx)
	return &session{
		id:     id,
		srv:    svr,
		conn:   conn,
		logger: svr.logger.Named("session").With(zap.String("session", id), zap.Stringer("remote", conn.RemoteAddr())),
		ctx:    ctx,
		cancel: cancel,
		dec:    protocol.NewRequestDecoder(svr.limits),
		gate:   backpressure.NewGate(svr.scheduler),
		mux:    stream.NewMux(conn, svr.limits.MaxLineLen),
		policy: svr.newPolicy(),
	}
}

func (s *session) info() ConnInfo {
	return ConnInfo{SessionID: s.id, RemoteAddr: s.conn.RemoteAddr()}
}

func (s *session) serve() {
	s.srv.hooks.connectionOpen(s.info())
	s.logger.Debug("connection opened")

	err := s.loop()

	s.close()
	defer s.srv.untrack(s)
	switch {
	case err == nil:
		s.logger.Debug("connection closed", zap.Int("requests", s.requests))
	case errors.Is(err, protocol.ErrProtocolViolation):
		s.logger.Warn("closing connection on protocol violation", zap.Error(err))
	default:
		s.logger.Info("connection failed", zap.Error(err))
	}
	s.srv.hooks.connectionClose(s.info(), err)
}

// loop returns nil when the peer disconnects cleanly or the server shuts the session down.
func (s *session) loop() error {
	buf := make([]byte, readChunk)
	var readErr error

	for {
		// No buffered byte is decoded and nothing is read while a suspension is pending.
		if err := s.gate.Wait(s.ctx); err != nil {
			if s.ctx.Err() != nil || errors.Is(err, backpressure.ErrGateClosed) {
				return nil
			}
			return fmt.Errorf("suspend reads: %w", err)
		}

		req, err := s.dec.Decode()
		if err != nil {
			return err
		}
		if req == nil {
			if readErr != nil {
				return s.readFailure(readErr)
			}
			n, err := s.conn.Read(buf)
			if n > 0 {
				s.dec.Write(buf[:n])
			}
			readErr = err
			continue
		}

		s.requests++
		s.gate.Suspend(s.policy.Delay(s.requests))

		if err := s.handle(req); err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.dec.Reset()
	}
}

func (s *session) readFailure(err error) error {
	if s.ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		if s.dec.State() != protocol.StateAwaitingHeader || s.dec.Buffered() > 0 {
			return fmt.Errorf("connection closed mid-request: %w", io.ErrUnexpectedEOF)
		}
		return nil
	}
	return fmt.Errorf("read: %w", err)
}

// handle runs one invocation with its console bound to the connection. Only failures to write
// to the connection are returned; invocation failures travel in the Result.
func (s *session) handle(req *message.InvocationRequest) error {
	stdout, stderr := s.mux.Bind(req.RequestID)
	inv := &message.Invocation{
		SessionID: s.id,
		Request:   req,
		Stdout:    stdout,
		Stderr:    stderr,
	}

	res := s.srv.handler(s.ctx, inv)
	if res == nil {
		res = &message.Result{}
	}

	if err := s.mux.Unbind(); err != nil {
		return fmt.Errorf("write output of request %d: %w", req.RequestID, err)
	}
	if err := s.mux.WriteResult(req.RequestID, res); err != nil {
		return fmt.Errorf("write result of request %d: %w", req.RequestID, err)
	}
	s.srv.hooks.requestComplete(s.info(), req, res)
	return nil
}

// close tears the connection down. Safe to call from any goroutine, any number of times.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.gate.Close()
		s.mux.Close()
		s.conn.Close()
	})
}
