package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// HandlerFunc answers one request.
type HandlerFunc func(ctx context.Context, req Request) Reply

// Server accepts control connections on a Unix socket. Each connection
// carries exactly one request and one reply.
type Server struct {
	socketPath string
	handler    HandlerFunc
	log        zerolog.Logger

	active sync.WaitGroup
}

func NewServer(socketPath string, handler HandlerFunc, log zerolog.Logger) *Server {
	return &Server{socketPath: socketPath, handler: handler, log: log}
}

// Serve blocks until ctx is cancelled, then waits for in-flight
// connections. A stale socket file is replaced; the socket is removed on
// return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info().Str("path", s.socketPath).Msg("control socket listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handle(ctx, conn)
		}()
	}
	s.active.Wait()
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.log.Debug().Err(err).Msg("bad control request")
		s.write(conn, Fail(fmt.Errorf("invalid request: %w", err)))
		return
	}

	reply := s.handler(ctx, req)
	if !reply.OK && !reply.Unsupported {
		s.log.Debug().Str("kind", string(req.Kind)).Str("error", reply.Error).Msg("control request failed")
	}
	s.write(conn, reply)
}

func (s *Server) write(conn net.Conn, reply Reply) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := WriteFrame(conn, reply)
	if errors.Is(err, ErrFrameTooLarge) {
		s.log.Warn().Int("data", len(reply.Data)).Msg("control reply too large, sending an error instead")
		err = WriteFrame(conn, Fail(ErrFrameTooLarge))
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to write control reply")
	}
}
