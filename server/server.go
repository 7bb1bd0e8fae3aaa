// Package server implements a frame-protocol origin server.
//
// It exists so connections and pools in this module have a real origin
// to talk to — in tests, benchmarks, and local tooling. Each accepted
// socket gets a single read loop (frame boundaries require a sequential
// reader), every request is handled in its own goroutine, and a
// per-connection write mutex keeps concurrent response frames from
// interleaving.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-pool/codec"
	"mini-pool/message"
	"mini-pool/protocol"
)

// Handler computes the response for one request. It is called from
// many goroutines concurrently and must be safe for that.
type Handler func(req *message.Request) *message.Response

// Server accepts frame-protocol connections and serves requests
// through a single Handler.
type Server struct {
	handler  Handler
	logger   *zap.Logger
	listener net.Listener
	wg       sync.WaitGroup // in-flight requests, for graceful shutdown
	shutdown atomic.Bool    // distinguishes intentional listener close from real Accept errors
}

// New creates a server around the given handler. logger may be nil.
func New(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, logger: logger}
}

// Listen binds the listener without serving yet, so callers can learn
// the bound address (":0" in tests) before the accept loop starts.
func (s *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Addr returns the bound listener address. Only valid after Listen.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs the accept loop: one goroutine per connection. It returns
// nil when the listener was closed by Shutdown.
func (s *Server) Serve() error {
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(sock)
	}
}

// handleConn reads frames sequentially and fans each request out to
// its own goroutine, sharing one write mutex per connection.
func (s *Server) handleConn(sock net.Conn) {
	defer sock.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.ReadFrame(sock)
		if err != nil {
			return // connection closed or protocol violation
		}
		if header.Type == protocol.FrameHeartbeat {
			continue
		}
		if header.Type != protocol.FrameRequest {
			s.logger.Warn("server: unexpected frame", zap.Uint8("type", uint8(header.Type)))
			continue
		}
		s.wg.Add(1)
		go s.handleRequest(header, body, sock, writeMu)
	}
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, sock net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	cdc := codec.GetCodec(codec.CodecType(header.Codec))
	req := message.Request{}
	resp := &message.Response{}
	if err := cdc.Decode(body, &req); err != nil {
		resp.Error = fmt.Sprintf("bad request envelope: %v", err)
	} else {
		resp = s.handler(&req)
	}

	out, err := cdc.Encode(resp)
	if err != nil {
		s.logger.Error("server: encode response", zap.Error(err))
		return
	}

	// Same seq as the request, so the client routes the response back
	// to the right caller.
	replyHeader := protocol.Header{
		Codec: header.Codec,
		Type:  protocol.FrameResponse,
		Seq:   header.Seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.WriteFrame(sock, &replyHeader, out); err != nil {
		s.logger.Error("server: write response", zap.Error(err))
	}
}

// Shutdown stops accepting, then waits up to timeout for in-flight
// requests to finish. The shutdown flag is set before the listener is
// closed so Serve can tell the intentional close apart from a failure.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for in-flight requests")
	}
}
