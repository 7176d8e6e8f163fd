// Package control implements the local administration socket (spec.md
// §4.8): a line-delimited JSON request/response protocol over a Unix
// domain socket, dispatched one goroutine per connection (spec.md §5 "one
// control thread per accepted control-socket connection"), adapted from
// the teacher's HTTP route-table dispatch in walletserver/routes/routes.go
// to a socket carrying JSON lines instead of HTTP verbs.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "control")

// Server accepts connections on a Unix domain socket and dispatches each
// line as a command.
type Server struct {
	socketPath string
	listener   net.Listener
	deps       Deps

	wg sync.WaitGroup
}

// NewServer binds a Unix socket at socketPath. An existing socket file is
// removed first; spec.md §4.8 notes that under socket-activation the
// listener may instead be inherited and the file left alone on exit, which
// callers opt into by passing an already-bound listener via Attach.
func NewServer(socketPath string, deps Deps) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("control: remove stale socket %s: %w", socketPath, err)
	}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", socketPath, err)
	}
	return &Server{socketPath: socketPath, listener: l, deps: deps}, nil
}

// Attach wraps an already-bound listener (e.g. received via socket
// activation) instead of creating one, so the socket file is never removed
// by this Server.
func Attach(l net.Listener, deps Deps) *Server {
	return &Server{listener: l, deps: deps}
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting connections and removes the socket file, unless
// this Server was created via Attach.
func (s *Server) Close() error {
	err := s.listener.Close()
	if s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			_ = enc.Encode(errorResponse{Error: fmt.Sprintf("invalid command: %v", err)})
			continue
		}

		if env.Command == "Subscribe" {
			s.serveSubscribe(ctx, conn, enc)
			return
		}
		if env.Command == "Shutdown" {
			_ = enc.Encode(okResponse{Ok: true})
			conn.Close()
			if s.deps.Shutdown != nil {
				s.deps.Shutdown()
			}
			return
		}

		result, err := s.deps.dispatch(ctx, env.Command, line)
		if err != nil {
			_ = enc.Encode(errorResponse{Error: err.Error()})
			continue
		}
		_ = enc.Encode(okResponse{Ok: result})
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Debug("control connection read error")
	}
}

// serveSubscribe streams gossip events as JSON lines until the client
// disconnects or the server shuts down (spec.md §4.8 "the Subscribe
// command streams events until the client disconnects").
func (s *Server) serveSubscribe(ctx context.Context, conn net.Conn, enc *json.Encoder) {
	if s.deps.Gossip == nil {
		_ = enc.Encode(errorResponse{Error: "subscribe unavailable: gossip service not wired"})
		return
	}
	ch := s.deps.Gossip.Events().Subscribe()
	defer s.deps.Gossip.Events().Unsubscribe(ch)

	gone := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				close(gone)
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
		}
	}
}

type envelope struct {
	Command string `json:"command"`
}

type okResponse struct {
	Ok any `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// now is the indirection point for wall-clock reads in command handlers,
// kept as a struct field so tests can substitute a fixed clock.
type clockFunc func() time.Time
