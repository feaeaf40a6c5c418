package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"pisugar-power-go/internal/core"
)

// idleTimeout closes a connection that stays silent this long.
const idleTimeout = 120 * time.Second

// Server carries the shared pieces of the four transport adapters.
type Server struct {
	dispatcher *Dispatcher
	store      *core.Store
	bus        *core.Bus
	auth       *Auth
	webRoot    string
	logger     *slog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithWebRoot serves static files from dir on the HTTP transport.
func WithWebRoot(dir string) Option {
	return func(s *Server) { s.webRoot = dir }
}

// New builds the transport server around the dispatcher and bus.
func New(dispatcher *Dispatcher, store *core.Store, bus *core.Bus, auth *Auth, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		dispatcher: dispatcher,
		store:      store,
		bus:        bus,
		auth:       auth,
		logger:     logger.With("component", "server"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// handleConn speaks the line protocol on one UDS or TCP connection.
// Commands from the connection are handled to completion in order;
// push events from the bus interleave between responses.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer sub.Close()
	s.store.SendFullState(sub)

	var writeMu sync.Mutex
	writeLine := func(line string) error {
		if line == "" {
			return nil
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := conn.Write([]byte(line + "\n"))
		return err
	}

	pushCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-pushCtx.Done():
				return
			case <-sub.C():
				for _, e := range sub.Drain() {
					if err := writeLine(e.Line()); err != nil {
						conn.Close()
						return
					}
				}
			}
		}
	}()

	// Close the connection when the server shuts down so the blocked
	// read below returns.
	go func() {
		<-pushCtx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !scanner.Scan() {
			return
		}
		resp := s.dispatcher.Handle(scanner.Text())
		if resp == "" {
			continue
		}
		if err := writeLine(resp); err != nil {
			return
		}
	}
}

// serveListener accepts connections until ctx is cancelled. I/O errors
// on one connection never affect the others.
func (s *Server) serveListener(ctx context.Context, ln net.Listener, transport string) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept", "transport", transport, "err", err)
			continue
		}
		s.logger.Debug("connection", "transport", transport, "remote", conn.RemoteAddr())
		go s.handleConn(ctx, conn)
	}
}
