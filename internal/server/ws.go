package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ServeWS runs the standalone WebSocket listener. Each text frame is
// one command line; push events are one frame each.
func (s *Server) ServeWS(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind ws %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:     http.HandlerFunc(s.handleWS),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: idleTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("ws listening", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ws server", "err", err)
		}
	}()
	return nil
}

// requestToken pulls the session token from the x-pisugar-token header
// or the token query parameter.
func requestToken(r *http.Request) string {
	if t := r.Header.Get("x-pisugar-token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// authorized checks the token when credentials are configured.
func (s *Server) authorized(r *http.Request) bool {
	cfg := s.store.Config()
	if !cfg.NeedAuth() {
		return true
	}
	token := requestToken(r)
	if token == "" {
		return false
	}
	return s.auth.Verify(token) == nil
}

// handleWS upgrades and speaks the command protocol over frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.bus.Subscribe()
	defer sub.Close()
	s.store.SendFullState(sub)

	// Push pump.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.C():
				for _, e := range sub.Drain() {
					wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
					err := conn.Write(wctx, websocket.MessageText, []byte(e.Line()+"\n"))
					wcancel()
					if err != nil {
						cancel()
						return
					}
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			resp := s.dispatcher.Handle(line)
			if resp == "" {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(wctx, websocket.MessageText, []byte(resp+"\n"))
			wcancel()
			if err != nil {
				return
			}
		}
	}
}
