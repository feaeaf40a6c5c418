package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ServeHTTP runs the HTTP transport: /login issues tokens, /ws
// upgrades to the command protocol, /exec runs one command, and
// everything else serves the bundled web UI from the web root.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind http %s: %w", addr, err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/login", s.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(s.tokenAuth)
		r.Get("/ws", s.handleWS)
		r.Get("/exec", s.handleExec)
		r.Post("/exec", s.handleExec)
	})
	if s.webRoot != "" {
		r.NotFound(http.FileServer(http.Dir(s.webRoot)).ServeHTTP)
	}

	srv := &http.Server{
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  idleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("http listening", "addr", addr, "web_root", s.webRoot)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server", "err", err)
		}
	}()
	return nil
}

// tokenAuth rejects requests without a valid token while credentials
// are configured. The WS handler re-checks on its own for the
// standalone listener.
func (s *Server) tokenAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLogin checks the configured credentials and answers a token.
// With auth unconfigured it answers 200 with an empty body.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Config()
	if !cfg.NeedAuth() {
		w.WriteHeader(http.StatusOK)
		return
	}
	q := r.URL.Query()
	user := q.Get("username")
	pass := q.Get("password")
	if user != cfg.AuthUser || pass != cfg.AuthPassword {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := s.auth.Token(user)
	if err != nil {
		s.logger.Error("issue token", "err", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, token)
}

// handleExec runs one command line from the cmd query parameter or the
// raw request body.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	cmd := r.URL.Query().Get("cmd")
	if cmd == "" && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
		if err == nil {
			cmd = string(body)
		}
	}
	resp := s.dispatcher.Handle(cmd)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, resp+"\n")
}
