package server

import (
	"context"
	"fmt"
	"net"
)

// ServeTCP listens on a TCP address. TCP is intentionally
// unauthenticated; deployments relying on auth disable it.
func (s *Server) ServeTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind tcp %s: %w", addr, err)
	}
	s.logger.Info("tcp listening", "addr", addr)
	go s.serveListener(ctx, ln, "tcp")
	return nil
}
