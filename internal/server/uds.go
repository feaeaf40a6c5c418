package server

import (
	"context"
	"fmt"
	"net"
	"os"
)

// ServeUDS listens on a Unix-domain socket. The socket file is
// world-writable (local clients run as different users) and removed on
// shutdown. UDS is intentionally unauthenticated.
func (s *Server) ServeUDS(ctx context.Context, path string) error {
	// A stale socket from an unclean shutdown blocks the bind.
	if _, err := os.Stat(path); err == nil {
		os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("bind uds %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		s.logger.Warn("chmod uds socket", "path", path, "err", err)
	}
	s.logger.Info("uds listening", "path", path)
	go func() {
		s.serveListener(ctx, ln, "uds")
		os.Remove(path)
	}()
	return nil
}
