// Package server is the HTTP glue: it refuses or upgrades web socket
// requests and serves the embedded browser client.
package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/Xiaohua-Shen/ttyd/internal/config"
	"github.com/Xiaohua-Shen/ttyd/internal/session"
	"github.com/Xiaohua-Shen/ttyd/web"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg        *config.Config
	reg        *session.Registry
	httpServer *http.Server
}

func New(cfg *config.Config, reg *session.Registry) (*Server, error) {
	s := &Server{cfg: cfg, reg: reg}

	subFS, err := fs.Sub(web.Assets, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to sub filesystem: %w", err)
	}
	fileServer := http.FileServer(http.FS(subFS))

	mux := http.NewServeMux()
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == cfg.Path {
			http.NotFound(w, r)
			return
		}

		cleanPath := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if cleanPath == "" || cleanPath == "." {
			cleanPath = "index.html"
		}

		if _, err := fs.Stat(subFS, cleanPath); err == nil {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: mux,
	}
	return s, nil
}

// Handler exposes the mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleWebSocket runs the admission policy, upgrades, and hands the
// connection to a session. It blocks for the whole session lifetime,
// acting as the session's socket task.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Authorize(r); err != nil {
		slog.Warn("refusing ws upgrade", "peer", r.RemoteAddr, "reason", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin policy is enforced by Authorize above, with the
		// 80/443 port elision the library does not implement.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("websocket accept", "peer", r.RemoteAddr, "error", err)
		return
	}

	sess := session.New(conn, s.cfg, s.reg, r.RemoteAddr)
	s.reg.Add(sess)
	sess.Run(r.Context())
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr, "command", s.cfg.Command)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
