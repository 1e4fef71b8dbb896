package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"nexus/cli/internal/logging"
	"nexus/cli/internal/protocol"
)

const (
	DefaultListenAddr       = "127.0.0.1:8080"
	readLimitBytes    int64 = 4 << 20
)

type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peerConn) write(ctx context.Context, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.Write(ctx, websocket.MessageText, data)
}

// Server accepts agent connections on any path and answers their requests. Requests on one
// connection run concurrently; replies carry the request id.
type Server struct {
	handler *Handler
	logger  *slog.Logger
}

func NewServer(h *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{handler: h, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimitBytes)
	peer := &peerConn{conn: conn}
	s.logger.Info("agent connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("agent disconnected", "remote", r.RemoteAddr)
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug("dropping malformed frame", "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, ok := s.handler.Handle(ctx, msg)
			if !ok {
				return
			}
			raw, err := protocol.Encode(reply)
			if err != nil {
				s.logger.Warn("encode reply failed", "err", err)
				return
			}
			if err := peer.write(ctx, raw); err != nil {
				s.logger.Debug("write reply failed", "id", reply.ID, "err", err)
			}
		}()
	}
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("bridge listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
		<-errCh
		return nil
	}
}
