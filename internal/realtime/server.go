package realtime

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldops/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// сколько ждём ответный close от клиента после своего
const closeGrace = time.Second

// TokenParser validates a realtime token once, at connect.
type TokenParser interface {
	Parse(token string) (models.Principal, time.Time, error)
}

type Server struct {
	hub    *Hub
	tokens TokenParser
	log    *slog.Logger
}

func NewServer(hub *Hub, tokens TokenParser, log *slog.Logger) *Server {
	return &Server{hub: hub, tokens: tokens, log: log}
}

// Handle upgrades GET /ws. The token comes from ?token= or a Bearer
// header; the connection lives in room user:<id> until the client leaves
// or the token expires.
func (s *Server) Handle(c *gin.Context) {
	principal, expires, err := s.tokens.Parse(tokenFrom(c.Request))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	// в комнату до апгрейда: после рукопожатия сессия уже получает события
	sess := s.hub.Join(principal.ID)
	conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		s.hub.Leave(sess)
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.log.Info("realtime session opened",
		slog.String("session_id", sess.ID()),
		slog.Uint64("user_id", uint64(principal.ID)),
		slog.Time("expires_at", expires),
	)
	s.serve(conn, sess, expires)
	s.log.Info("realtime session closed", slog.String("session_id", sess.ID()))
}

func (s *Server) serve(conn net.Conn, sess *Session, expires time.Time) {
	out := &frameWriter{w: conn}
	defer func() {
		s.hub.Leave(sess)
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, out)
	}()

	expiry := time.NewTimer(time.Until(expires))
	defer expiry.Stop()

	for {
		select {
		case payload, ok := <-sess.C():
			if !ok {
				return
			}
			if err := out.WriteFrame(ws.NewTextFrame(payload)); err != nil {
				s.log.Debug("realtime write failed", slog.String("session_id", sess.ID()), slog.String("error", err.Error()))
				return
			}
		case <-expiry.C:
			body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "token expired")
			if err := out.WriteFrame(ws.NewCloseFrame(body)); err == nil {
				_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
				<-done
			}
			return
		case <-done:
			return
		}
	}
}

// readLoop discards client data and answers control frames until the
// connection closes.
func readLoop(conn net.Conn, out *frameWriter) {
	control := func(h ws.Header, r io.Reader) error {
		var buf bytes.Buffer
		err := wsutil.ControlFrameHandler(&buf, ws.StateServerSide)(h, r)
		if buf.Len() > 0 {
			if _, werr := out.Write(buf.Bytes()); werr != nil && err == nil {
				err = werr
			}
		}
		return err
	}
	rd := &wsutil.Reader{
		Source:    conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			// close от клиента тоже ошибка (wsutil.ClosedError): выходим
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return
		}
	}
}

// frameWriter serialises writes from the reader and writer goroutines.
// Each Write carries one complete frame.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *frameWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Write(p)
}

func (f *frameWriter) WriteFrame(frame ws.Frame) error {
	p, err := ws.CompileFrame(frame)
	if err != nil {
		return err
	}
	_, err = f.Write(p)
	return err
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
