package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/automate-sh/automate/internal/config"
	"github.com/automate-sh/automate/internal/router"
	"github.com/automate-sh/automate/internal/sessions"
	"github.com/automate-sh/automate/internal/telemetry"
)

// Frame is the wire format exchanged over the websocket.
type Frame struct {
	Type       string `json:"type"` // "chat", "chunk", "done", "error"
	SessionKey string `json:"session_key,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Server is the WS/HTTP ingress: it turns transport frames into router
// calls and streams replies back.
type Server struct {
	cfg    *config.Config
	agents *router.Router

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates a gateway over the given agent router.
func NewServer(cfg *config.Config, agents *router.Router) *Server {
	s := &Server{
		cfg:      cfg,
		agents:   agents,
		limiters: make(map[string]*rate.Limiter),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Stop runs.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	addr := net.JoinHostPort(s.cfg.Gateway.Host, fmt.Sprintf("%d", s.cfg.Gateway.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway: listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"agents": len(s.agents.GetAll()),
	})
}

// authorized checks the bearer token (header or ?token=). An empty
// configured token disables auth.
func (s *Server) authorized(r *http.Request) bool {
	want := s.cfg.Gateway.AuthToken
	if want == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") && strings.TrimPrefix(header, "Bearer ") == want {
		return true
	}
	return r.URL.Query().Get("token") == want
}

// limiter returns the per-client rate limiter, keyed by remote host.
func (s *Server) limiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		rpm := s.cfg.Gateway.RateLimitRPM
		l = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		s.limiters[key] = l
	}
	return l
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	limiter := s.limiter(host)

	var writeMu sync.Mutex
	send := func(f Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(f); err != nil {
			slog.Warn("gateway: write failed", "error", err)
		}
	}

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("gateway: read failed", "error", err)
			}
			return
		}

		if frame.Type != "chat" {
			send(Frame{Type: "error", Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
			continue
		}
		if !limiter.Allow() {
			send(Frame{Type: "error", SessionKey: frame.SessionKey, Error: "rate limited"})
			continue
		}

		s.processChat(r.Context(), frame, send)
	}
}

// processChat runs one chat frame through the router, streaming chunks
// back as they arrive.
func (s *Server) processChat(ctx context.Context, frame Frame, send func(Frame)) {
	sessionKey := frame.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.SessionID("webchat", frame.UserID)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "gateway.chat")
	span.SetAttributes(attribute.String("session.key", sessionKey))
	defer span.End()

	if strings.HasPrefix(strings.TrimSpace(frame.Content), "/") {
		if resp, handled := s.agents.HandleCommand(ctx, sessionKey, frame.Content, frame.UserID); handled {
			send(Frame{Type: "done", SessionKey: sessionKey, Content: resp})
			return
		}
	}

	onChunk := func(chunk string) {
		send(Frame{Type: "chunk", SessionKey: sessionKey, Content: chunk})
	}

	reply, err := s.agents.ProcessMessage(ctx, sessionKey, frame.Content, onChunk, frame.UserID)
	if err != nil {
		send(Frame{Type: "error", SessionKey: sessionKey, Error: err.Error()})
		return
	}
	send(Frame{Type: "done", SessionKey: sessionKey, Content: reply})
}
