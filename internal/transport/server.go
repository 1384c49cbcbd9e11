// Package transport is the gateway's external interface (spec.md §6): a
// single WebSocket endpoint behind TLS, pre-shared-token authenticated,
// carrying JSON request/response frames one way and event envelopes the
// other, plus a plain GET /health for liveness probes.
package transport

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/fanout"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/permissions"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/ratelimit"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/rpc"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

// HandshakeTimeout bounds how long a freshly dialed connection has to send
// its auth frame before the server closes it (spec.md §6).
const HandshakeTimeout = 5 * time.Second

// writeTimeout bounds a single frame write so one slow client can't stall
// the hub's publish loop indefinitely.
const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin allow-list enforced by AllowedOrigins below
}

// Server owns the TLS listener, the WebSocket upgrade/auth handshake, and
// per-connection read/write pumps wired into the dispatch table and hub.
type Server struct {
	addr           string
	token          string
	allowedOrigins map[string]bool
	dispatcher     *rpc.Dispatcher
	hub            *fanout.Hub
	perms          *permissions.Engine
	limiter        *ratelimit.Limiter

	startedAt time.Time
	certPath  string
	keyPath   string
}

func New(addr, token string, allowedOrigins []string, certPath, keyPath string, dispatcher *rpc.Dispatcher, hub *fanout.Hub, perms *permissions.Engine, limiter *ratelimit.Limiter) *Server {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Server{
		addr:           addr,
		token:          token,
		allowedOrigins: origins,
		dispatcher:     dispatcher,
		hub:            hub,
		perms:          perms,
		limiter:        limiter,
		certPath:       certPath,
		keyPath:        keyPath,
	}
}

// ListenAndServe blocks serving TLS until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cert, err := loadOrGenerateCert(s.certPath, s.keyPath)
	if err != nil {
		return fmt.Errorf("tls cert: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{
		Addr:      s.addr,
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}
	s.startedAt = time.Now()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	tlsLn := tls.NewListener(ln, srv.TLSConfig)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(tlsLn) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	UptimeMS int64  `json:"uptimeMs"`
	TLS      bool   `json:"tls"`
	Protocol int    `json:"protocolVersion"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		UptimeMS: time.Since(s.startedAt).Milliseconds(),
		TLS:      true,
		Protocol: protocol.ProtocolVersion,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// authFrame holds the credentials of the first frame a client must send
// after upgrading: either the params of a {"method":"auth"} request or a
// bare {"token","channel"} object.
type authFrame struct {
	Token   string `json:"token"`
	Channel string `json:"channel,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" && !s.allowedOrigins[origin] {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientIP := clientIP(r)
	if s.limiter != nil && !s.limiter.Allow(clientIP) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limited"))
		_ = conn.Close()
		return
	}

	client, ok := s.authenticate(conn)
	if !ok {
		_ = conn.Close()
		return
	}

	s.serve(conn, client)
}

// authenticate enforces the handshake timeout and pre-shared-token check,
// then optionally layers capability-token verification if the client sent
// one (spec.md §6 base auth + SPEC_FULL.md §4.12 capability scoping).
func (s *Server) authenticate(conn *websocket.Conn) (*rpc.Client, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}

	var frame authFrame
	var call struct {
		Method string    `json:"method"`
		Params authFrame `json:"params"`
	}
	if err := json.Unmarshal(raw, &call); err == nil && call.Method == protocol.MethodAuth {
		frame = call.Params
	} else if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, false
	}

	if subtle.ConstantTimeCompare([]byte(frame.Token), []byte(s.token)) != 1 {
		claims, err := s.perms.Verify(frame.Token)
		if err != nil {
			return nil, false
		}
		_ = conn.SetReadDeadline(time.Time{})
		return &rpc.Client{ID: uuid.NewString(), Claims: claims, Channel: claims.Channel}, true
	}

	_ = conn.SetReadDeadline(time.Time{})
	return &rpc.Client{ID: uuid.NewString(), Channel: frame.Channel}, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// serve runs the read and write pumps for one connection until either
// fails; cleans up the hub subscription on exit.
func (s *Server) serve(conn *websocket.Conn, client *rpc.Client) {
	sub := s.hub.Register(client.ID)
	defer s.hub.Unregister(client.ID)

	done := make(chan struct{})
	client.Deliver = func(env *protocol.Envelope) {
		raw, err := json.Marshal(env)
		if err != nil {
			return
		}
		sub.Subscribe(client.ID) // no-op if already subscribed; ensures Queue delivery path is warm
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}

	go s.writePump(conn, sub, done)
	s.readPump(conn, client)
	close(done)
}

func (s *Server) writePump(conn *websocket.Conn, sub *fanout.Subscription, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case payload := <-sub.Queue():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			sub.MarkSent(len(payload))
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, client *rpc.Client) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		go func(req protocol.Request) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			resp := s.dispatcher.Dispatch(ctx, client, req)
			respRaw, err := json.Marshal(resp)
			if err != nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, respRaw)
		}(req)
	}
}
