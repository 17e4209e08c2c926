package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"idle-arena/middleware"
	"idle-arena/services"
)

// Message types exchanged over the socket.
const (
	MsgAction      = "action"
	MsgSubmitScore = "submit_score"
	MsgLevelUpdate = "level_update"
	MsgNewRun      = "new_run"
	MsgGetState    = "get_state"
	MsgPing        = "ping"

	MsgSession      = "session"
	MsgActionResult = "action_result"
	MsgScoreResult  = "score_result"
	MsgLevelResult  = "level_result"
	MsgState        = "state"
	MsgPong         = "pong"
	MsgError        = "error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type sessionPayload struct {
	Session     services.Session           `json:"session"`
	Restored    bool                       `json:"restored"`
	Leaderboard services.LeaderboardUpdate `json:"leaderboard"`
}

type Config struct {
	GatewayToken   string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SendBuffer     int
}

// Server runs the realtime game socket. Messages from one connection are
// handled in order; pushes from the hub are interleaved by a single writer.
type Server struct {
	orch     *services.SessionOrchestrator
	hub      *services.Hub
	tokens   *services.TokenIssuer
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(orch *services.SessionOrchestrator, hub *services.Hub, tokens *services.TokenIssuer, cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	s := &Server{orch: orch, hub: hub, tokens: tokens, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

var errUnauthenticated = errors.New("unauthenticated")

// authenticate accepts either gateway-forwarded identity headers or the
// security token of the player's live session. Tokens of replaced, ended or
// expired sessions are rejected.
func (s *Server) authenticate(r *http.Request) (services.PlayerIdentity, error) {
	if s.cfg.GatewayToken != "" && middleware.GatewayTokenValid(r.Header.Get("Authorization"), s.cfg.GatewayToken) {
		if userID := strings.TrimSpace(r.Header.Get("X-User-ID")); userID != "" {
			return services.PlayerIdentity{
				UserID:      userID,
				DisplayName: strings.TrimSpace(r.Header.Get("X-User-Name")),
				AvatarURL:   strings.TrimSpace(r.Header.Get("X-User-Avatar")),
			}, nil
		}
	}
	if token := r.URL.Query().Get("session_token"); token != "" {
		claims, err := s.tokens.Parse(token)
		if err != nil {
			return services.PlayerIdentity{}, err
		}
		if _, err := s.orch.ValidateSession(claims.SessionID, claims.Subject, token); err != nil {
			return services.PlayerIdentity{}, err
		}
		return services.PlayerIdentity{UserID: claims.Subject}, nil
	}
	return services.PlayerIdentity{}, errUnauthenticated
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	player, err := s.authenticate(r)
	if err != nil {
		log.Printf("🚫 [WS] Rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed for %s: %v", player.UserID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, restored, err := s.orch.Connect(ctx, player)
	if err != nil {
		s.writeDirect(conn, outbound{Type: MsgError, Payload: failurePayload(err)})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(services.CodeOf(err))))
		return
	}
	defer s.orch.Disconnect(player.UserID)

	sub := s.hub.Subscribe(services.TopicLeaderboard, services.TopicPresence, services.UserTopic(player.UserID))
	defer s.hub.Unsubscribe(sub)

	send := make(chan outbound, s.cfg.SendBuffer)
	writerDone := make(chan struct{})
	go s.writeLoop(ctx, conn, send, sub, writerDone)

	send <- outbound{Type: MsgSession, Payload: sessionPayload{
		Session:     sess,
		Restored:    restored,
		Leaderboard: s.hubSnapshot(),
	}}
	log.Printf("🔌 [WS] %s connected (session %s, restored=%t)", player.UserID, sess.ID, restored)

	s.readLoop(ctx, conn, player, send, writerDone)

	cancel()
	<-writerDone
	log.Printf("🔌 [WS] %s disconnected", player.UserID)
}

func (s *Server) hubSnapshot() services.LeaderboardUpdate {
	if lb := s.orch.Leaderboard(); lb != nil {
		return lb.Snapshot()
	}
	return services.LeaderboardUpdate{}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, player services.PlayerIdentity, send chan<- outbound, writerDone <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[WS] read error for %s: %v", player.UserID, err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[WS] discarding malformed message from %s: %v", player.UserID, err)
			continue
		}

		reply := s.handleMessage(ctx, player, env)
		reply.RequestID = env.RequestID
		select {
		case send <- reply:
		case <-writerDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, player services.PlayerIdentity, env Envelope) outbound {
	switch env.Type {
	case MsgAction:
		var req services.ActionRequest
		if err := decode(env.Payload, &req); err != nil {
			return errorReply(err)
		}
		return outbound{Type: MsgActionResult, Payload: s.orch.Dispatch(ctx, player.UserID, req)}

	case MsgSubmitScore:
		var rep services.ProgressReport
		if err := decode(env.Payload, &rep); err != nil {
			return errorReply(err)
		}
		return outbound{Type: MsgScoreResult, Payload: s.orch.SubmitScore(ctx, player.UserID, rep)}

	case MsgLevelUpdate:
		var rep services.ProgressReport
		if err := decode(env.Payload, &rep); err != nil {
			return errorReply(err)
		}
		return outbound{Type: MsgLevelResult, Payload: s.orch.UpdateLevel(ctx, player.UserID, rep)}

	case MsgNewRun:
		sess, err := s.orch.StartNewRun(ctx, player)
		if err != nil {
			return errorReply(err)
		}
		return outbound{Type: MsgSession, Payload: sessionPayload{Session: sess, Leaderboard: s.hubSnapshot()}}

	case MsgGetState:
		state, err := s.orch.GameState(player.UserID)
		if err != nil {
			return errorReply(err)
		}
		return outbound{Type: MsgState, Payload: state}

	case MsgPing:
		return outbound{Type: MsgPong, Payload: map[string]int64{"server_time": time.Now().UnixMilli()}}
	}
	return errorReply(services.UnknownMessage(env.Type))
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan outbound, sub *services.Subscription, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-send:
			if err := s.writeDirect(conn, msg); err != nil {
				conn.Close()
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.writeDirect(conn, outbound{Type: ev.Type, Payload: ev.Payload}); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeDirect(conn *websocket.Conn, msg outbound) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return services.InvalidPayload("payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return services.InvalidPayload(err.Error())
	}
	return nil
}

func failurePayload(err error) map[string]any {
	out := map[string]any{"success": false, "error": err.Error(), "code": services.CodeOf(err)}
	var e *services.Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		out["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return out
}

func errorReply(err error) outbound {
	return outbound{Type: MsgError, Payload: failurePayload(err)}
}
