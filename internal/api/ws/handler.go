// Package ws is the live notification channel: subscribers receive
// account-level state deltas as the scheduler reconciles their accounts.
package ws

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/websocket"

	"seatguard/internal/engine/reconcile"
	"seatguard/internal/engine/upstream"
	"seatguard/internal/platform/auth"
	"seatguard/internal/platform/models"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameRefresh     = "refresh"

	frameSubscribed    = "subscribed"
	frameUnsubscribed  = "unsubscribed"
	frameAccountUpdate = "account_update"
	frameAccountError  = "account_error"
	frameError         = "error"
)

type inboundFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type outboundFrame struct {
	Type      string      `json:"type"`
	Message   string      `json:"message,omitempty"`
	AccountID string      `json:"account_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type accountUpdate struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	AdminEmail          string            `json:"admin_email"`
	Status              string            `json:"status"`
	DesiredMembers      []string          `json:"desired_members"`
	MaxMembers          int               `json:"max_members"`
	Members             []upstream.Member `json:"members"`
	MembersCount        int               `json:"members_count"`
	UnauthorizedDeleted int               `json:"unauthorized_deleted"`
	OverflowEvicted     int               `json:"overflow_evicted"`
}

type Handler struct {
	tokens *auth.TokenService
	sched  *reconcile.Scheduler
}

func NewHandler(tokens *auth.TokenService, sched *reconcile.Scheduler) *Handler {
	return &Handler{tokens: tokens, sched: sched}
}

func (h *Handler) Endpoint() http.Handler {
	wsHandler := websocket.Handler(h.serve)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
}

func (h *Handler) serve(conn *websocket.Conn) {
	defer conn.Close()

	session := newSession(conn)
	decoder := json.NewDecoder(conn)
	userID := ""

	defer func() {
		if userID != "" {
			h.sched.Unsubscribe(userID)
		}
	}()

	for {
		var frame inboundFrame
		if err := decoder.Decode(&frame); err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		claims, err := h.tokens.ValidateToken(frame.Token)
		if err != nil {
			session.send(outboundFrame{Type: frameError, Message: "invalid token"})
			continue
		}

		switch frame.Type {
		case frameSubscribe:
			userID = claims.UserID
			if err := h.sched.Subscribe(userID, session); err != nil {
				session.send(outboundFrame{Type: frameError, Message: "subscribe failed"})
				continue
			}
			session.send(outboundFrame{Type: frameSubscribed, Message: "auto-refresh started"})

		case frameUnsubscribe:
			h.sched.Unsubscribe(claims.UserID)
			userID = ""
			session.send(outboundFrame{Type: frameUnsubscribed, Message: "auto-refresh stopped"})

		case frameRefresh:
			// Sequential by design; detached so the channel keeps
			// accepting frames while accounts are paced through.
			go h.sched.RefreshAll(conn.Request().Context(), claims.UserID)

		default:
			session.send(outboundFrame{Type: frameError, Message: "unknown message type"})
		}
	}
}

// session wraps one connection as a scheduler sink. The encoder mutex keeps
// concurrent account updates from interleaving frames.
type session struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newSession(conn *websocket.Conn) *session {
	return &session{enc: json.NewEncoder(conn)}
}

func (s *session) send(frame outboundFrame) error {
	frame.Timestamp = time.Now().UTC().Format(time.RFC3339)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(frame)
}

func (s *session) SendUpdate(account *models.Account, outcome *reconcile.Outcome) error {
	return s.send(outboundFrame{
		Type:      frameAccountUpdate,
		AccountID: account.ID,
		Data: accountUpdate{
			ID:                  account.ID,
			Name:                account.Name,
			AdminEmail:          account.AdminEmail,
			Status:              outcome.Status,
			DesiredMembers:      account.DesiredMembers,
			MaxMembers:          account.MaxMembers,
			Members:             outcome.Members,
			MembersCount:        outcome.MembersCount,
			UnauthorizedDeleted: outcome.UnauthorizedDeleted,
			OverflowEvicted:     outcome.OverflowEvicted,
		},
	})
}

func (s *session) SendError(accountID, message string) error {
	return s.send(outboundFrame{
		Type:      frameAccountError,
		AccountID: accountID,
		Message:   message,
	})
}
