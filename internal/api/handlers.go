package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/npezzotti/go-ticketchat/internal/database"
	"github.com/npezzotti/go-ticketchat/internal/logging"
	"github.com/npezzotti/go-ticketchat/internal/server"
	"github.com/npezzotti/go-ticketchat/internal/types"
)

const healthTimeout = 2 * time.Second

type RequestDemoResponse struct {
	TicketId  string `json:"ticketId"`
	Delivered bool   `json:"delivered"`
}

type PresenceResponse struct {
	TicketId string         `json:"ticketId"`
	Members  []types.Member `json:"members"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, r *http.Request, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		log := logging.Ctx(r.Context(), s.log)
		log.Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func parseInt64(r *http.Request, key string) (int64, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseMessageQuery(r *http.Request, ticketId string) (database.MessageQuery, bool) {
	after, ok := parseInt64(r, "after")
	if !ok {
		return database.MessageQuery{}, false
	}
	before, ok := parseInt64(r, "before")
	if !ok {
		return database.MessageQuery{}, false
	}
	limit, ok := parseInt64(r, "limit")
	if !ok {
		return database.MessageQuery{}, false
	}

	return database.MessageQuery{
		TicketId: ticketId,
		After:    after,
		Before:   before,
		Limit:    int(min(limit, database.MaxPageSize)),
	}, true
}

// history serves a ticket's stored conversation to its participant in role.
func (s *ChatApp) history(role auth.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFrom(r.Context())
		if !ok {
			s.writeError(w, r, NewUnauthorizedError())
			return
		}

		ticket, errResp := s.authorizeTicket(r.Context(), r.PathValue("ticketId"), identity, role)
		if errResp != nil {
			s.writeError(w, r, errResp)
			return
		}

		q, ok := parseMessageQuery(r, ticket.Id)
		if !ok {
			s.writeError(w, r, NewBadRequestError())
			return
		}

		messages, err := s.db.Messages(r.Context(), q)
		if err != nil {
			s.writeError(w, r, NewInternalServerError(err))
			return
		}

		demos, err := s.db.Demos(r.Context(), ticket.Id, database.DefaultPageSize)
		if err != nil {
			s.writeError(w, r, NewInternalServerError(err))
			return
		}

		h := types.History{
			TicketId: ticket.Id,
			Messages: make([]types.Message, 0, len(messages)),
			Demos:    make([]types.Demo, 0, len(demos)),
		}
		for _, m := range messages {
			h.Messages = append(h.Messages, types.Message{
				TicketId:   m.TicketId,
				Seq:        m.SeqId,
				SenderId:   m.SenderId,
				SenderName: m.SenderName,
				Role:       m.SenderRole,
				Body:       m.Body,
				Timestamp:  m.CreatedAt,
			})
		}
		for _, d := range demos {
			h.Demos = append(h.Demos, types.Demo{
				Id:         d.Id,
				TicketId:   d.TicketId,
				ExpertId:   d.ExpertId,
				ExpertName: d.ExpertName,
				AssetRef:   d.AssetRef,
				Timestamp:  d.CreatedAt,
			})
		}

		s.writeJson(w, http.StatusOK, h)
	}
}

func (s *ChatApp) presence(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	ticket, errResp := s.authorizeTicket(r.Context(), r.PathValue("ticketId"), identity, auth.RoleRequester, auth.RoleExpert)
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	members, err := s.cs.Members(r.Context(), ticket.Id)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, PresenceResponse{TicketId: ticket.Id, Members: members})
}

func (s *ChatApp) requestDemo(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	ticket, errResp := s.authorizeTicket(r.Context(), r.PathValue("ticketId"), identity, auth.RoleRequester)
	if errResp != nil {
		s.writeError(w, r, errResp)
		return
	}

	delivered, err := s.cs.NotifyDemoRequested(r.Context(), ticket.Id, identity.Name)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	log := logging.Ctx(r.Context(), s.log)

	log.Info().
		Str(logging.FieldTicketID, ticket.Id).
		Str(logging.FieldUserID, identity.UserId).
		Bool("delivered", delivered).
		Msg("demo requested")

	s.writeJson(w, http.StatusAccepted, RequestDemoResponse{TicketId: ticket.Id, Delivered: delivered})
}

func (s *ChatApp) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.writeError(w, r, NewServiceUnavailableError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveWs upgrades the connection and hands it to a new session.
// Authentication happens in the join-chat event.
func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), s.log)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	session := server.NewSession(conn, s.cs, s.log)
	if err := s.cs.RegisterSession(session); err != nil {
		log.Warn().Err(err).Msg("refusing connection")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	log.Debug().Str(logging.FieldSessionID, session.ID()).Msg("websocket connected")
	go session.Write()
	go session.Read()
}
