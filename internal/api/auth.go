package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/npezzotti/go-ticketchat/internal/tickets"
)

const bearerPrefix = "Bearer "

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

// authorizeTicket loads ticketId and checks that identity is its participant
// in one of roles.
func (s *ChatApp) authorizeTicket(ctx context.Context, ticketId string, identity auth.Identity, roles ...auth.Role) (tickets.Ticket, *ApiError) {
	ticket, err := s.db.Ticket(ctx, ticketId)
	if err != nil {
		if errors.Is(err, tickets.ErrTicketNotFound) {
			return tickets.Ticket{}, NewNotFoundError()
		}
		return tickets.Ticket{}, NewInternalServerError(err)
	}

	for _, role := range roles {
		if identity.HasRole(role) && ticket.IsParticipant(identity.UserId, role) {
			return ticket, nil
		}
	}

	return tickets.Ticket{}, NewForbiddenError()
}
