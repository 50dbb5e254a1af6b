package tickets

import (
	"context"
	"errors"

	"github.com/npezzotti/go-ticketchat/internal/auth"
)

var ErrTicketNotFound = errors.New("ticket not found")

// Ticket is the chat service's read-only view of a support ticket.
// ExpertId is empty until an expert is assigned.
type Ticket struct {
	Id          string
	RequesterId string
	ExpertId    string
}

// ParticipantFor returns the user id allowed to join the ticket in role r.
func (t Ticket) ParticipantFor(r auth.Role) string {
	switch r {
	case auth.RoleRequester:
		return t.RequesterId
	case auth.RoleExpert:
		return t.ExpertId
	default:
		return ""
	}
}

// IsParticipant reports whether userId is the ticket's participant for role r.
func (t Ticket) IsParticipant(userId string, r auth.Role) bool {
	p := t.ParticipantFor(r)
	return p != "" && p == userId
}

type Directory interface {
	Ticket(ctx context.Context, id string) (Ticket, error)
}
