// Package presence mirrors live room membership to an external store so other
// services can read who is connected to a ticket chat.
package presence

import (
	"context"

	"github.com/npezzotti/go-ticketchat/internal/types"
)

type Store interface {
	Join(ctx context.Context, ticketId string, m types.Member) error
	Leave(ctx context.Context, ticketId string, m types.Member) error
	Clear(ctx context.Context, ticketId string) error
}

// Noop is used when no presence backend is configured.
type Noop struct{}

func (Noop) Join(context.Context, string, types.Member) error  { return nil }
func (Noop) Leave(context.Context, string, types.Member) error { return nil }
func (Noop) Clear(context.Context, string) error               { return nil }
