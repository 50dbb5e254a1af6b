package database

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/npezzotti/go-ticketchat/internal/tickets"
)

func (s *Store) Ticket(ctx context.Context, id string) (tickets.Ticket, error) {
	row := s.conn.QueryRowContext(ctx,
		s.rebind("SELECT id, requester_id, expert_id FROM tickets WHERE id = ?"),
		id,
	)

	var t tickets.Ticket
	if err := row.Scan(&t.Id, &t.RequesterId, &t.ExpertId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tickets.Ticket{}, tickets.ErrTicketNotFound
		}
		return tickets.Ticket{}, err
	}

	return t, nil
}

// PutTicket records the participants of a ticket, replacing any previous
// assignment.
func (s *Store) PutTicket(ctx context.Context, t Ticket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.conn.ExecContext(ctx,
		s.rebind("INSERT INTO tickets (id, requester_id, expert_id, created_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT (id) DO UPDATE SET requester_id = excluded.requester_id, expert_id = excluded.expert_id"),
		t.Id,
		t.RequesterId,
		t.ExpertId,
		toMillis(t.CreatedAt),
	)
	return err
}

func (s *Store) AppendMessage(ctx context.Context, msg Message) error {
	_, err := s.conn.ExecContext(ctx,
		s.rebind("INSERT INTO messages (ticket_id, seq_id, sender_id, sender_name, sender_role, body, created_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?)"),
		msg.TicketId,
		msg.SeqId,
		msg.SenderId,
		msg.SenderName,
		msg.SenderRole,
		msg.Body,
		toMillis(msg.CreatedAt),
	)
	return err
}

func (s *Store) AppendDemo(ctx context.Context, demo Demo) error {
	_, err := s.conn.ExecContext(ctx,
		s.rebind("INSERT INTO demos (id, ticket_id, expert_id, expert_name, asset_ref, created_at) "+
			"VALUES (?, ?, ?, ?, ?, ?)"),
		demo.Id,
		demo.TicketId,
		demo.ExpertId,
		demo.ExpertName,
		demo.AssetRef,
		toMillis(demo.CreatedAt),
	)
	return err
}

// LastSeq returns the highest persisted sequence number for the ticket, or
// zero when it has no messages.
func (s *Store) LastSeq(ctx context.Context, ticketId string) (int64, error) {
	var seq int64
	err := s.conn.QueryRowContext(ctx,
		s.rebind("SELECT COALESCE(MAX(seq_id), 0) FROM messages WHERE ticket_id = ?"),
		ticketId,
	).Scan(&seq)
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return min(limit, MaxPageSize)
}

// Messages returns a page of messages in ascending seq order. With After set
// the page starts just after it; otherwise it holds the newest messages below
// Before.
func (s *Store) Messages(ctx context.Context, q MessageQuery) ([]Message, error) {
	query := "SELECT ticket_id, seq_id, sender_id, sender_name, sender_role, body, created_at " +
		"FROM messages WHERE ticket_id = ?"
	args := []any{q.TicketId}

	if q.After > 0 {
		query += " AND seq_id > ?"
		args = append(args, q.After)
	}
	if q.Before > 0 {
		query += " AND seq_id < ?"
		args = append(args, q.Before)
	}

	descending := q.After == 0
	if descending {
		query += " ORDER BY seq_id DESC"
	} else {
		query += " ORDER BY seq_id ASC"
	}
	query += " LIMIT ?"
	args = append(args, clampLimit(q.Limit))

	rows, err := s.conn.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.TicketId, &m.SeqId, &m.SenderId, &m.SenderName, &m.SenderRole, &m.Body, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if descending {
		slices.Reverse(messages)
	}
	return messages, nil
}

// Demos returns the newest demos of a ticket, oldest first.
func (s *Store) Demos(ctx context.Context, ticketId string, limit int) ([]Demo, error) {
	rows, err := s.conn.QueryContext(ctx,
		s.rebind("SELECT id, ticket_id, expert_id, expert_name, asset_ref, created_at FROM demos "+
			"WHERE ticket_id = ? ORDER BY created_at DESC, id DESC LIMIT ?"),
		ticketId,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var demos []Demo
	for rows.Next() {
		var (
			d       Demo
			created int64
		)
		if err := rows.Scan(&d.Id, &d.TicketId, &d.ExpertId, &d.ExpertName, &d.AssetRef, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = fromMillis(created)
		demos = append(demos, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(demos)
	return demos, nil
}
