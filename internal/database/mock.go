package database

import (
	"context"

	"github.com/npezzotti/go-ticketchat/internal/tickets"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) Ticket(ctx context.Context, id string) (tickets.Ticket, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(tickets.Ticket), args.Error(1)
}
func (m *MockChatRepository) AppendMessage(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockChatRepository) AppendDemo(ctx context.Context, demo Demo) error {
	args := m.Called(ctx, demo)
	return args.Error(0)
}
func (m *MockChatRepository) LastSeq(ctx context.Context, ticketId string) (int64, error) {
	args := m.Called(ctx, ticketId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockChatRepository) Messages(ctx context.Context, q MessageQuery) ([]Message, error) {
	args := m.Called(ctx, q)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) Demos(ctx context.Context, ticketId string, limit int) ([]Demo, error) {
	args := m.Called(ctx, ticketId, limit)
	if demos, ok := args.Get(0).([]Demo); ok {
		return demos, args.Error(1)
	}
	return nil, args.Error(1)
}
