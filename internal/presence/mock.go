package presence

import (
	"context"

	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Join(ctx context.Context, ticketId string, member types.Member) error {
	args := m.Called(ctx, ticketId, member)
	return args.Error(0)
}
func (m *MockStore) Leave(ctx context.Context, ticketId string, member types.Member) error {
	args := m.Called(ctx, ticketId, member)
	return args.Error(0)
}
func (m *MockStore) Clear(ctx context.Context, ticketId string) error {
	args := m.Called(ctx, ticketId)
	return args.Error(0)
}
