package tickets

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) Ticket(ctx context.Context, id string) (Ticket, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Ticket), args.Error(1)
}
