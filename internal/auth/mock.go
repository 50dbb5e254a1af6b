package auth

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) Validate(ctx context.Context, token string) (Identity, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(Identity), args.Error(1)
}
