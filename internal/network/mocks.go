package network

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockSystemController is a mock implementation of SystemController.
type MockSystemController struct {
	mock.Mock
}

func (m *MockSystemController) ReadSysctl(_ context.Context, key string) (string, error) {
	args := m.Called(key)
	return args.String(0), args.Error(1)
}

func (m *MockSystemController) WriteSysctl(_ context.Context, key, value string) error {
	args := m.Called(key, value)
	return args.Error(0)
}
