package platform

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRunner is a testify mock for Runner. Expectations are registered on
// the command name followed by its arguments; RunInput prepends the input.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockRunner) RunInput(_ context.Context, input string, name string, args ...string) ([]byte, error) {
	callArgs := make([]interface{}, 0, len(args)+2)
	callArgs = append(callArgs, input, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}
