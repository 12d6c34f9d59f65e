package network

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunshare/internal/platform"
)

func TestIPForwarding_EnableRestore(t *testing.T) {
	sys := new(MockSystemController)
	f := NewIPForwarding(sys, nil)
	ctx := context.Background()

	sys.On("ReadSysctl", ForwardingKey).Return("0", nil).Once()
	sys.On("WriteSysctl", ForwardingKey, "1").Return(nil).Once()
	require.NoError(t, f.Enable(ctx))
	assert.True(t, f.IsModified())

	// Idempotent.
	require.NoError(t, f.Enable(ctx))

	sys.On("WriteSysctl", ForwardingKey, "0").Return(nil).Once()
	require.NoError(t, f.Restore(ctx))
	assert.False(t, f.IsModified())
	require.NoError(t, f.RestoreSync())

	sys.AssertExpectations(t)
}

func TestIPForwarding_AlreadyEnabled(t *testing.T) {
	sys := new(MockSystemController)
	f := NewIPForwarding(sys, nil)

	sys.On("ReadSysctl", ForwardingKey).Return("1", nil).Once()
	require.NoError(t, f.Enable(context.Background()))
	assert.False(t, f.IsModified(), "nothing was changed so nothing needs restoring")
	require.NoError(t, f.Restore(context.Background()))
	sys.AssertExpectations(t)
}

func TestIPForwarding_PermissionDenied(t *testing.T) {
	sys := new(MockSystemController)
	f := NewIPForwarding(sys, nil)

	denied := &platform.CommandError{Command: "sysctl -w net.inet.ip.forwarding=1", Err: platform.ErrPermissionDenied}
	sys.On("ReadSysctl", ForwardingKey).Return("0", nil).Once()
	sys.On("WriteSysctl", ForwardingKey, "1").Return(denied).Once()

	err := f.Enable(context.Background())
	assert.ErrorIs(t, err, platform.ErrPermissionDenied)
	assert.False(t, f.IsModified())
}

func TestIPForwarding_State(t *testing.T) {
	sys := new(MockSystemController)
	f := NewIPForwarding(sys, nil)

	sys.On("ReadSysctl", ForwardingKey).Return("yes", nil).Once()
	_, err := f.State(context.Background())
	var parseErr *platform.ParseError
	assert.ErrorAs(t, err, &parseErr)

	sys.On("ReadSysctl", ForwardingKey).Return("", errors.New("no such key")).Once()
	_, err = f.State(context.Background())
	assert.Error(t, err)
}

func TestCommandSysctl(t *testing.T) {
	runner := new(platform.MockRunner)
	s := &CommandSysctl{Runner: runner}

	runner.On("Run", "sysctl", "-w", "net.example.flag=1").Return([]byte("net.example.flag: 0 -> 1\n"), nil).Once()
	require.NoError(t, s.WriteSysctl(context.Background(), "net.example.flag", "1"))

	runner.On("Run", "sysctl", "-n", "net.example.flag").Return([]byte("1\n"), nil).Once()
	v, err := s.ReadSysctl(context.Background(), "net.example.flag")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	runner.AssertExpectations(t)
}
