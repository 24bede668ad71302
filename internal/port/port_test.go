package port

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestChoosePortReturnsFreePreferredPort(t *testing.T) {
	preferred := freePort(t)

	got := ChoosePort(context.Background(), preferred, zap.NewNop())
	assert.Equal(t, preferred, got)
}

func TestChoosePortFallsBackWhenPreferredIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	got := ChoosePort(context.Background(), taken, nil)

	assert.NotEqual(t, taken, got)
	assert.Greater(t, got, 0)
	assert.Less(t, got, 65536)
}

func TestChoosePortReleasesProbeListener(t *testing.T) {
	got := ChoosePort(context.Background(), freePort(t), zap.NewNop())

	ln, err := net.Listen("tcp", net.JoinHostPort(Host, strconv.Itoa(got)))
	require.NoError(t, err, "chosen port must be bindable after ChoosePort returns")
	_ = ln.Close()
}

func TestChoosePortInvalidPreferredUsesEphemeral(t *testing.T) {
	for _, preferred := range []int{0, -1, 70000} {
		got := ChoosePort(context.Background(), preferred, zap.NewNop())
		assert.Greater(t, got, 0, "preferred=%d", preferred)
	}
}

func TestProbeReportsAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = probe(context.Background(), ln.Addr().(*net.TCPAddr).Port)
	require.Error(t, err)

	var unavailable *PortUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.True(t, unavailable.InUse)
	assert.Contains(t, unavailable.Error(), "already in use")
}

func TestIsAddrInUseError(t *testing.T) {
	assert.False(t, isAddrInUseError(nil))
	assert.False(t, isAddrInUseError(errors.New("permission denied")))
	assert.True(t, isAddrInUseError(errors.New("listen tcp: address already in use")))
}
