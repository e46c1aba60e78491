package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfci/perfci/internal/common/config"
)

var defaultRange = config.PortRange{Min: 8000, Max: 8999}

func TestReserve_InRange(t *testing.T) {
	a := newTestAllocator(0, defaultRange)
	for i := 0; i < 200; i++ {
		port, err := a.Reserve()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 8000)
		assert.Less(t, port, 8999)
	}
}

func TestReserve_FixedPortVerbatim(t *testing.T) {
	a := newTestAllocator(8080, defaultRange)
	for i := 0; i < 3; i++ {
		port, err := a.Reserve()
		require.NoError(t, err)
		assert.Equal(t, 8080, port)
	}
	a.Release(8080)
	assert.Equal(t, 0, a.Reserved())
}

func TestReserve_NoDuplicates(t *testing.T) {
	a := newTestAllocator(0, config.PortRange{Min: 9000, Max: 9010})
	seen := map[int]bool{}
	for i := 0; i < 10; i++ {
		port, err := a.Reserve()
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
	_, err := a.Reserve()
	assert.Error(t, err)
}

func TestRelease_MakesPortAvailable(t *testing.T) {
	a := newTestAllocator(0, config.PortRange{Min: 9000, Max: 9001})
	port, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	_, err = a.Reserve()
	assert.Error(t, err)

	a.Release(port)
	again, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestReserve_SkipsUnavailable(t *testing.T) {
	a := newTestAllocator(0, config.PortRange{Min: 9000, Max: 9003})
	a.available = func(port int) bool { return port == 9002 }

	port, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(t, 9002, port)

	_, err = a.Reserve()
	assert.Error(t, err)
}

func newTestAllocator(fixed int, portRange config.PortRange) *Allocator {
	a := NewAllocator(fixed, portRange)
	a.available = func(int) bool { return true }
	return a
}
