package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/types"
)

func testRanges() config.PortRanges {
	return config.PortRanges{
		ConsoleLow: 10000, ConsoleHigh: 10004,
		ScreenShareLow: 10010, ScreenShareHigh: 10014,
		BridgeDeviceLow: 10020, BridgeDeviceHigh: 10024,
		BridgeServerLow: 10030, BridgeServerHigh: 10034,
		ScreenProxyLow: 10040, ScreenProxyHigh: 10044,
	}
}

func allFree(int) bool { return true }

func TestAllocateScansInOrder(t *testing.T) {
	alloc := NewAllocatorWithProbe(testRanges(), allFree)

	first, err := alloc.Allocate(types.PortTagConsole, "s1")
	require.NoError(t, err)
	second, err := alloc.Allocate(types.PortTagConsole, "s2")
	require.NoError(t, err)

	assert.Equal(t, 10000, first)
	assert.Equal(t, 10001, second)
}

func TestAllocateSkipsBusyPorts(t *testing.T) {
	busy := map[int]bool{10000: true, 10001: true}
	alloc := NewAllocatorWithProbe(testRanges(), func(port int) bool {
		return !busy[port]
	})

	port, err := alloc.Allocate(types.PortTagConsole, "s1")
	require.NoError(t, err)
	assert.Equal(t, 10002, port)
}

func TestAllocateExhaustion(t *testing.T) {
	alloc := NewAllocatorWithProbe(testRanges(), allFree)

	// console range holds exactly 5 ports
	for i := 0; i < 5; i++ {
		_, err := alloc.Allocate(types.PortTagConsole, "owner")
		require.NoError(t, err)
	}
	_, err := alloc.Allocate(types.PortTagConsole, "owner")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAllocationExhausted)

	// a different range is unaffected
	_, err = alloc.Allocate(types.PortTagScreenShare, "owner")
	assert.NoError(t, err)
}

func TestReleaseMakesPortReallocatable(t *testing.T) {
	alloc := NewAllocatorWithProbe(testRanges(), allFree)

	port, err := alloc.Allocate(types.PortTagConsole, "s1")
	require.NoError(t, err)

	alloc.Release(port)

	again, err := alloc.Allocate(types.PortTagConsole, "s2")
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	alloc := NewAllocatorWithProbe(config.PortRanges{
		ConsoleLow: 20000, ConsoleHigh: 20099,
		ScreenShareLow: 20100, ScreenShareHigh: 20199,
		BridgeDeviceLow: 20200, BridgeDeviceHigh: 20299,
		BridgeServerLow: 20300, BridgeServerHigh: 20399,
		ScreenProxyLow: 20400, ScreenProxyHigh: 20499,
	}, allFree)

	const workers = 50
	results := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := alloc.Allocate(types.PortTagConsole, "owner")
			assert.NoError(t, err)
			results <- port
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for port := range results {
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
	assert.Len(t, seen, workers)
}

func TestReserveStaticPort(t *testing.T) {
	alloc := NewAllocatorWithProbe(testRanges(), allFree)

	require.NoError(t, alloc.Reserve(types.PortTagConsole, 10000, "existing-android11_main"))

	// the dynamic scanner must step over the reservation
	port, err := alloc.Allocate(types.PortTagConsole, "s1")
	require.NoError(t, err)
	assert.Equal(t, 10001, port)

	// same owner is idempotent, different owner conflicts
	assert.NoError(t, alloc.Reserve(types.PortTagConsole, 10000, "existing-android11_main"))
	assert.Error(t, alloc.Reserve(types.PortTagConsole, 10000, "someone-else"))
}

func TestReserveOutsideScanWindow(t *testing.T) {
	alloc := NewAllocatorWithProbe(testRanges(), allFree)

	// compose-managed containers use static ports outside the dynamic ranges
	require.NoError(t, alloc.Reserve(types.PortTagConsole, 5554, "existing-android11_main"))

	lease, ok := alloc.Lookup(5554)
	require.True(t, ok)
	assert.Equal(t, "existing-android11_main", lease.Owner)

	alloc.Release(5554)
	_, ok = alloc.Lookup(5554)
	assert.False(t, ok)
}

func TestReleaseOwned(t *testing.T) {
	alloc := NewAllocatorWithProbe(testRanges(), allFree)

	for _, tag := range types.AllPortTags {
		_, err := alloc.Allocate(tag, "s1")
		require.NoError(t, err)
	}
	_, err := alloc.Allocate(types.PortTagConsole, "s2")
	require.NoError(t, err)

	alloc.ReleaseOwned("s1")

	remaining := alloc.Leases()
	require.Len(t, remaining, 1)
	assert.Equal(t, "s2", remaining[0].Owner)
}

func TestMarkBound(t *testing.T) {
	alloc := NewAllocatorWithProbe(testRanges(), allFree)

	port, err := alloc.Allocate(types.PortTagConsole, "s1")
	require.NoError(t, err)

	lease, ok := alloc.Lookup(port)
	require.True(t, ok)
	assert.Equal(t, types.LeaseStateReserved, lease.State)

	alloc.MarkBound("s1")

	lease, ok = alloc.Lookup(port)
	require.True(t, ok)
	assert.Equal(t, types.LeaseStateBound, lease.State)
}
