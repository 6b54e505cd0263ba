package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootLoaderMemoryMap(t *testing.T) {
	b := NewBootLoader(128 * 1024)
	regions := b.Initialize()
	require.Len(t, regions, 3)

	assert.Equal(t, "reserved", regions[0].RegionType)
	assert.Equal(t, "conventional", regions[1].RegionType)
	assert.Equal(t, "model", regions[2].RegionType)

	model, ok := b.ModelRegion()
	require.True(t, ok)
	assert.Equal(t, uint64(4)<<30, model.BaseAddress)
	assert.Equal(t, uint64(128*1024-4096)<<20, model.SizeBytes)

	assert.False(t, b.BootServicesExited())
	b.ExitBootServices()
	assert.True(t, b.BootServicesExited())
}

func TestBootLoaderSmallMemoryHasNoModelRegion(t *testing.T) {
	b := NewBootLoader(2048)
	b.Initialize()
	_, ok := b.ModelRegion()
	assert.False(t, ok)
}

func TestAllocatorAlignment(t *testing.T) {
	a := NewMemoryAllocator(0x100, 1<<20)

	addr, ok := a.Allocate(10, 0)
	require.True(t, ok)
	assert.Zero(t, addr%64, "address not cache-line aligned")

	addr2, ok := a.Allocate(1, 256)
	require.True(t, ok)
	assert.Zero(t, addr2%256)
	assert.Greater(t, addr2, addr)
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewMemoryAllocator(0, 1024)

	_, ok := a.Allocate(512, 0)
	require.True(t, ok)
	_, ok = a.Allocate(4096, 0)
	assert.False(t, ok, "allocation past heap end must fail")

	s := a.Stats()
	assert.Equal(t, 1, s.AllocationCount)
	assert.InDelta(t, 50.0, s.Utilization, 0.01)
}

func TestCPUManagerBringUp(t *testing.T) {
	c := NewCPUManager()
	n := c.Initialize(8)
	assert.Equal(t, 8, n)
	assert.Equal(t, 8, c.OnlineCount())

	s := c.Stats()
	assert.Equal(t, 8, s.TotalCores)
	assert.Equal(t, 8, s.OnlineCores)
}

func TestParallelForKeepsOrder(t *testing.T) {
	c := NewCPUManager()
	c.Initialize(4)

	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	out, err := c.ParallelFor(context.Background(), items, func(ctx context.Context, item int) (int, error) {
		return item * 2, nil
	})
	require.NoError(t, err)
	require.Len(t, out, 100)
	for i, v := range out {
		if v != i*2 {
			t.Fatalf("out[%d] = %d, want %d", i, v, i*2)
		}
	}
}

func TestParallelForPropagatesError(t *testing.T) {
	c := NewCPUManager()
	c.Initialize(4)

	boom := errors.New("bad item")
	_, err := c.ParallelFor(context.Background(), []int{1, 2, 3, 4}, func(ctx context.Context, item int) (int, error) {
		if item == 3 {
			return 0, boom
		}
		return item, nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestParallelForMoreCoresThanItems(t *testing.T) {
	c := NewCPUManager()
	c.Initialize(16)

	out, err := c.ParallelFor(context.Background(), []int{7, 9}, func(ctx context.Context, item int) (int, error) {
		return item + 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 10}, out)
}

func TestStorageDriverAccounting(t *testing.T) {
	s := NewStorageDriver()

	// Access before init is an invalid-state error.
	err := s.Read(0, 1024)
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrInvalidState))

	s.Initialize()
	require.NoError(t, s.Read(0, 1024))
	require.NoError(t, s.Write(0, 513))

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.SectorsRead)
	assert.Equal(t, uint64(2), stats.SectorsWritten) // 513 rounds up
}
