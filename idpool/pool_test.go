package idpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool_ReleaseIsFIFO(t *testing.T) {
	p := New(3)

	a, ok := p.TryAcquire()
	require.True(t, ok, "expected to acquire an id")
	b, ok := p.TryAcquire()
	require.True(t, ok, "expected to acquire an id")
	c, ok := p.TryAcquire()
	require.True(t, ok, "expected to acquire an id")

	// Release in an order distinct from acquisition order; the pool must
	// hand ids back out in release order, not LIFO.
	p.Release(b)
	p.Release(c)
	p.Release(a)

	got1, _ := p.TryAcquire()
	got2, _ := p.TryAcquire()
	got3, _ := p.TryAcquire()

	require.Equal(t, []uint16{b, c, a}, []uint16{got1, got2, got3})
}

func TestPool_ExhaustsAtMax(t *testing.T) {
	p := New(2)

	_, ok := p.TryAcquire()
	require.True(t, ok, "expected first acquire to succeed")
	_, ok = p.TryAcquire()
	require.True(t, ok, "expected second acquire to succeed")
	_, ok = p.TryAcquire()
	require.False(t, ok, "expected pool to be exhausted at max")
}

func TestPool_TakeRemovesFromCirculation(t *testing.T) {
	p := New(5)

	require.True(t, p.Take(3), "expected to take id 3")
	require.False(t, p.Take(3), "id 3 should already be taken")

	for i := 0; i < 4; i++ {
		id, ok := p.TryAcquire()
		require.Truef(t, ok, "acquire %d failed", i)
		require.NotEqual(t, uint16(3), id, "TryAcquire returned id 3, which was reserved via Take")
	}
	_, ok := p.TryAcquire()
	require.False(t, ok, "expected pool to be exhausted (4 free + 1 taken = max)")
}

func TestPool_ResizeShrinkDrainsOnRelease(t *testing.T) {
	p := New(4)

	ids := make([]uint16, 0, 4)
	for i := 0; i < 4; i++ {
		id, ok := p.TryAcquire()
		require.Truef(t, ok, "acquire %d failed", i)
		ids = append(ids, id)
	}

	p.Resize(2)

	// Releasing all 4 should only bring 2 back into circulation; the other
	// 2 are drained by the pending shrink instead of recirculating.
	for _, id := range ids {
		p.Release(id)
	}

	available := 0
	for {
		if _, ok := p.TryAcquire(); !ok {
			break
		}
		available++
	}
	require.Equal(t, 2, available, "available after shrink")
}

func TestPool_ResizeGrowIsImmediate(t *testing.T) {
	p := New(2)

	_, ok := p.TryAcquire()
	require.True(t, ok, "expected first acquire to succeed")
	_, ok = p.TryAcquire()
	require.True(t, ok, "expected second acquire to succeed")
	_, ok = p.TryAcquire()
	require.False(t, ok, "expected pool exhausted before resize")

	p.Resize(4)

	_, ok = p.TryAcquire()
	require.True(t, ok, "expected growth to free a new id immediately")
}

func TestPool_CloseRejectsFurtherAcquire(t *testing.T) {
	p := New(2)
	p.Close()

	_, ok := p.TryAcquire()
	require.False(t, ok, "expected TryAcquire to fail once pool is closed")
	require.False(t, p.Take(1), "expected Take to fail once pool is closed")
}
