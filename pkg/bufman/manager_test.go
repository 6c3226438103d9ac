package bufman

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AcquireRelease(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.Register(Handle(0xabc), 42, 4096)

	b, err := m.AcquireBuffer(Handle(0xabc))
	require.NoError(t, err)
	assert.Equal(t, int32(1), b.Refs())
	assert.Equal(t, int64(42), b.DeviceID())

	m.Release(b)
	assert.Equal(t, int32(0), b.Refs())

	acquires, releases := m.Stats()
	assert.Equal(t, int64(1), acquires)
	assert.Equal(t, int64(1), releases)
}

func TestManager_AcquireUnknown(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	_, err = m.AcquireBuffer(Handle(0xdead))
	assert.ErrorIs(t, err, ErrUnknownBuffer)
}

func TestManager_UnregisterHeldBuffer(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.Register(Handle(7), 1, 0)
	b, err := m.AcquireBuffer(Handle(7))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Unregister(Handle(7)), ErrBufferInUse)

	m.Release(b)
	assert.NoError(t, m.Unregister(Handle(7)))
	assert.Equal(t, 0, m.Len())
}

func TestManager_ValidateMismatchPanics(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.Register(Handle(1), 10, 0)
	m.Register(Handle(2), 20, 0)

	b, err := m.AcquireBuffer(Handle(1))
	require.NoError(t, err)
	defer m.Release(b)

	assert.NotPanics(t, func() { m.Validate(b, Handle(1), 10) })
	assert.Panics(t, func() { m.Validate(b, Handle(2), 20) })
	assert.Panics(t, func() { m.Validate(nil, Handle(1), 10) })
}

func TestManager_SetBufferUsage(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.Register(Handle(3), 1, 0)
	require.NoError(t, m.SetBufferUsage(Handle(3), UsageDisplay))

	b, err := m.AcquireBuffer(Handle(3))
	require.NoError(t, err)
	defer m.Release(b)
	assert.Equal(t, UsageDisplay, b.Usage())
}

func TestManager_ConcurrentAcquire(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.Register(Handle(9), 1, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := m.AcquireBuffer(Handle(9))
			if err == nil {
				m.Release(b)
			}
		}()
	}
	wg.Wait()

	b, err := m.AcquireBuffer(Handle(9))
	require.NoError(t, err)
	assert.Equal(t, int32(1), b.Refs())
	m.Release(b)
}
