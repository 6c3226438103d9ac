package bufman

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/xxh3"
)

// Handle is an opaque identifier of a pixel buffer. Zero means no buffer.
type Handle uint64

// Usage tags what a buffer is currently pinned for.
type Usage uint8

const (
	UsageNone Usage = iota
	UsageDisplay
	UsageComposition
)

var (
	ErrUnknownBuffer = errors.New("unknown buffer handle")
	ErrBufferInUse   = errors.New("buffer still referenced")
)

// Buffer is one registered pixel buffer. References are counted; a buffer
// must not be unregistered while anything still holds it.
type Buffer struct {
	handle      Handle
	deviceID    int64
	size        int64
	fingerprint uint64
	usage       atomic.Uint32
	refs        atomic.Int32
}

func (b *Buffer) Handle() Handle      { return b.handle }
func (b *Buffer) DeviceID() int64     { return b.deviceID }
func (b *Buffer) Size() int64         { return b.size }
func (b *Buffer) Fingerprint() uint64 { return b.fingerprint }
func (b *Buffer) Refs() int32         { return b.refs.Load() }
func (b *Buffer) Usage() Usage        { return Usage(b.usage.Load()) }

// Manager owns the registry of live buffers. A ristretto cache fronts the
// registry so the acquire hot path mostly avoids the read lock.
type Manager struct {
	mu      sync.RWMutex
	buffers map[Handle]*Buffer
	lookup  *ristretto.Cache

	acquires atomic.Int64
	releases atomic.Int64
}

func New() (*Manager, error) {
	lookup, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 14,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init buffer lookup cache: %w", err)
	}
	return &Manager{
		buffers: make(map[Handle]*Buffer, 64),
		lookup:  lookup,
	}, nil
}

// Register makes a buffer known to the manager. Registering an already known
// handle returns the existing buffer.
func (m *Manager) Register(handle Handle, deviceID int64, size int64) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buffers[handle]; ok {
		return b
	}
	b := &Buffer{
		handle:      handle,
		deviceID:    deviceID,
		size:        size,
		fingerprint: fingerprint(handle, deviceID),
	}
	m.buffers[handle] = b
	m.lookup.Set(uint64(handle), b, 1)
	return b
}

// Unregister forgets a buffer. Fails while references are outstanding.
func (m *Manager) Unregister(handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[handle]
	if !ok {
		return ErrUnknownBuffer
	}
	if b.refs.Load() > 0 {
		return ErrBufferInUse
	}
	delete(m.buffers, handle)
	m.lookup.Del(uint64(handle))
	return nil
}

// AcquireBuffer takes one reference on the buffer behind handle. The caller
// must pair it with Release.
func (m *Manager) AcquireBuffer(handle Handle) (*Buffer, error) {
	b, ok := m.find(handle)
	if !ok {
		return nil, fmt.Errorf("acquire buffer %#x: %w", uint64(handle), ErrUnknownBuffer)
	}
	b.refs.Add(1)
	m.acquires.Add(1)
	return b, nil
}

// Release drops one reference taken by AcquireBuffer.
func (m *Manager) Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.refs.Add(-1) < 0 {
		log.Panic().Msgf("[bufman] buffer %#x released more times than acquired", uint64(b.handle))
	}
	m.releases.Add(1)
}

// SetBufferUsage tags the buffer's current consumer.
func (m *Manager) SetBufferUsage(handle Handle, usage Usage) error {
	b, ok := m.find(handle)
	if !ok {
		return fmt.Errorf("set usage on buffer %#x: %w", uint64(handle), ErrUnknownBuffer)
	}
	b.usage.Store(uint32(usage))
	return nil
}

// Validate cross-checks an acquired buffer against the handle and device id
// it is supposed to carry. A mismatch means snapshot state has been corrupted
// somewhere between producer and consumer, which is unrecoverable.
func (m *Manager) Validate(acquired *Buffer, handle Handle, deviceID int64) {
	if acquired == nil {
		log.Panic().Msgf("[bufman] validate: no acquisition for buffer %#x", uint64(handle))
	}
	if acquired.handle != handle || acquired.deviceID != deviceID {
		log.Panic().Msgf("[bufman] validate: acquisition %#x/fb%d does not match layer %#x/fb%d",
			uint64(acquired.handle), acquired.deviceID, uint64(handle), deviceID)
	}
	if want := fingerprint(handle, deviceID); acquired.fingerprint != want {
		log.Panic().Msgf("[bufman] validate: buffer %#x fingerprint mismatch (have %#x, want %#x)",
			uint64(handle), acquired.fingerprint, want)
	}
}

// Stats reports cumulative acquire/release totals.
func (m *Manager) Stats() (acquires, releases int64) {
	return m.acquires.Load(), m.releases.Load()
}

// Len returns the number of registered buffers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buffers)
}

func (m *Manager) find(handle Handle) (*Buffer, bool) {
	if v, ok := m.lookup.Get(uint64(handle)); ok {
		if b, ok := v.(*Buffer); ok {
			return b, true
		}
	}
	m.mu.RLock()
	b, ok := m.buffers[handle]
	m.mu.RUnlock()
	if ok {
		m.lookup.Set(uint64(handle), b, 1)
	}
	return b, ok
}

func fingerprint(handle Handle, deviceID int64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(handle))
	binary.LittleEndian.PutUint64(buf[8:], uint64(deviceID))
	return xxh3.Hash(buf[:])
}
