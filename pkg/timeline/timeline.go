package timeline

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Timeline orders buffer release against scanout. Each presented frame
// occupies one slot; advancing the timeline past a slot signals every native
// release fence allocated for it.
//
// Slot indices are unsigned and wrap, compared by signed subtraction so the
// ordering survives the wrap.
type Timeline struct {
	mu      sync.Mutex
	current uint32
	slots   map[uint32][]*FenceReference
}

func New() *Timeline {
	return &Timeline{slots: make(map[uint32][]*FenceReference, 8)}
}

// AllocReleaseFence returns a native release fence for the given slot. The
// reference returned is owned by the caller.
func (t *Timeline) AllocReleaseFence(slot uint32) *FenceReference {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref := NewFence(KindNative)
	if int32(slot-t.current) <= 0 {
		// Slot already retired, resolve immediately.
		ref.Signal()
		return ref
	}
	t.slots[slot] = append(t.slots[slot], ref)
	return ref
}

// Advance retires every slot up to and including index, signalling the native
// release fences parked on them. Going backwards is a no-op.
func (t *Timeline) Advance(index uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int32(index-t.current) < 0 {
		log.Warn().Msgf("[timeline] advance to %d behind current %d, ignored", index, t.current)
		return
	}
	for slot, refs := range t.slots {
		if int32(slot-index) <= 0 {
			for _, ref := range refs {
				ref.Signal()
			}
			delete(t.slots, slot)
		}
	}
	t.current = index
}

// Index returns the most recently retired slot.
func (t *Timeline) Index() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Pending returns the number of slots that still hold unsignalled fences.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
