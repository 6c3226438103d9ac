package content

import (
	"time"

	"github.com/Borislavv/display-queue/pkg/bufman"
	"github.com/Borislavv/display-queue/pkg/timeline"
)

// Rect is a screen-space rectangle in pixels.
type Rect struct {
	X, Y int32
	W, H uint32
}

// Layer describes one plane of display content: a buffer plus where and how
// it is presented. Fence references are shared with whoever produced the
// layer; duplicate them before queueing anything that outlives the producer's
// frame.
type Layer struct {
	handle         bufman.Handle
	bufferDeviceID int64
	acquire        *timeline.FenceReference
	release        *timeline.FenceReference
	src            Rect
	dst            Rect
	alpha          uint8
	disabled       bool
}

func NewLayer(handle bufman.Handle, bufferDeviceID int64) *Layer {
	return &Layer{handle: handle, bufferDeviceID: bufferDeviceID, alpha: 0xff}
}

func (l *Layer) Handle() bufman.Handle { return l.handle }
func (l *Layer) BufferDeviceID() int64 { return l.bufferDeviceID }
func (l *Layer) Src() Rect             { return l.src }
func (l *Layer) Dst() Rect             { return l.dst }
func (l *Layer) Alpha() uint8          { return l.alpha }
func (l *Layer) IsDisabled() bool      { return l.disabled }

func (l *Layer) SetSrc(r Rect)        { l.src = r }
func (l *Layer) SetDst(r Rect)        { l.dst = r }
func (l *Layer) SetAlpha(alpha uint8) { l.alpha = alpha }
func (l *Layer) SetDisabled(b bool)   { l.disabled = b }

// AcquireFenceReturn is the fence that resolves when the layer's source
// buffer has finished rendering.
func (l *Layer) AcquireFenceReturn() *timeline.FenceReference { return l.acquire }

// SetAcquireFenceReturn replaces the acquire fence reference. Passing nil
// clears it.
func (l *Layer) SetAcquireFenceReturn(ref *timeline.FenceReference) { l.acquire = ref }

// ReleaseFenceReturn is the fence that resolves when the layer's buffer may
// be reused by its producer.
func (l *Layer) ReleaseFenceReturn() *timeline.FenceReference { return l.release }

// SetReleaseFenceReturn replaces the release fence reference. Passing nil
// clears it.
func (l *Layer) SetReleaseFenceReturn(ref *timeline.FenceReference) { l.release = ref }

// CancelReleaseFence resolves the release fence as cancelled and drops the
// layer's reference to it. The buffer behind the layer can be recycled
// immediately; nothing will ever signal it as presented.
func (l *Layer) CancelReleaseFence() {
	if l.release == nil {
		return
	}
	l.release.Cancel()
	l.release = nil
}

// SnapshotOf overwrites this layer with a copy of other, detached from the
// producer's own struct so later edits on the producer side stay invisible.
// Fence references are shared, not duplicated.
func (l *Layer) SnapshotOf(other *Layer) {
	*l = *other
}

// WaitRendering blocks until the source buffer's rendering completes, the
// fence resolves some other way, or the timeout elapses. A disabled layer is
// trivially complete.
func (l *Layer) WaitRendering(timeout time.Duration) bool {
	if l.disabled {
		return true
	}
	return l.acquire.Wait(timeout)
}
