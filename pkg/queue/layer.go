package queue

import (
	"time"

	"github.com/Borislavv/display-queue/pkg/bufman"
	"github.com/Borislavv/display-queue/pkg/content"
	"github.com/Borislavv/display-queue/pkg/timeline"
	"github.com/rs/zerolog/log"
)

// FrameLayer holds a queued snapshot of one producer layer together with the
// resources pinned for it: an owned duplicate of the acquire fence and one
// reference on the underlying buffer. A layer is either fully set or fully
// reset; destruction while set is a leak.
type FrameLayer struct {
	layer   content.Layer
	acquire *timeline.FenceReference // owned duplicate, closed exactly once on reset
	buffer  *bufman.Buffer
	bufs    *bufman.Manager
	set     bool
}

// snapshot captures src so the producer may mutate or free its original.
func (l *FrameLayer) snapshot(src *content.Layer, bufs *bufman.Manager) error {
	if l.set || l.buffer != nil || l.acquire != nil {
		log.Panic().Msg("[queue] frame layer snapshot over a set layer")
	}

	l.layer.SnapshotOf(src)

	// Own a duplicate of the acquire fence and point the snapshot at it, so
	// the producer closing its copy cannot invalidate the queued layer.
	l.acquire = src.AcquireFenceReturn().Dup()
	l.layer.SetAcquireFenceReturn(l.acquire)

	// Native release references must not survive into the snapshot: frame
	// release is signalled by advancing the timeline, and the producer's
	// reference may be gone by then. Composition release references are
	// retained so those buffers can be released out of order with scanout.
	if l.layer.ReleaseFenceReturn().Kind() == timeline.KindNative {
		l.layer.SetReleaseFenceReturn(nil)
	}

	if handle := l.layer.Handle(); handle != 0 {
		buf, err := bufs.AcquireBuffer(handle)
		if err != nil {
			if l.acquire != nil {
				l.acquire.Close()
				l.acquire = nil
				l.layer.SetAcquireFenceReturn(nil)
			}
			return err
		}
		l.buffer = buf
		l.bufs = bufs
		if err = bufs.SetBufferUsage(handle, bufman.UsageDisplay); err != nil {
			log.Warn().Err(err).Msgf("[queue] set display usage on buffer %#x", uint64(handle))
		}
	}

	log.Debug().Msgf("[queue] set layer buffer %#x device fb%d", uint64(l.layer.Handle()), l.layer.BufferDeviceID())

	l.set = true
	return nil
}

// validate cross-checks the pinned buffer against the snapshot.
func (l *FrameLayer) validate(bufs *bufman.Manager) {
	if !l.set {
		return
	}
	if handle := l.layer.Handle(); handle != 0 {
		bufs.Validate(l.buffer, handle, l.layer.BufferDeviceID())
	}
}

// reset releases everything the snapshot pinned. With cancel the release
// fence is resolved as cancelled so a composition buffer can be recycled
// immediately even though the frame was never presented.
func (l *FrameLayer) reset(cancel bool) {
	if l.acquire != nil {
		l.acquire.Close()
		l.acquire = nil
	}
	if cancel {
		l.layer.CancelReleaseFence()
	}
	if l.buffer != nil {
		l.bufs.Release(l.buffer)
		l.buffer = nil
		l.bufs = nil
	}
	l.layer = content.Layer{}
	l.set = false
}

// waitRendering blocks until the source buffer's rendering completes or the
// timeout elapses; the frame is flipped regardless once the wait returns.
func (l *FrameLayer) waitRendering(timeout time.Duration) {
	if !l.layer.IsDisabled() {
		l.layer.WaitRendering(timeout)
	}
}

// isRenderingComplete polls without blocking. A disabled layer is trivially
// complete.
func (l *FrameLayer) isRenderingComplete() bool {
	if l.layer.IsDisabled() {
		return true
	}
	return l.layer.WaitRendering(0)
}

func (l *FrameLayer) isDisabled() bool {
	return l.layer.IsDisabled() || l.layer.BufferDeviceID() == 0
}

// Layer exposes the snapshot, mainly for the display backend.
func (l *FrameLayer) Layer() *content.Layer { return &l.layer }
