package queue

import (
	"fmt"
	"time"

	"github.com/Borislavv/display-queue/pkg/bufman"
	"github.com/Borislavv/display-queue/pkg/content"
	"github.com/rs/zerolog/log"
)

// Minimum number of allocated layers to cover common display arrangements
// without reallocating. The array can grow beyond this and never shrinks.
const minLayerAllocCount = 8

// FrameType separates pooled frames owned by the queue from frames managed
// by somebody else.
type FrameType uint8

const (
	FrameCustom FrameType = iota
	FrameDisplayQueue
)

// Config captures the display timing a frame was composed against.
type Config struct {
	Width   uint32
	Height  uint32
	Refresh uint32
}

// Frame is a pooled work item carrying a z-ordered snapshot of the
// producer's layer stack. Frames are reused, not destroyed: consume hands
// them to the display, release returns them to the pool with their grown
// layers array intact.
type Frame struct {
	work
	typ              FrameType
	layers           []FrameLayer
	layerCount       int
	zorder           uint32
	frameID          FrameId
	config           Config
	lockedForDisplay bool
	valid            bool
}

func newFrame() *Frame {
	f := &Frame{}
	f.work.kind = KindFrame
	f.work.self = f
	return f
}

func (f *Frame) setType(t FrameType) {
	if f.lockedForDisplay {
		log.Panic().Msg("[queue] frame type change while locked for display")
	}
	f.typ = t
}

func (f *Frame) Type() FrameType          { return f.typ }
func (f *Frame) Id() FrameId              { return f.frameID }
func (f *Frame) ZOrder() uint32           { return f.zorder }
func (f *Frame) Config() Config           { return f.config }
func (f *Frame) LayerCount() int          { return f.layerCount }
func (f *Frame) IsValid() bool            { return f.valid }
func (f *Frame) IsLockedForDisplay() bool { return f.lockedForDisplay }

// GetLayer returns the queued snapshot at index ly, or nil out of range.
func (f *Frame) GetLayer(ly int) *FrameLayer {
	if ly < 0 || ly >= f.layerCount {
		return nil
	}
	return &f.layers[ly]
}

// set snapshots the stack into this frame. On failure the frame is left
// fully reset so it can go straight back to the pool.
func (f *Frame) set(stack *content.LayerStack, zorder uint32, id FrameId, cfg Config, bufs *bufman.Manager) error {
	if f.queued() || f.lockedForDisplay {
		log.Panic().Msgf("[queue] set on busy frame %s", f.dump())
	}

	f.zorder = zorder
	f.frameID = id
	f.valid = true

	size := stack.Size()
	if len(f.layers) < size {
		alloc := size
		if alloc < minLayerAllocCount {
			alloc = minLayerAllocCount
		}
		f.layers = make([]FrameLayer, alloc)
	}
	if len(f.layers) < size {
		f.layerCount = 0
		f.valid = false
		return ErrAllocFailure
	}
	f.layerCount = size

	for ly := 0; ly < size; ly++ {
		if err := f.layers[ly].snapshot(stack.GetLayer(ly), bufs); err != nil {
			for done := 0; done < ly; done++ {
				f.layers[done].reset(true)
			}
			f.layerCount = 0
			f.valid = false
			return fmt.Errorf("snapshot layer %d: %w", ly, err)
		}
	}

	f.config = cfg
	return nil
}

// validate cross-checks every pinned layer buffer.
func (f *Frame) validate(bufs *bufman.Manager) {
	for ly := 0; ly < f.layerCount; ly++ {
		f.layers[ly].validate(bufs)
	}
}

// waitRendering blocks until every layer's source rendering completes or
// times out.
func (f *Frame) waitRendering(timeout time.Duration) {
	for ly := 0; ly < f.layerCount; ly++ {
		f.layers[ly].waitRendering(timeout)
	}
}

// isRenderingComplete polls all layers without blocking.
func (f *Frame) isRenderingComplete() bool {
	for ly := 0; ly < f.layerCount; ly++ {
		if !f.layers[ly].isRenderingComplete() {
			return false
		}
	}
	return true
}

// reset releases every layer's resources. With cancel the release fences are
// cancelled rather than left to be signalled, because the frame will never
// reach the display.
func (f *Frame) reset(cancel bool) {
	f.lockedForDisplay = false
	for ly := 0; ly < f.layerCount; ly++ {
		f.layers[ly].reset(cancel)
	}
}

func (f *Frame) invalidate() { f.valid = false }

func (f *Frame) dump() string {
	s := fmt.Sprintf("%s id:%s layers:%d z:%d", f.work.dump(), f.frameID, f.layerCount, f.zorder)
	if f.lockedForDisplay {
		s += " locked"
	}
	if !f.valid {
		s += " invalid"
	}
	return s
}
