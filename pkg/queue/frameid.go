package queue

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// FrameId identifies a frame by the compositor's frame counter and its slot
// on the buffer-release timeline. Both counters are unsigned and wrap;
// ordering is defined by signed subtraction modulo 2^32 so comparisons stay
// correct across the wrap.
type FrameId struct {
	hwcIndex      uint32
	timelineIndex uint32
}

func NewFrameId(hwcIndex, timelineIndex uint32) FrameId {
	return FrameId{hwcIndex: hwcIndex, timelineIndex: timelineIndex}
}

func (id FrameId) HwcIndex() uint32      { return id.hwcIndex }
func (id FrameId) TimelineIndex() uint32 { return id.timelineIndex }

// IsAtOrAfter reports whether id is the same as or later than other on both
// counters.
func (id FrameId) IsAtOrAfter(other FrameId) bool {
	return int32(id.hwcIndex-other.hwcIndex) >= 0 &&
		int32(id.timelineIndex-other.timelineIndex) >= 0
}

// ValidateFuture panics when next precedes id. Frame identifiers observed by
// the queue are future-only; going backwards is a producer bug, not a
// recoverable condition.
func (id FrameId) ValidateFuture(next FrameId) {
	if !next.IsAtOrAfter(id) {
		log.Panic().Msgf("[queue] frame sequence went backwards: have %s, got %s", id, next)
	}
}

func (id FrameId) String() string {
	return fmt.Sprintf("frame:%d/ts:%d", id.hwcIndex, id.timelineIndex)
}
