package queue

import (
	"fmt"
	"strings"
)

// Dump renders the queue state for diagnostics: counters, the ring in
// consume order, and the pool frames split by where they currently live.
func (q *DisplayQueue) Dump() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.doDump()
}

func (q *DisplayQueue) doDump() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s : QueuedWork %d QueuedFrames %d PoolUsed %d PoolPeak %d LastQueued %s LastIssued %s LastDropped %s FramesLockedForDisplay %d ConsumedWork %d ConsumedFramesSinceInit %d",
		q.name, q.queuedWork, q.queuedFrames, q.framePoolUsed, q.framePoolPeak,
		q.lastQueuedFrame, q.lastIssuedFrame, q.lastDroppedFrame,
		q.framesLockedForDisplay, q.consumedWork, q.consumedFramesSinceInit)

	b.WriteString(" QueuedWork={")
	if item := q.head; item != nil {
		for {
			fmt.Fprintf(&b, " %s", dumpItem(item))
			item = item.next
			if item == q.head {
				break
			}
		}
	}
	b.WriteString(" } QueuedFrames={")
	for _, f := range q.frames {
		if f.queued() {
			fmt.Fprintf(&b, " %s", f.dump())
		}
	}
	b.WriteString(" } FramesLockedForDisplay={")
	for _, f := range q.frames {
		if f.lockedForDisplay {
			fmt.Fprintf(&b, " %s", f.dump())
		}
	}
	b.WriteString(" }")

	return b.String()
}

func dumpItem(item *work) string {
	switch it := item.self.(type) {
	case *Frame:
		return it.dump()
	case *Event:
		return it.dump()
	default:
		return item.dump()
	}
}
