package queue

import (
	"github.com/rs/zerolog/log"
)

// ConsumeWork consumes the head item, dispatching by type. Returns false
// when the ring is empty. Long backend operations run with the queue lock
// released so producers keep enqueueing; the item in flight is protected by
// being dequeued or locked for display.
func (q *DisplayQueue) ConsumeWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.doConsumeWork()
}

func (q *DisplayQueue) doConsumeWork() bool {
	q.doValidateQueue()

	if q.head == nil {
		if q.queuedWork != 0 {
			log.Panic().Msgf("[queue] %s empty ring with queuedWork %d", q.name, q.queuedWork)
		}
		return false
	}
	if q.queuedWork <= 0 {
		log.Panic().Msgf("[queue] %s ring not empty with queuedWork %d", q.name, q.queuedWork)
	}

	switch q.head.Kind() {
	case KindFrame:
		q.doConsumeFrame()
	case KindEvent:
		q.doConsumeEvent()
	default:
		log.Panic().Msgf("[queue] %s unknown work kind %d", q.name, q.head.Kind())
	}

	return true
}

func (q *DisplayQueue) doConsumeEvent() {
	event, ok := q.head.self.(*Event)
	if !ok {
		log.Panic().Msgf("[queue] %s head is not an event", q.name)
	}

	// Issued frame sequence can not go backwards.
	q.lastIssuedFrame.ValidateFuture(event.EffectiveFrame())

	log.Debug().Msgf("[queue] %s consume %s [work:%d frames:%d pool:%d]",
		q.name, event.dump(), q.queuedWork-1, q.queuedFrames, q.framePoolUsed)

	// Issue the event without the lock so future work can continue to be
	// queued. The event stays at the head meanwhile; only this worker
	// dequeues.
	q.mu.Unlock()
	q.backend.ConsumeEvent(event)
	q.mu.Lock()

	q.doValidateQueue()

	if q.queuedWork <= 0 {
		log.Panic().Msgf("[queue] %s event consume underflow", q.name)
	}
	ringDequeue(&q.head, &event.work)
	q.queuedWork--
	q.consumedWork++
	q.met.incConsumed(false)

	q.doAdvanceIssuedFrame(event.EffectiveFrame())
}

func (q *DisplayQueue) doConsumeFrame() {
	if q.queuedFrames <= 0 {
		log.Panic().Msgf("[queue] %s frame consume with no queued frames", q.name)
	}

	// Only one frame may be held by the display when the next is consumed:
	// the backend does not report ready until the previous flip completed.
	if q.framesLockedForDisplay > 1 {
		log.Panic().Msgf("[queue] %s %d frames locked for display at consume", q.name, q.framesLockedForDisplay)
	}

	frame, ok := q.head.self.(*Frame)
	if !ok {
		log.Panic().Msgf("[queue] %s head is not a frame", q.name)
	}
	if frame.Type() != FrameDisplayQueue {
		log.Panic().Msgf("[queue] %s non-pooled frame in ring", q.name)
	}

	// Issued frame sequence can not go backwards, against both the
	// effective and the frame's own id.
	q.lastIssuedFrame.ValidateFuture(frame.EffectiveFrame())
	q.lastIssuedFrame.ValidateFuture(frame.Id())

	// Lock the frame immediately so it can't be reused or dropped while the
	// queue lock is released below.
	q.lockFrameForDisplay(frame)

	if q.cfg.SyncBeforeFlip {
		// Wait for source rendering with the lock released so producers keep
		// queueing.
		q.mu.Unlock()
		frame.waitRendering(q.cfg.TimeoutWaitRendering)
		q.mu.Lock()

		q.doValidateQueue()

		// The head must not have moved: the frame was locked and only this
		// worker consumes.
		if q.head != &frame.work || !frame.lockedForDisplay {
			log.Panic().Msgf("[queue] %s head changed under a locked frame", q.name)
		}
		q.unlockFrameForDisplay(frame)

		// Newer frames may have finished rendering while we waited. Always
		// flip the newest ready frame and drop the older ones.
		q.doDropRedundantFrames()

		if q.head == nil {
			log.Panic().Msgf("[queue] %s ring drained during redundancy drop", q.name)
		}

		// The head may no longer be a frame; the event will be consumed on
		// the next pass.
		next, ok := q.head.self.(*Frame)
		if !ok {
			return
		}
		frame = next
		q.lockFrameForDisplay(frame)

		if frame.Type() != FrameDisplayQueue {
			log.Panic().Msgf("[queue] %s non-pooled frame in ring", q.name)
		}
	}

	log.Debug().Msgf("[queue] %s consume %s [work:%d frames:%d pool:%d]",
		q.name, frame.dump(), q.queuedWork-1, q.queuedFrames-1, q.framePoolUsed)

	// Dequeue before flipping: a failed flip releases the frame back to the
	// pool synchronously, and a released frame must not sit in the ring.
	ringDequeue(&q.head, &frame.work)
	if q.queuedFrames <= 0 || q.queuedWork <= 0 {
		log.Panic().Msgf("[queue] %s frame consume underflow", q.name)
	}
	q.queuedFrames--
	q.queuedWork--
	q.consumedFramesSinceInit++
	q.consumedWork++
	q.met.incConsumed(true)

	// Coalesced drops can push the effective frame past the frame's own id;
	// capture it now because the frame must not be touched after the flip.
	effectiveIssued := frame.EffectiveFrame()
	frame.Id().ValidateFuture(effectiveIssued)

	// Issue the flip without the lock so future work can continue to be
	// queued. On failure the backend has already released the frame by the
	// time this returns; it must not be referenced again either way.
	q.mu.Unlock()
	q.backend.ConsumeFrame(frame)
	q.mu.Lock()

	q.doValidateQueue()

	q.doAdvanceIssuedFrame(effectiveIssued)
}
