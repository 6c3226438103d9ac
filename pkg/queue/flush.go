package queue

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Flush drives the queue until the display has retired every frame up to
// frameIndex (all queued work when frameIndex is zero), then synchronises
// the final flip. Returns false on timeout, while the consumer is blocked,
// or when called from the worker itself; in every failure case the queued
// frames are invalidated so their eventual consume is cheap and the pipeline
// never wedges.
func (q *DisplayQueue) Flush(frameIndex uint32, timeout time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The worker cannot flush itself synchronously: it would wait on its own
	// progress.
	flushed := !q.worker.onWorker() && !q.blocked && q.doFlush(frameIndex, timeout)

	if !flushed {
		q.met.incFlushFailed()
		q.doInvalidateFrames()
	}
	return flushed
}

func (q *DisplayQueue) doFlush(frameIndex uint32, timeout time.Duration) bool {
	log.Debug().Msgf("[queue] %s flush to frame %d, timeout %s [work:%d issued:%s queued:%s]",
		q.name, frameIndex, timeout, q.queuedWork, q.lastIssuedFrame, q.lastQueuedFrame)

	if q.worker != nil {
		// Consume at most the work present on entry; anything queued during
		// the flush belongs to the next one.
		maxConsume := q.queuedWork
		startConsumed := q.consumedWork

		deadline := time.Time{}
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}

		for !q.blocked &&
			q.queuedWork > 0 &&
			int32(q.consumedWork-startConsumed) < int32(maxConsume) &&
			(frameIndex == 0 || int32(frameIndex-q.lastIssuedFrame.HwcIndex()) > 0) {

			q.worker.signalWork()

			wait := time.Duration(-1)
			if !deadline.IsZero() {
				wait = time.Until(deadline)
				if wait <= 0 {
					log.Warn().Msgf("[queue] %s flush timed out [work:%d issued:%s]",
						q.name, q.queuedWork, q.lastIssuedFrame)
					return false
				}
			}
			q.waitWorkConsumed(wait)
		}
	}

	if q.blocked {
		return false
	}

	log.Debug().Msgf("[queue] %s flushed to frame %d", q.name, q.lastIssuedFrame.HwcIndex())

	// Synchronise the flip completion with the lock released; producers may
	// keep queueing behind the flush point.
	q.mu.Unlock()
	q.backend.SyncFlip()
	q.mu.Lock()

	log.Debug().Msgf("[queue] %s completed flip to frame %d", q.name, q.lastIssuedFrame.HwcIndex())
	return true
}
