package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Borislavv/display-queue/pkg/bufman"
	"github.com/Borislavv/display-queue/pkg/config"
	"github.com/Borislavv/display-queue/pkg/content"
	"github.com/Borislavv/display-queue/pkg/utils"
	"github.com/rs/zerolog/log"
)

// Producers queueing further ahead of the display than this while a frame is
// stuck on it usually means the backend stopped retiring flips.
const queueAheadWarnThreshold = 16

// DisplayQueue is a bounded single-consumer pipeline between a compositor
// and a display device. Producers enqueue frames and events; one worker
// goroutine drains the ring and hands items to the backend, honouring
// readiness, acquire fences and the drop policies. Dropped frames collapse
// their effect into whichever item is finally issued, so the issued frame
// index stays monotone no matter how much work was skipped.
type DisplayQueue struct {
	ctx     context.Context
	cfg     *config.Queue
	backend Backend
	bufs    *bufman.Manager

	mu   sync.Mutex
	head *work

	queuedWork              int
	queuedFrames            int
	framesLockedForDisplay  int
	framePoolUsed           int
	framePoolPeak           int
	consumedWork            uint32
	consumedFramesSinceInit uint32

	frames []*Frame

	lastQueuedFrame  FrameId
	lastIssuedFrame  FrameId
	lastDroppedFrame FrameId

	blocked bool
	name    string

	workConsumed  *signal
	frameReleased *signal

	worker     *worker
	loggerOnce sync.Once

	met *meterSet
}

// New builds a queue around the given backend. The worker is started lazily
// on the first enqueue.
func New(ctx context.Context, cfg *config.Queue, bufs *bufman.Manager, backend Backend) *DisplayQueue {
	if cfg == nil {
		cfg = config.DefaultQueue()
	}
	q := &DisplayQueue{
		ctx:           ctx,
		cfg:           cfg,
		backend:       backend,
		bufs:          bufs,
		frames:        make([]*Frame, cfg.PoolCount),
		workConsumed:  newSignal(),
		frameReleased: newSignal(),
	}
	for i := range q.frames {
		q.frames[i] = newFrame()
		q.frames[i].setType(FrameDisplayQueue)
	}
	return q
}

// Init names the queue and restarts the per-session consumed counter.
func (q *DisplayQueue) Init(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.name = name
	q.consumedFramesSinceInit = 0
	q.met = newMeterSet(name)
	q.runLogger()
}

// Close stops the worker. Every frame must have been drained and released
// first; shutting down with work in flight is a caller bug.
func (q *DisplayQueue) Close() {
	q.mu.Lock()
	if q.queuedFrames != 0 || q.queuedWork != 0 || q.framesLockedForDisplay != 0 {
		dump := q.doDump()
		q.mu.Unlock()
		log.Panic().Msgf("[queue] %s closed with work in flight: %s", q.name, dump)
	}
	w := q.worker
	q.worker = nil
	q.mu.Unlock()

	if w != nil {
		w.stop()
	}
}

func (q *DisplayQueue) Name() string { return q.name }

// QueueEvent appends a side effect ordered after everything queued so far.
// The queue takes ownership of e.
func (q *DisplayQueue) QueueEvent(e *Event) error {
	if e == nil || e.Kind() != KindEvent {
		log.Panic().Msg("[queue] queue event with a non-event item")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// An event's effective frame is a repeat of the last queued frame.
	e.setEffectiveFrame(q.lastQueuedFrame)
	q.doQueueWork(&e.work)
	return nil
}

// QueueFrame snapshots the stack into a pooled frame and appends it.
func (q *DisplayQueue) QueueFrame(stack *content.LayerStack, zorder uint32, id FrameId, cfg Config) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Queued frame sequence can not go backwards.
	q.lastQueuedFrame.ValidateFuture(id)

	if delta := id.HwcIndex() - q.lastIssuedFrame.HwcIndex(); q.consumedFramesSinceInit > 0 &&
		q.framesLockedForDisplay > 0 && delta > queueAheadWarnThreshold {
		log.Warn().Msgf("[queue] %s display stuck on %s while producer reached %s",
			q.name, q.lastIssuedFrame, id)
	}

	q.limitUsedFrames()

	frame := q.findFree()
	if frame == nil {
		q.met.incNoFreeFrame()
		return ErrNoFreeFrame
	}
	if frame.Type() != FrameDisplayQueue {
		log.Panic().Msgf("[queue] pool produced a non-pooled frame %s", frame.dump())
	}

	q.framePoolUsed++
	if q.framePoolUsed > q.framePoolPeak {
		q.framePoolPeak = q.framePoolUsed
		log.Debug().Msgf("[queue] %s peak pool usage %d", q.name, q.framePoolPeak)
	}

	if err := frame.set(stack, zorder, id, cfg, q.bufs); err != nil {
		q.framePoolUsed--
		return fmt.Errorf("%w: %s", ErrAllocFailure, err)
	}

	frame.setEffectiveFrame(id)
	q.lastQueuedFrame = id
	q.doQueueWork(&frame.work)
	return nil
}

// QueueDrop records that the producer skipped straight to id without
// composing a frame for it. No item is created: an empty ring advances the
// issued index immediately, otherwise the drop is coalesced into the tail
// item's effective frame.
func (q *DisplayQueue) QueueDrop(id FrameId) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastQueuedFrame.ValidateFuture(id)

	if q.head == nil {
		log.Debug().Msgf("[queue] %s drop %s on empty ring", q.name, id)
		q.doAdvanceIssuedFrame(id)
	} else {
		tail := q.head.prev
		tail.setEffectiveFrame(id)
		log.Debug().Msgf("[queue] %s drop %s coalesced into %s", q.name, id, tail.dump())
	}

	q.lastQueuedFrame = id
	q.doValidateQueue()
}

// DropAllFrames drops every queued frame that is not on the display. Events
// are preserved.
func (q *DisplayQueue) DropAllFrames() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.doValidateQueue()

	item := q.head
	done := item == nil
	for !done {
		next := item.next
		done = next == q.head
		if f, ok := item.self.(*Frame); ok && !f.lockedForDisplay && f.Type() == FrameDisplayQueue {
			q.dropFrame(f)
		}
		item = next
	}

	q.doValidateQueue()
}

// DropRedundantFrames drops every queued frame that a newer, already
// renderable frame makes invisible.
func (q *DisplayQueue) DropRedundantFrames() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.doDropRedundantFrames()
}

// ConsumerBlocked tells the queue the backend cannot consume for a while,
// e.g. across a mode change. Flush fails fast while blocked.
func (q *DisplayQueue) ConsumerBlocked() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.blocked = true
	q.workConsumed.Broadcast()
}

// ConsumerUnblocked reverses ConsumerBlocked.
func (q *DisplayQueue) ConsumerUnblocked() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.blocked {
		log.Panic().Msgf("[queue] %s consumer unblocked while not blocked", q.name)
	}
	q.blocked = false
	q.workConsumed.Broadcast()
}

// NotifyReady hints that the display's readiness changed; the worker wakes
// and re-polls.
func (q *DisplayQueue) NotifyReady() {
	q.mu.Lock()
	w := q.worker
	q.mu.Unlock()
	if w != nil {
		w.signalWork()
	}
}

// ReleaseFrame is called by the backend when a flipped (or failed) frame is
// retired. The frame returns to the pool.
func (q *DisplayQueue) ReleaseFrame(f *Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.doReleaseFrame(f)
}

func (q *DisplayQueue) doReleaseFrame(f *Frame) {
	if f == nil || f.Kind() != KindFrame || f.Type() != FrameDisplayQueue || !f.lockedForDisplay {
		log.Panic().Msgf("[queue] %s release of a frame that is not on display", q.name)
	}

	q.doValidateQueue()

	log.Debug().Msgf("[queue] %s release %s [work:%d frames:%d pool:%d]",
		q.name, f.dump(), q.queuedWork, q.queuedFrames, q.framePoolUsed-1)

	f.reset(false)

	if q.framesLockedForDisplay <= 0 || q.framePoolUsed <= 0 {
		log.Panic().Msgf("[queue] %s release underflow", q.name)
	}
	q.framesLockedForDisplay--
	q.framePoolUsed--
	q.met.incReleased()

	q.doValidateQueue()

	q.frameReleased.Broadcast()
}

// WaitIdle blocks until no pooled frame is queued or held by the display, or
// the timeout elapses.
func (q *DisplayQueue) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.framePoolUsed > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		ch := q.frameReleased.C()
		q.mu.Unlock()
		t := time.NewTimer(remaining)
		select {
		case <-ch:
		case <-t.C:
		}
		t.Stop()
		q.mu.Lock()
	}
	return true
}

// doQueueWork appends the item and wakes the worker, starting it on first
// use.
func (q *DisplayQueue) doQueueWork(item *work) {
	if item == nil {
		log.Panic().Msg("[queue] queue nil work")
	}

	isFrame := item.Kind() == KindFrame

	if (q.queuedWork == 0) != (q.head == nil) {
		log.Panic().Msgf("[queue] %s ring/counter disagree before queue", q.name)
	}

	// Issued frame indices must always trail queued frame indices.
	q.lastIssuedFrame.ValidateFuture(item.EffectiveFrame())

	ringQueue(&q.head, item)
	q.queuedWork++
	if isFrame {
		q.queuedFrames++
	}
	q.met.incQueued(isFrame)

	log.Debug().Msgf("[queue] %s queue %s [work:%d frames:%d pool:%d]",
		q.name, item.dump(), q.queuedWork, q.queuedFrames, q.framePoolUsed)

	if q.worker == nil {
		q.worker = startWorker(q)
	}
	q.worker.signalWork()

	q.doValidateQueue()
}

// limitUsedFrames keeps the producer from racing too far ahead of the
// display. Redundant frames are dropped first; if the pool is still at the
// soft limit the caller stalls briefly to let the display drain, and gives
// up on timeout (findFree will then recycle the oldest queued frame).
func (q *DisplayQueue) limitUsedFrames() {
	q.doDropRedundantFrames()

	if q.framePoolUsed < q.cfg.PoolLimit {
		return
	}

	deadline := time.Now().Add(q.cfg.TimeoutForLimit)
	for q.framePoolUsed >= q.cfg.PoolLimit {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Debug().Msgf("[queue] %s pool limit wait timed out [used %d/%d]",
				q.name, q.framePoolUsed, q.cfg.PoolLimit)
			break
		}
		log.Debug().Msgf("[queue] %s pool limit stall [used %d/%d]",
			q.name, q.framePoolUsed, q.cfg.PoolLimit)
		q.waitWorkConsumed(remaining)
	}
}

// waitWorkConsumed parks the caller until the next consume-side transition
// or the timeout. The queue lock is released for the duration of the wait.
func (q *DisplayQueue) waitWorkConsumed(timeout time.Duration) {
	ch := q.workConsumed.C()
	q.mu.Unlock()
	if timeout < 0 {
		<-ch
	} else {
		t := time.NewTimer(timeout)
		select {
		case <-ch:
		case <-t.C:
		}
		t.Stop()
	}
	q.mu.Lock()
}

// findFree returns an unused pool frame, else recycles the oldest queued one
// by dropping it. Nil means every frame is held by the display.
func (q *DisplayQueue) findFree() *Frame {
	var oldest *Frame
	for _, f := range q.frames {
		if f.lockedForDisplay {
			continue
		}
		if !f.queued() {
			return f
		}
		if oldest == nil || int32(oldest.Id().TimelineIndex()-f.Id().TimelineIndex()) > 0 {
			oldest = f
		}
	}
	if oldest == nil {
		log.Error().Msgf("[queue] %s all frames on display - check ReleaseFrame is being called [queued %d, on display %d, pool %d]",
			q.name, q.queuedFrames, q.framesLockedForDisplay, len(q.frames))
		return nil
	}
	q.dropFrame(oldest)
	return oldest
}

// dropFrame removes a queued frame from the ring without issuing it. Its
// release fences are cancelled; its effect reaches the issued index only if
// a successor carries it there.
func (q *DisplayQueue) dropFrame(f *Frame) {
	if f == nil || f.Kind() != KindFrame || f.Type() != FrameDisplayQueue || !f.queued() || f.lockedForDisplay {
		log.Panic().Msgf("[queue] %s drop of an undroppable frame", q.name)
	}

	q.lastDroppedFrame = f.Id()

	log.Debug().Msgf("[queue] %s drop %s [work:%d frames:%d pool:%d]",
		q.name, f.dump(), q.queuedWork-1, q.queuedFrames-1, q.framePoolUsed-1)

	ringDequeue(&q.head, &f.work)
	if q.queuedFrames <= 0 || q.queuedWork <= 0 || q.framePoolUsed <= 0 {
		log.Panic().Msgf("[queue] %s drop underflow", q.name)
	}
	q.queuedFrames--
	q.queuedWork--
	q.framePoolUsed--

	f.reset(true)
	q.met.incDropped()

	q.workConsumed.Broadcast()
}

// doDropRedundantFrames walks the ring tail to head and drops every frame
// that has a newer, already renderable frame behind it: the issued index
// will overtake the dropped ones by coalescing, so the producer never
// notices.
func (q *DisplayQueue) doDropRedundantFrames() {
	if q.head == nil {
		return
	}

	newer := q.head.prev
	if newer == q.head {
		return
	}

	newerComplete := false
	if f, ok := newer.self.(*Frame); ok {
		newerComplete = f.isRenderingComplete()
	}

	current := newer.prev
	for {
		reachedHead := current == q.head
		next := current.prev

		if f, ok := current.self.(*Frame); ok {
			if newerComplete {
				if !f.lockedForDisplay {
					q.dropFrame(f)
				}
			} else {
				newerComplete = f.isRenderingComplete()
			}
		}
		if reachedHead {
			break
		}
		current = next
	}
}

// doInvalidateFrames marks every queued, unlocked frame invalid so its
// eventual consume is cheap: the backend short-circuits invalid frames but
// the issued index still advances through them.
func (q *DisplayQueue) doInvalidateFrames() {
	q.doValidateQueue()

	item := q.head
	done := item == nil
	for !done {
		next := item.next
		done = next == q.head
		if f, ok := item.self.(*Frame); ok && !f.lockedForDisplay && f.Type() == FrameDisplayQueue {
			f.invalidate()
		}
		item = next
	}

	q.doValidateQueue()
}

// doAdvanceIssuedFrame moves the externally observable issued index forward
// and wakes everyone waiting on consumption progress. A drop queued while a
// flip was in flight may already have advanced past this item's effect, so
// stale ids are absorbed rather than applied: the issued index never moves
// backwards.
func (q *DisplayQueue) doAdvanceIssuedFrame(id FrameId) {
	if id.IsAtOrAfter(q.lastIssuedFrame) {
		q.lastIssuedFrame = id
	}
	q.workConsumed.Broadcast()
}

func (q *DisplayQueue) hasQueuedWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedWork > 0
}

func (q *DisplayQueue) lockFrameForDisplay(f *Frame) {
	f.lockedForDisplay = true
	q.framesLockedForDisplay++
}

func (q *DisplayQueue) unlockFrameForDisplay(f *Frame) {
	f.lockedForDisplay = false
	q.framesLockedForDisplay--
}

// doValidateQueue re-derives every counter from a full ring walk and panics
// on disagreement. Enabled by config for tests and debugging.
func (q *DisplayQueue) doValidateQueue() {
	if !q.cfg.Validate {
		return
	}

	var workCount, frameCount, poolCount int
	if item := q.head; item != nil {
		for {
			workCount++
			if f, ok := item.self.(*Frame); ok {
				frameCount++
				if f.Type() == FrameDisplayQueue {
					poolCount++
				}
			}
			next := item.next
			if next == q.head {
				break
			}
			item.EffectiveFrame().ValidateFuture(next.EffectiveFrame())
			item = next
		}
	}

	if workCount != q.queuedWork {
		log.Panic().Msgf("[queue] %s ring walk found %d items, counter says %d", q.name, workCount, q.queuedWork)
	}
	if frameCount != q.queuedFrames {
		log.Panic().Msgf("[queue] %s ring walk found %d frames, counter says %d", q.name, frameCount, q.queuedFrames)
	}
	if poolCount > q.framePoolUsed {
		log.Panic().Msgf("[queue] %s ring holds %d pool frames but only %d used", q.name, poolCount, q.framePoolUsed)
	}

	// Issued frame indices must always trail queued frame indices.
	q.lastIssuedFrame.ValidateFuture(q.lastQueuedFrame)
}

// runLogger emits queue stats every 5 seconds. Started once, even when the
// queue is re-initialised.
func (q *DisplayQueue) runLogger() {
	if q.ctx == nil {
		return
	}
	q.loggerOnce.Do(func() { go q.logLoop() })
}

func (q *DisplayQueue) logLoop() {
	ticker := utils.NewTicker(q.ctx, 5*time.Second)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker:
			q.mu.Lock()
			var (
				queued   = strconv.Itoa(q.queuedWork)
				frames   = strconv.Itoa(q.queuedFrames)
				pool     = strconv.Itoa(q.framePoolUsed)
				peak     = strconv.Itoa(q.framePoolPeak)
				consumed = strconv.Itoa(int(q.consumedWork))
				issued   = q.lastIssuedFrame.String()
			)
			q.mu.Unlock()

			log.Info().
				Str("target", "display-queue").
				Str("queue", q.name).
				Str("queuedWork", queued).
				Str("queuedFrames", frames).
				Str("poolUsed", pool).
				Str("poolPeak", peak).
				Str("consumedWork", consumed).
				Msgf("[queue][5s] %s work: %s, frames: %s, pool: %s/%s, consumed: %s, issued: %s",
					q.name, queued, frames, pool, peak, consumed, issued)
		}
	}
}
