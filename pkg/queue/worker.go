package queue

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// worker is the queue's single consumer goroutine. It polls display
// readiness level-triggered and re-checks after every wake, so a missed
// ready edge costs at most one bounded timeout of latency.
type worker struct {
	queue *DisplayQueue

	mu        sync.Mutex
	signalled int
	work      *signal

	gid         atomic.Uint64
	exit        atomic.Bool
	done        chan struct{}
	warnedStall bool
}

func startWorker(q *DisplayQueue) *worker {
	w := &worker{
		queue: q,
		work:  newSignal(),
		done:  make(chan struct{}),
	}
	go w.run()
	log.Debug().Msgf("[queue] %s worker started", q.name)
	return w
}

// signalWork wakes the worker. Signals are counted so a wake between poll
// and wait is never lost.
func (w *worker) signalWork() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exit.Load() {
		return
	}
	w.signalled++
	w.work.Broadcast()
}

// stop asks the worker to exit and joins it. The worker finishes the item
// in flight but calls nothing afterwards.
func (w *worker) stop() {
	w.exit.Store(true)
	w.work.Broadcast()
	<-w.done
}

// onWorker reports whether the caller runs on the worker goroutine.
func (w *worker) onWorker() bool {
	return w != nil && w.gid.Load() == gid()
}

func (w *worker) run() {
	defer close(w.done)

	// The worker competes with render and input threads for the frame
	// deadline; pinning it to an OS thread keeps its scheduling stable.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.gid.Store(gid())

	for !w.exit.Load() {
		// Drop redundant frames as early as possible.
		w.queue.DropRedundantFrames()

		waitForReady := !w.queue.backend.ReadyForNextWork()
		waitForWork := !waitForReady && !w.queue.hasQueuedWork()

		if waitForReady || waitForWork {
			w.mu.Lock()
			if w.signalled > 0 {
				w.signalled--
				w.mu.Unlock()
				continue
			}
			ch := w.work.C()
			w.mu.Unlock()

			if waitForReady {
				// Display is not ready. Block until signalled ready, or time
				// out to cover a missed edge after a failed flip.
				t := time.NewTimer(w.queue.cfg.TimeoutForReady)
				select {
				case <-ch:
					w.consumeSignal()
					w.warnedStall = false
				case <-t.C:
					if !w.warnedStall {
						log.Warn().Msgf("[queue] %s timed out waiting for display ready", w.queue.name)
						w.warnedStall = true
					}
				}
				t.Stop()
			} else {
				// Display is ready but there is no work. Block for new work;
				// every enqueue signals.
				<-ch
				w.consumeSignal()
			}
			continue
		}

		w.queue.ConsumeWork()
	}
}

func (w *worker) consumeSignal() {
	w.mu.Lock()
	if w.signalled > 0 {
		w.signalled--
	}
	w.mu.Unlock()
}

// gid extracts the current goroutine's id from a stack header. Used only to
// detect the worker flushing itself, never on a hot path.
func gid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseUint(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}
