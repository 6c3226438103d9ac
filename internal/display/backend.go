package display

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Borislavv/display-queue/pkg/queue"
	"github.com/Borislavv/display-queue/pkg/timeline"
	"github.com/Borislavv/display-queue/pkg/vsync"
	"github.com/rs/zerolog/log"
)

// SimDisplay stands in for a physical display device. Flips retire one
// refresh interval after they are issued; readiness is level-triggered and
// goes low while a flip is outstanding.
type SimDisplay struct {
	name  string
	pacer *vsync.Pacer
	tl    *timeline.Timeline

	mu        sync.Mutex
	retired   *sync.Cond
	pending   *queue.Frame
	suspended bool

	q atomic.Pointer[queue.DisplayQueue]

	flips  atomic.Int64
	events atomic.Int64
}

func NewSimDisplay(ctx context.Context, name string, refreshHz int, tl *timeline.Timeline) *SimDisplay {
	d := &SimDisplay{
		name:  name,
		pacer: vsync.NewPacer(ctx, refreshHz),
		tl:    tl,
	}
	d.retired = sync.NewCond(&d.mu)
	return d
}

// Bind attaches the queue the display releases frames into. Must be called
// before any frame is consumed.
func (d *SimDisplay) Bind(q *queue.DisplayQueue) { d.q.Store(q) }

func (d *SimDisplay) Timeline() *timeline.Timeline { return d.tl }

func (d *SimDisplay) Flips() int64 { return d.flips.Load() }

// ReadyForNextWork reports whether the previous flip has retired and the
// device is not suspended.
func (d *SimDisplay) ReadyForNextWork() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.suspended && d.pending == nil
}

// Suspend blanks the device: readiness stays low until Resume.
func (d *SimDisplay) Suspend() {
	d.mu.Lock()
	d.suspended = true
	d.mu.Unlock()
}

// Resume lifts a Suspend and nudges the queue's worker.
func (d *SimDisplay) Resume() {
	d.mu.Lock()
	d.suspended = false
	d.mu.Unlock()
	if q := d.q.Load(); q != nil {
		q.NotifyReady()
	}
}

// ConsumeEvent performs the event's side effect, which for the simulated
// device is only bookkeeping.
func (d *SimDisplay) ConsumeEvent(e *queue.Event) {
	d.events.Add(1)
	log.Debug().Msgf("[display] %s event %d", d.name, e.Id())
}

// ConsumeFrame initiates a flip. Invalid frames are short-circuited: their
// timeline slot is retired and the frame released without touching the
// device.
func (d *SimDisplay) ConsumeFrame(f *queue.Frame) {
	q := d.q.Load()
	if q == nil {
		log.Panic().Msgf("[display] %s consumed a frame before Bind", d.name)
	}

	if !f.IsValid() {
		d.tl.Advance(f.Id().TimelineIndex())
		q.ReleaseFrame(f)
		return
	}

	d.mu.Lock()
	if d.pending != nil {
		d.mu.Unlock()
		log.Panic().Msgf("[display] %s flip issued while previous still pending", d.name)
	}
	d.pending = f
	d.mu.Unlock()

	go d.retire(f, q)
}

// retire completes the flip on the next refresh edge: the timeline advances
// to the frame's slot (signalling its native release fences), the frame goes
// back to the pool, and readiness rises again.
func (d *SimDisplay) retire(f *queue.Frame, q *queue.DisplayQueue) {
	d.pacer.Take()

	d.tl.Advance(f.Id().TimelineIndex())
	d.flips.Add(1)

	q.ReleaseFrame(f)

	d.mu.Lock()
	d.pending = nil
	d.retired.Broadcast()
	d.mu.Unlock()

	q.NotifyReady()
}

// SyncFlip blocks until the most recently issued flip has fully retired.
func (d *SimDisplay) SyncFlip() {
	d.mu.Lock()
	for d.pending != nil {
		d.retired.Wait()
	}
	d.mu.Unlock()
}
