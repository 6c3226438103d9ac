package queue

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// meterSet holds the per-queue counters exported to the metrics endpoint.
// The authoritative state lives under the queue lock; these only accumulate
// transitions.
type meterSet struct {
	queuedFrames   *metrics.Counter
	queuedEvents   *metrics.Counter
	consumedFrames *metrics.Counter
	consumedEvents *metrics.Counter
	droppedFrames  *metrics.Counter
	releasedFrames *metrics.Counter
	noFreeFrame    *metrics.Counter
	flushFailed    *metrics.Counter
}

func newMeterSet(name string) *meterSet {
	c := func(metric string) *metrics.Counter {
		return metrics.GetOrCreateCounter(fmt.Sprintf(`%s{queue=%q}`, metric, name))
	}
	return &meterSet{
		queuedFrames:   c("display_queue_queued_frames_total"),
		queuedEvents:   c("display_queue_queued_events_total"),
		consumedFrames: c("display_queue_consumed_frames_total"),
		consumedEvents: c("display_queue_consumed_events_total"),
		droppedFrames:  c("display_queue_dropped_frames_total"),
		releasedFrames: c("display_queue_released_frames_total"),
		noFreeFrame:    c("display_queue_no_free_frame_total"),
		flushFailed:    c("display_queue_flush_failed_total"),
	}
}

func (m *meterSet) incQueued(frame bool) {
	if m == nil {
		return
	}
	if frame {
		m.queuedFrames.Inc()
	} else {
		m.queuedEvents.Inc()
	}
}

func (m *meterSet) incConsumed(frame bool) {
	if m == nil {
		return
	}
	if frame {
		m.consumedFrames.Inc()
	} else {
		m.consumedEvents.Inc()
	}
}

func (m *meterSet) incDropped() {
	if m != nil {
		m.droppedFrames.Inc()
	}
}

func (m *meterSet) incReleased() {
	if m != nil {
		m.releasedFrames.Inc()
	}
}

func (m *meterSet) incNoFreeFrame() {
	if m != nil {
		m.noFreeFrame.Inc()
	}
}

func (m *meterSet) incFlushFailed() {
	if m != nil {
		m.flushFailed.Inc()
	}
}
