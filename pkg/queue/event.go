package queue

import "fmt"

// Event is a display-side side effect ordered relative to frames: it is
// consumed strictly after everything queued before it. The queue takes
// ownership at enqueue.
type Event struct {
	work
	id uint32
}

func NewEvent(id uint32) *Event {
	e := &Event{id: id}
	e.work.kind = KindEvent
	e.work.self = e
	return e
}

func (e *Event) Id() uint32 { return e.id }

func (e *Event) dump() string {
	return fmt.Sprintf("%s id:%d", e.work.dump(), e.id)
}
