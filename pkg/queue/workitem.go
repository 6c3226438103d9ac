package queue

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Kind tags the two item flavours carried by the ring.
type Kind uint8

const (
	KindFrame Kind = iota + 1
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindEvent:
		return "event"
	default:
		return "?"
	}
}

// work is the intrusive ring node embedded by Frame and Event. Items link
// into a circular doubly-linked ring whose head's prev is the tail, giving
// O(1) access to both ends without allocating per enqueue. prev/next are
// non-nil exactly while the item is linked.
type work struct {
	kind      Kind
	prev      *work
	next      *work
	effective FrameId
	self      any // the *Frame or *Event this node belongs to
}

func (w *work) Kind() Kind { return w.kind }

func (w *work) queued() bool { return w.prev != nil && w.next != nil }

// EffectiveFrame is the frame index the issued counter advances to once this
// item completes. Coalesced drops can push it past the item's own id.
func (w *work) EffectiveFrame() FrameId { return w.effective }

func (w *work) setEffectiveFrame(id FrameId) { w.effective = id }

func (w *work) dump() string {
	return fmt.Sprintf("%s %s", w.kind, w.effective)
}

// ringQueue links item at the tail of the ring rooted at *head.
func ringQueue(head **work, item *work) {
	if head == nil || item == nil {
		log.Panic().Msg("[queue] ring queue on nil")
	}
	if item.queued() {
		log.Panic().Msgf("[queue] item already linked: %s", item.dump())
	}
	if *head == nil {
		*head = item
		item.next = item
		item.prev = item
		return
	}
	(*head).prev.next = item
	item.prev = (*head).prev
	item.next = *head
	(*head).prev = item
}

// ringDequeue unlinks item; when item was the head its successor is promoted
// (or the ring becomes empty if it was the only node).
func ringDequeue(head **work, item *work) {
	if head == nil || item == nil || *head == nil {
		log.Panic().Msg("[queue] ring dequeue on nil")
	}
	if !item.queued() {
		log.Panic().Msgf("[queue] item not linked: %s", item.dump())
	}
	next := item.next
	item.prev.next = item.next
	item.next.prev = item.prev
	item.prev = nil
	item.next = nil
	if item == *head {
		if next == item {
			*head = nil
		} else {
			*head = next
		}
	}
}
