package queue

// Backend is the downward contract to the display device. All calls are made
// from the queue's worker goroutine with the queue lock released, so the
// backend may block and producers keep enqueueing.
type Backend interface {
	// ReadyForNextWork is a level-triggered readiness poll: true while the
	// display can accept another item.
	ReadyForNextWork() bool

	// ConsumeEvent performs the event's side effect. It returns once the
	// effect has been initiated.
	ConsumeEvent(e *Event)

	// ConsumeFrame initiates a page flip. On failure the backend must call
	// ReleaseFrame on the queue synchronously before returning; the queue
	// does not touch the frame after this call. On success the backend keeps
	// the frame until it calls ReleaseFrame asynchronously.
	ConsumeFrame(f *Frame)

	// SyncFlip blocks until the most recently issued flip has fully retired.
	SyncFlip()
}
