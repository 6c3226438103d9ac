package queue

import "errors"

var (
	// ErrNoFreeFrame means every pooled frame is held by the display. The
	// producer may retry once the backend releases a frame; persistent
	// failures usually mean ReleaseFrame is not being called.
	ErrNoFreeFrame = errors.New("no free frame in pool")

	// ErrAllocFailure means a frame could not snapshot the supplied layer
	// stack; the frame was returned to the pool untouched.
	ErrAllocFailure = errors.New("failed to snapshot layer stack")

	// ErrStopped names a stopped queue. No DisplayQueue method returns it:
	// after Close the next enqueue starts a new worker.
	ErrStopped = errors.New("display queue stopped")
)
