package vsync

import (
	"context"

	"go.uber.org/ratelimit"
)

// Pacer emits ticks at the display's refresh rate. It wraps a leaky-bucket
// limiter so consumers can either block on Take or range over Chan.
type Pacer struct {
	cancel context.CancelFunc
	ch     chan struct{}
	l      ratelimit.Limiter
	hz     int
}

func NewPacer(gCtx context.Context, hz int) *Pacer {
	if hz <= 0 {
		hz = 60
	}
	ctx, cancel := context.WithCancel(gCtx)
	p := &Pacer{
		cancel: cancel,
		hz:     hz,
		ch:     make(chan struct{}),
		l:      ratelimit.New(hz),
	}
	go p.provider(ctx)
	return p
}

func (p *Pacer) provider(ctx context.Context) {
	defer close(p.ch)
	for {
		p.l.Take()
		select {
		case <-ctx.Done():
			return
		case p.ch <- struct{}{}:
		}
	}
}

// Take blocks until the next vsync edge.
func (p *Pacer) Take() {
	p.l.Take()
}

// Hz returns the configured refresh rate.
func (p *Pacer) Hz() int {
	return p.hz
}

// Chan delivers one token per vsync edge; it closes when the pacer stops.
func (p *Pacer) Chan() <-chan struct{} {
	return p.ch
}

func (p *Pacer) Stop() {
	p.cancel()
}
