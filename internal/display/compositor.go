package display

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/Borislavv/display-queue/pkg/bufman"
	"github.com/Borislavv/display-queue/pkg/config"
	"github.com/Borislavv/display-queue/pkg/content"
	"github.com/Borislavv/display-queue/pkg/queue"
	"github.com/Borislavv/display-queue/pkg/timeline"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Compositor is the built-in demo producer: it composes synthetic layer
// stacks at a paced rate and feeds them to the queue, standing in for a real
// composition engine. When the queue pushes back the frame is converted to a
// drop so the issued index still catches up.
type Compositor struct {
	ctx  context.Context
	cfg  *config.Compositor
	q    *queue.DisplayQueue
	bufs *bufman.Manager
	tl   *timeline.Timeline

	limiter *rate.Limiter

	hwcIndex      uint32
	timelineIndex uint32

	produced atomic.Int64
	dropped  atomic.Int64
}

func NewCompositor(
	ctx context.Context,
	cfg *config.Compositor,
	q *queue.DisplayQueue,
	bufs *bufman.Manager,
	tl *timeline.Timeline,
) *Compositor {
	hz := cfg.RefreshRate
	if hz <= 0 {
		hz = 60
	}
	return &Compositor{
		ctx:     ctx,
		cfg:     cfg,
		q:       q,
		bufs:    bufs,
		tl:      tl,
		limiter: rate.NewLimiter(rate.Limit(hz), 1),
	}
}

// Run produces frames until the context is cancelled. Does not block.
func (c *Compositor) Run() {
	layers := c.cfg.Layers
	if layers <= 0 {
		layers = 2
	}

	// A small rotating set of buffers, the way a double/triple buffered
	// producer reuses its swapchain.
	const swapchain = 3 * 4
	for i := 0; i < swapchain; i++ {
		c.bufs.Register(bufman.Handle(0x1000+i), int64(100+i), 8<<20)
	}

	go func() {
		log.Info().Msgf("[compositor] producing %d-layer frames", layers)
		for {
			if err := c.limiter.Wait(c.ctx); err != nil {
				log.Info().Msg("[compositor] stopped")
				return
			}
			c.composeOne(layers, swapchain)
		}
	}()
}

func (c *Compositor) composeOne(layers, swapchain int) {
	c.hwcIndex++
	c.timelineIndex++
	id := queue.NewFrameId(c.hwcIndex, c.timelineIndex)

	stack := content.NewLayerStack()
	for ly := 0; ly < layers; ly++ {
		handle := bufman.Handle(0x1000 + (int(c.hwcIndex)*layers+ly)%swapchain)
		layer := content.NewLayer(handle, int64(100+(int(c.hwcIndex)*layers+ly)%swapchain))
		layer.SetDst(content.Rect{W: 1920, H: 1080})

		// Rendering of the source buffer is already done by composition
		// time, so the acquire fence is born signalled.
		acquire := timeline.NewFence(timeline.KindComposition)
		acquire.Signal()
		layer.SetAcquireFenceReturn(acquire)
		layer.SetReleaseFenceReturn(c.tl.AllocReleaseFence(c.timelineIndex))

		stack.Append(layer)
	}

	cfg := queue.Config{Width: 1920, Height: 1080, Refresh: uint32(c.cfg.RefreshRate)}
	if err := c.q.QueueFrame(stack, 0, id, cfg); err != nil {
		if errors.Is(err, queue.ErrNoFreeFrame) || errors.Is(err, queue.ErrAllocFailure) {
			// The frame is lost either way; record the skip so the issued
			// index does not stall behind it.
			c.q.QueueDrop(id)
			c.dropped.Add(1)
			return
		}
		log.Err(err).Msgf("[compositor] queue frame %s", id)
		return
	}
	c.produced.Add(1)
}

// Produced returns the number of frames accepted by the queue.
func (c *Compositor) Produced() int64 { return c.produced.Load() }

// Dropped returns the number of frames converted to drops under backpressure.
func (c *Compositor) Dropped() int64 { return c.dropped.Load() }
