package display

import (
	"context"
	"time"

	"github.com/Borislavv/display-queue/internal/display/api"
	"github.com/Borislavv/display-queue/pkg/bufman"
	"github.com/Borislavv/display-queue/pkg/config"
	"github.com/Borislavv/display-queue/pkg/k8s/probe/liveness"
	"github.com/Borislavv/display-queue/pkg/queue"
	"github.com/Borislavv/display-queue/pkg/shutdown"
	"github.com/Borislavv/display-queue/pkg/timeline"
	"github.com/rs/zerolog/log"
)

// App wires the display pipeline together: buffer manager, timeline,
// simulated display, work queue, demo compositor and the ops HTTP server.
type App struct {
	cfg    *config.Display
	ctx    context.Context
	cancel context.CancelFunc
	probe  liveness.Prober

	bufs       *bufman.Manager
	tl         *timeline.Timeline
	display    *SimDisplay
	queue      *queue.DisplayQueue
	compositor *Compositor
	server     *HttpServer
}

// NewApp builds the display app, wiring queue, backend and ops server.
func NewApp(ctx context.Context, cfg *config.Display, probe liveness.Prober) (*App, error) {
	ctx, cancel := context.WithCancel(ctx)

	bufs, err := bufman.New()
	if err != nil {
		cancel()
		return nil, err
	}

	tl := timeline.New()

	refresh := 60
	if cfg.Display.Compositor != nil && cfg.Display.Compositor.RefreshRate > 0 {
		refresh = cfg.Display.Compositor.RefreshRate
	}

	dsp := NewSimDisplay(ctx, cfg.Display.Name, refresh, tl)
	q := queue.New(ctx, cfg.Display.Queue, bufs, dsp)
	q.Init(cfg.Display.Name)
	dsp.Bind(q)

	app := &App{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		probe:   probe,
		bufs:    bufs,
		tl:      tl,
		display: dsp,
		queue:   q,
	}

	if cfg.Display.Compositor != nil && cfg.Display.Compositor.Enabled {
		app.compositor = NewCompositor(ctx, cfg.Display.Compositor, q, bufs, tl)
	}

	srv, err := NewServer(cfg,
		api.NewDumpController(q),
		api.NewFlushController(q),
		api.NewDropController(q),
		api.NewBlockController(q),
		api.NewMetricsController(),
		api.NewProbeController(probe),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	app.server = srv

	return app, nil
}

// Start runs the pipeline and blocks until shutdown. The Gracefuller is
// expected to be awaited by the caller; Done is called once teardown ends.
func (a *App) Start(gc shutdown.Gracefuller) {
	defer func() {
		a.stop()
		gc.Done()
	}()

	log.Info().Msg("[app] starting display pipeline")

	if a.compositor != nil {
		a.compositor.Run()
	}

	waitCh := make(chan struct{})
	go func() {
		defer close(waitCh)
		a.probe.Watch(a)
		a.server.Start(a.ctx)
	}()

	log.Info().Msg("[app] display pipeline has been started")

	<-waitCh
}

// Queue exposes the work queue, mainly for tests and tooling.
func (a *App) Queue() *queue.DisplayQueue { return a.queue }

func (a *App) stop() {
	log.Info().Msg("[app] stopping display pipeline")

	defer a.cancel()

	// Retire whatever is still queued, then wait for the display to hand
	// every pooled frame back before tearing the queue down.
	if !a.queue.Flush(0, time.Second) {
		log.Warn().Msg("[app] flush on shutdown timed out, queued frames invalidated")
	}
	if !a.queue.WaitIdle(2 * time.Second) {
		log.Warn().Msg("[app] display still holds frames; skipping queue close")
		return
	}
	if a.queue.QueuedWork() != 0 {
		log.Warn().Msg("[app] work still queued; skipping queue close")
		return
	}
	a.queue.Close()

	log.Info().Msg("[app] display pipeline has been stopped")
}

// IsAlive is called by liveness probes to check app health.
func (a *App) IsAlive(_ context.Context) bool {
	if !a.server.IsAlive() {
		log.Info().Msg("[app] ops http server has gone away")
		return false
	}
	return true
}
