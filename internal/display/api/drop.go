package api

import (
	"encoding/json"

	"github.com/Borislavv/display-queue/pkg/queue"
	"github.com/fasthttp/router"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// DropController drops queued frames over HTTP.
type DropController struct {
	q *queue.DisplayQueue
}

func NewDropController(q *queue.DisplayQueue) *DropController {
	return &DropController{q: q}
}

type dropResponse struct {
	QueuedFrames int `json:"queuedFrames"`
}

// DropAll handles GET /display/queue/drop-all. Frames on display are
// untouched; events stay queued.
func (c *DropController) DropAll(ctx *fasthttp.RequestCtx) {
	c.q.DropAllFrames()
	log.Info().Msg("[api] dropped all queued frames")

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json; charset=utf-8")
	_ = json.NewEncoder(ctx).Encode(dropResponse{QueuedFrames: c.q.Stats().QueuedFrames})
}

// DropRedundant handles GET /display/queue/drop-redundant.
func (c *DropController) DropRedundant(ctx *fasthttp.RequestCtx) {
	c.q.DropRedundantFrames()

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json; charset=utf-8")
	_ = json.NewEncoder(ctx).Encode(dropResponse{QueuedFrames: c.q.Stats().QueuedFrames})
}

func (c *DropController) AddRoute(r *router.Router) {
	r.GET("/display/queue/drop-all", c.DropAll)
	r.GET("/display/queue/drop-redundant", c.DropRedundant)
}
