package api

import (
	"github.com/Borislavv/display-queue/pkg/queue"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// DumpController exposes the queue's diagnostic dump.
type DumpController struct {
	q *queue.DisplayQueue
}

func NewDumpController(q *queue.DisplayQueue) *DumpController {
	return &DumpController{q: q}
}

// Dump handles GET /display/queue/dump.
func (c *DumpController) Dump(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(c.q.Dump() + "\n")
}

func (c *DumpController) AddRoute(r *router.Router) {
	r.GET("/display/queue/dump", c.Dump)
}
