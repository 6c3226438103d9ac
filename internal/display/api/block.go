package api

import (
	"encoding/json"

	"github.com/Borislavv/display-queue/pkg/queue"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// BlockController toggles the consumer-blocked state, the way a mode change
// would around its critical section.
type BlockController struct {
	q *queue.DisplayQueue
}

func NewBlockController(q *queue.DisplayQueue) *BlockController {
	return &BlockController{q: q}
}

type blockStatusResponse struct {
	Blocked bool   `json:"blocked"`
	Message string `json:"message,omitempty"`
}

// Block handles GET /display/consumer/block.
func (c *BlockController) Block(ctx *fasthttp.RequestCtx) {
	if c.q.Stats().ConsumerBlocked {
		c.respond(ctx, true, "consumer already blocked")
		return
	}
	c.q.ConsumerBlocked()
	c.respond(ctx, true, "consumer blocked")
}

// Unblock handles GET /display/consumer/unblock.
func (c *BlockController) Unblock(ctx *fasthttp.RequestCtx) {
	if !c.q.Stats().ConsumerBlocked {
		c.respond(ctx, false, "consumer was not blocked")
		return
	}
	c.q.ConsumerUnblocked()
	c.respond(ctx, false, "consumer unblocked")
}

func (c *BlockController) respond(ctx *fasthttp.RequestCtx, blocked bool, msg string) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json; charset=utf-8")
	_ = json.NewEncoder(ctx).Encode(blockStatusResponse{Blocked: blocked, Message: msg})
}

func (c *BlockController) AddRoute(r *router.Router) {
	r.GET("/display/consumer/block", c.Block)
	r.GET("/display/consumer/unblock", c.Unblock)
}
