package api

import (
	"encoding/json"
	"time"

	"github.com/Borislavv/display-queue/pkg/queue"
	"github.com/fasthttp/router"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// FlushController drives the queue to a frame index over HTTP, mainly for
// mode changes and debugging.
type FlushController struct {
	q *queue.DisplayQueue
}

func NewFlushController(q *queue.DisplayQueue) *FlushController {
	return &FlushController{q: q}
}

type flushResponse struct {
	Flushed     bool   `json:"flushed"`
	IssuedFrame uint32 `json:"issuedFrame"`
}

// Flush handles GET /display/queue/flush?frame=N&timeout=500ms.
// frame=0 (or absent) flushes everything queued.
func (c *FlushController) Flush(ctx *fasthttp.RequestCtx) {
	frame := uint32(ctx.QueryArgs().GetUintOrZero("frame"))

	timeout := time.Second
	if raw := string(ctx.QueryArgs().Peek("timeout")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			ctx.Error("invalid timeout: "+err.Error(), fasthttp.StatusBadRequest)
			return
		}
		timeout = d
	}

	flushed := c.q.Flush(frame, timeout)
	if !flushed {
		log.Warn().Msgf("[api] flush to frame %d failed, queued frames invalidated", frame)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json; charset=utf-8")
	_ = json.NewEncoder(ctx).Encode(flushResponse{
		Flushed:     flushed,
		IssuedFrame: c.q.LastIssuedFrame().HwcIndex(),
	})
}

func (c *FlushController) AddRoute(r *router.Router) {
	r.GET("/display/queue/flush", c.Flush)
}
