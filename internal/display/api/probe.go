package api

import (
	"github.com/Borislavv/display-queue/pkg/k8s/probe/liveness"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ProbeController answers orchestrator liveness checks.
type ProbeController struct {
	probe liveness.Prober
}

func NewProbeController(probe liveness.Prober) *ProbeController {
	return &ProbeController{probe: probe}
}

// Healthz handles GET /healthz.
func (c *ProbeController) Healthz(ctx *fasthttp.RequestCtx) {
	if c.probe.IsAlive() {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	ctx.SetBodyString("unavailable")
}

func (c *ProbeController) AddRoute(r *router.Router) {
	r.GET("/healthz", c.Healthz)
}
