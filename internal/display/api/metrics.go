package api

import (
	"github.com/VictoriaMetrics/metrics"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// MetricsController exposes the process metrics in Prometheus text format.
type MetricsController struct{}

func NewMetricsController() *MetricsController {
	return &MetricsController{}
}

// Metrics handles GET /metrics.
func (c *MetricsController) Metrics(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; version=0.0.4; charset=utf-8")
	metrics.WritePrometheus(ctx, true)
}

func (c *MetricsController) AddRoute(r *router.Router) {
	r.GET("/metrics", c.Metrics)
}
