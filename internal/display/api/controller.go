package api

import (
	"github.com/fasthttp/router"
)

// HttpController is one mountable group of ops endpoints.
type HttpController interface {
	AddRoute(r *router.Router)
}
