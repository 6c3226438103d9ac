package display

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Borislavv/display-queue/internal/display/api"
	"github.com/Borislavv/display-queue/pkg/config"
	"github.com/fasthttp/router"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

var initFailedErrorMessage = "[server] init. failed"

// Http interface exposes methods for starting and liveness probing.
type Http interface {
	Start(ctx context.Context)
	IsAlive() bool
}

// HttpServer serves the ops surface: dump, flush, drop, consumer toggles,
// metrics and liveness.
type HttpServer struct {
	cfg *config.Display

	server        *fasthttp.Server
	isServerAlive *atomic.Bool
}

// NewServer composes the ops HTTP server from the given controllers.
func NewServer(cfg *config.Display, controllers ...api.HttpController) (*HttpServer, error) {
	if cfg.Display.Api == nil || cfg.Display.Api.Port == "" {
		return nil, errors.New(initFailedErrorMessage + ": api port is not configured")
	}

	r := router.New()
	for _, c := range controllers {
		c.AddRoute(r)
	}

	srv := &HttpServer{
		cfg:           cfg,
		isServerAlive: &atomic.Bool{},
		server: &fasthttp.Server{
			GetOnly:                       true,
			ReduceMemoryUsage:             true,
			DisablePreParseMultipartForm:  true,
			DisableHeaderNamesNormalizing: true,
			CloseOnShutdown:               true,
			Handler:                       r.Handler,
			ReadBufferSize:                32 * 1024,
			WriteBufferSize:               32 * 1024,
		},
	}
	return srv, nil
}

// Start runs the HTTP server and blocks until ctx is cancelled and the server
// has shut down. A server that stops on its own does not end the wait.
func (s *HttpServer) Start(ctx context.Context) {
	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go s.serve(wg)

	wg.Add(1)
	go s.shutdown(ctx, wg)
}

// IsAlive returns true if the server is marked as alive.
func (s *HttpServer) IsAlive() bool {
	return s.isServerAlive.Load()
}

func (s *HttpServer) serve(wg *sync.WaitGroup) {
	defer wg.Done()

	apiCfg := s.cfg.Display.Api
	name := apiCfg.Name
	port := apiCfg.Port
	if !strings.HasPrefix(port, ":") {
		port = ":" + port
	}

	log.Info().Msgf("[server] %v was started on %v", name, port)
	defer log.Info().Msgf("[server] %v was stopped on %v", name, port)

	s.isServerAlive.Store(true)
	defer s.isServerAlive.Store(false)

	if err := s.server.ListenAndServe(port); err != nil {
		log.Error().Err(err).Msgf("[server] %v failed to listen and serve port %v: %v", name, port, err.Error())
	}
}

func (s *HttpServer) shutdown(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := s.server.ShutdownWithContext(shutdownCtx); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn().Msgf("[server] %v shutdown failed: %v", s.cfg.Display.Api.Name, err.Error())
		}
	}
}
