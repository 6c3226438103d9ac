package liveness

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the probe settings. The application config declares its own
// probe type (config.Probe) with the same yaml shape and does not use this one.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Service is anything the probe can health-check.
type Service interface {
	IsAlive(ctx context.Context) bool
}

// Prober aggregates liveness across watched services.
type Prober interface {
	Watch(svc Service)
	IsAlive() bool
}

// Probe polls watched services on an interval and exposes the combined
// result to HTTP handlers and orchestrators.
type Probe struct {
	mu       sync.Mutex
	services []Service
	alive    atomic.Bool
	timeout  time.Duration
}

func NewProbe(timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = time.Second
	}
	p := &Probe{timeout: timeout}
	p.alive.Store(true)
	return p
}

// Watch registers a service and starts polling it. Does not block.
func (p *Probe) Watch(svc Service) {
	p.mu.Lock()
	p.services = append(p.services, svc)
	p.mu.Unlock()

	go p.poll()
}

func (p *Probe) IsAlive() bool {
	return p.alive.Load()
}

func (p *Probe) poll() {
	ticker := time.NewTicker(p.timeout / 2)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		alive := true

		p.mu.Lock()
		services := make([]Service, len(p.services))
		copy(services, p.services)
		p.mu.Unlock()

		for _, svc := range services {
			if !svc.IsAlive(ctx) {
				alive = false
				break
			}
		}
		cancel()
		p.alive.Store(alive)
	}
}
