// Package notify broadcasts movement-map deltas and refresh-completion
// events over an optional Redis pub/sub channel: a lifecycle service that
// watches the engine for externally-interesting events and forwards them to
// a downstream system. Publishing is best-effort: it never blocks or alters
// engine decisions, and Redis is transport only, never a store.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/clusterfabric/plb/internal/engine"
	"github.com/clusterfabric/plb/internal/movement"
	"github.com/clusterfabric/plb/internal/system"
	"github.com/clusterfabric/plb/pkg/logger"
)

// Event is the payload published to the configured channel whenever the
// engine's movement map differs from the one last published, including the
// change to an empty map.
type Event struct {
	RefreshedAt time.Time    `json:"refreshed_at"`
	Movements   movement.Map `json:"movements"`
}

// Publisher polls the engine's last-refresh movement map and republishes any
// change to Redis. It is a system.Service so it starts/stops alongside the
// HTTP API and scheduler.
type Publisher struct {
	eng      *engine.Engine
	client   *redis.Client
	channel  string
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	lastMap string // JSON of the movement map last published
}

var _ system.Service = (*Publisher)(nil)

// New creates a publisher. If addr is empty, the returned Publisher's
// Start/Stop are no-ops; notification is opt-in.
func New(eng *engine.Engine, addr, channel string, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	p := &Publisher{eng: eng, channel: channel, interval: time.Second, log: log}
	if addr != "" {
		p.client = redis.NewClient(&redis.Options{Addr: addr})
	}
	return p
}

func (p *Publisher) Name() string { return "notify-publisher" }

func (p *Publisher) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:         "notify-publisher",
		Layer:        system.LayerObservation,
		Capabilities: []string{"pubsub"},
	}
}

// Start begins polling for movement-map changes. A nil redis client (no
// address configured) makes Start a no-op.
func (p *Publisher) Start(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				p.publishIfChanged(runCtx, now)
			}
		}
	}()

	p.log.Info("notify publisher started")
	return nil
}

func (p *Publisher) publishIfChanged(ctx context.Context, now time.Time) {
	movements := p.eng.Movements()
	current, err := json.Marshal(movements)
	if err != nil {
		p.log.WithError(err).Warn("marshal notify event")
		return
	}
	if string(current) == p.lastMap || (len(movements) == 0 && p.lastMap == "") {
		return
	}
	p.lastMap = string(current)

	payload, err := json.Marshal(Event{RefreshedAt: now, Movements: movements})
	if err != nil {
		p.log.WithError(err).Warn("marshal notify event")
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.WithError(err).Warn("publish notify event")
	}
}

// Stop halts the polling loop and closes the Redis client.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.log.Info("notify publisher stopped")
	return p.client.Close()
}
