package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultEndpointBuffer = 256

// Hub connects sessions living in the same process.
type Hub struct {
	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{endpoints: map[*Endpoint]struct{}{}, logger: logger}
}

// Endpoint is one participant on a Hub. It implements Broadcaster.
type Endpoint struct {
	hub    *Hub
	origin string
	subs   subscribers
	queue  chan Envelope
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (h *Hub) Join() *Endpoint {
	ep := &Endpoint{
		hub:    h,
		origin: uuid.NewString(),
		queue:  make(chan Envelope, defaultEndpointBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.endpoints[ep] = struct{}{}
	h.mu.Unlock()
	ep.wg.Add(1)
	go ep.deliverLoop()
	return ep
}

func (e *Endpoint) Origin() string {
	return e.origin
}

func (e *Endpoint) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	if !env.Channel.Valid() {
		return ErrInvalidInput
	}
	env.Origin = e.origin
	e.hub.mu.Lock()
	targets := make([]*Endpoint, 0, len(e.hub.endpoints))
	for ep := range e.hub.endpoints {
		if ep != e {
			targets = append(targets, ep)
		}
	}
	e.hub.mu.Unlock()
	for _, target := range targets {
		target.enqueue(env)
	}
	return nil
}

func (e *Endpoint) Subscribe(fn func(Envelope)) func() {
	return e.subs.add(fn)
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.hub.mu.Lock()
		delete(e.hub.endpoints, e)
		e.hub.mu.Unlock()
		close(e.done)
		e.wg.Wait()
	})
	return nil
}

func (e *Endpoint) enqueue(env Envelope) {
	select {
	case <-e.done:
	case e.queue <- env:
	default:
		e.hub.logger.Warn("dropping broadcast envelope for slow endpoint",
			zap.String("channel", string(env.Channel)),
			zap.String("action", env.Action),
		)
	}
}

func (e *Endpoint) deliverLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case env := <-e.queue:
			e.subs.deliver(env)
		}
	}
}
