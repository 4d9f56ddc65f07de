package whatsapp

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const registryShards = 32

// Handle is the caller's view of one tenant's actor.
type Handle struct {
	a *actor
}

func (h *Handle) Tenant() string { return h.a.tenant }

func (h *Handle) State() SessionState { return h.a.State() }

func (h *Handle) Connect(ctx context.Context) (SessionState, error) { return h.a.connect(ctx, nil) }

func (h *Handle) Disconnect(ctx context.Context) (SessionState, error) { return h.a.disconnect(ctx) }

// Registry maps tenants to their single live actor. Lookups on different
// shards never contend.
type Registry struct {
	shards   [registryShards]registryShard
	newActor func(tenant string) *actor
	release  func(tenant string, a *actor)
	closed   atomic.Bool
}

type registryShard struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func newRegistry(newActor func(string) *actor, release func(string, *actor)) *Registry {
	r := &Registry{newActor: newActor, release: release}
	for i := range r.shards {
		r.shards[i].handles = make(map[string]*Handle)
	}
	return r
}

func (r *Registry) shard(tenant string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenant))
	return &r.shards[h.Sum32()%registryShards]
}

// Get never creates an actor.
func (r *Registry) Get(tenant string) (*Handle, bool) {
	sh := r.shard(tenant)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	h, ok := sh.handles[tenant]
	return h, ok
}

// GetOrCreate returns the tenant's actor, creating it on first use. The
// first writer wins, concurrent callers all get the same handle. An actor
// that stopped but is still mapped is replaced.
func (r *Registry) GetOrCreate(tenant string) (*Handle, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if h, ok := r.Get(tenant); ok && h.a.alive() {
		return h, nil
	}
	sh := r.shard(tenant)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if h, ok := sh.handles[tenant]; ok && h.a.alive() {
		return h, nil
	}
	h := &Handle{a: r.newActor(tenant)}
	sh.handles[tenant] = h
	return h, nil
}

// Remove forcibly stops the tenant's actor and forgets it.
func (r *Registry) Remove(ctx context.Context, tenant string) error {
	sh := r.shard(tenant)
	sh.mu.Lock()
	h, ok := sh.handles[tenant]
	delete(sh.handles, tenant)
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	return r.retire(ctx, h)
}

func (r *Registry) retire(ctx context.Context, h *Handle) error {
	err := h.a.stop(ctx)
	if r.release != nil {
		r.release(h.a.tenant, h.a)
	}
	return err
}

// forget drops h from the map unless another actor took its place.
func (r *Registry) forget(h *Handle) {
	sh := r.shard(h.a.tenant)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.handles[h.a.tenant] == h {
		delete(sh.handles, h.a.tenant)
	}
}

// Reap removes actors resting longer than ttl and returns how many went.
// Each candidate decides on its own goroutine, so one that took a connect
// after it was picked stays.
func (r *Registry) Reap(ctx context.Context, ttl time.Duration) int {
	now := time.Now()
	var candidates []*Handle
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, h := range sh.handles {
			if h.a.State().Status.Resting() && h.a.idleFor(now) > ttl {
				candidates = append(candidates, h)
			}
		}
		sh.mu.RUnlock()
	}
	n := 0
	for _, h := range candidates {
		reaped, err := h.a.reap(ctx, ttl)
		if err != nil {
			zap.L().Warn("whatsapp: reaping actor", zap.String("tenant", h.a.tenant), zap.Error(err))
			continue
		}
		if !reaped {
			continue
		}
		r.forget(h)
		if r.release != nil {
			r.release(h.a.tenant, h.a)
		}
		n++
	}
	return n
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.handles)
		sh.mu.RUnlock()
	}
	return n
}

// Tenants lists the tenants that currently have an actor.
func (r *Registry) Tenants() []string {
	var out []string
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for tenant := range sh.handles {
			out = append(out, tenant)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Shutdown refuses new actors and stops the existing ones in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closed.Store(true)
	var handles []*Handle
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for tenant, h := range sh.handles {
			handles = append(handles, h)
			delete(sh.handles, tenant)
		}
		sh.mu.Unlock()
	}
	var g errgroup.Group
	g.SetLimit(32)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			return r.retire(ctx, h)
		})
	}
	return g.Wait()
}
