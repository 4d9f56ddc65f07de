package whatsapp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/wasession/config"
	"github.com/talkincode/wasession/pkg/metrics"
	"go.uber.org/zap"
)

// TopicTransition is published on the internal bus after every commit.
const TopicTransition = "whatsapp:transition"

// topicPersist carries the commits that are written to the state store.
const topicPersist = "whatsapp:persist"

const (
	metricTransitionPrefix = "whatsapp_transition_"
	MetricConnectRejected  = "whatsapp_connect_rejected"
	MetricReadyLatency     = "whatsapp_ready_latency_seconds"
)

func observeReady(d time.Duration) {
	metrics.Observe(MetricReadyLatency, d.Seconds())
}

// TransitionMetric names the counter bumped on each commit into status.
func TransitionMetric(s Status) string {
	return metricTransitionPrefix + string(s)
}

// Coordinator is the session service the HTTP layer talks to. It owns the
// registry, the broadcaster, the admission gate and the persistence hook.
type Coordinator struct {
	cfg         config.WhatsAppConfig
	clock       *Clock
	driver      Driver
	store       StateStore
	events      EventLog
	registry    *Registry
	broadcaster *Broadcaster
	gate        *Gate
	bus         EventBus.Bus
	pool        *ants.Pool
	draining    atomic.Bool

	busMu     sync.RWMutex
	busClosed bool
}

func New(cfg config.WhatsAppConfig, driver Driver, store StateStore) (*Coordinator, error) {
	if driver == nil {
		return nil, errors.New("whatsapp: driver is required")
	}
	if store == nil {
		store = NewMemoryStateStore()
	}
	pool, err := ants.NewPool(cfg.OpenWorkers,
		ants.WithPanicHandler(func(p interface{}) {
			zap.L().Error("whatsapp: driver open panic", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create open pool")
	}

	clock := NewClock()
	c := &Coordinator{
		cfg:         cfg,
		clock:       clock,
		driver:      driver,
		store:       store,
		broadcaster: NewBroadcaster(clock, cfg.SubscriberBuffer),
		gate: NewGate(GateConfig{
			TenantQuota: cfg.ConnectQuota,
			NetQuota:    cfg.IPQuota,
			Window:      cfg.QuotaWindow,
		}),
		bus:  EventBus.New(),
		pool: pool,
	}
	c.registry = newRegistry(c.newActor, c.broadcaster.detach)

	if err := c.bus.SubscribeAsync(topicPersist, c.persist, false); err != nil {
		return nil, err
	}
	if log, ok := store.(EventLog); ok {
		c.events = log
		if err := c.bus.SubscribeAsync(TopicTransition, c.record, false); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Coordinator) newActor(tenant string) *actor {
	a := &actor{
		tenant:   tenant,
		driver:   c.driver,
		opener:   c.pool,
		clock:    c.clock,
		cfg:      actorConfig{PairingTimeout: c.cfg.PairingTimeout},
		onCommit: c.committed,
		refund:   c.gate.Refund,
		log:      zap.L().With(zap.String("namespace", "whatsapp"), zap.String("tenant", tenant)),
	}
	a.topic = c.broadcaster.attach(tenant, a)
	a.start()
	return a
}

// committed runs on the actor goroutine right after a state is published.
// The disconnects caused by shutdown are not persisted so that ready
// tenants can be resumed.
func (c *Coordinator) committed(st SessionState) {
	metrics.Incr(TransitionMetric(st.Status))
	c.busMu.RLock()
	defer c.busMu.RUnlock()
	if c.busClosed {
		return
	}
	c.bus.Publish(TopicTransition, st)
	if !c.draining.Load() {
		c.bus.Publish(topicPersist, st)
	}
}

// persist keeps the last state of each tenant.
func (c *Coordinator) persist(st SessionState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.store.Save(ctx, st)
	switch {
	case err == nil, errors.Is(err, ErrStaleState):
	default:
		zap.L().Warn("whatsapp: persist session state", zap.String("tenant", st.Tenant), zap.Error(err))
	}
}

// record appends every transition, shutdown included, to the history.
func (c *Coordinator) record(st SessionState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.Append(ctx, st); err != nil {
		zap.L().Warn("whatsapp: record session transition", zap.String("tenant", st.Tenant), zap.Error(err))
	}
}

// Connect admits and starts a connection attempt. Calling it while an
// attempt is running or the session is ready returns the current state.
func (c *Coordinator) Connect(ctx context.Context, tenant, clientAddr string) (SessionState, error) {
	if err := ValidateTenant(tenant); err != nil {
		return SessionState{}, err
	}
	if cur := c.Status(tenant); cur.Status == StatusReady {
		return cur, nil
	}
	ticket, err := c.gate.Allow(tenant, clientAddr)
	if err != nil {
		metrics.Incr(MetricConnectRejected)
		zap.L().Info("whatsapp: connect rejected", zap.String("tenant", tenant), zap.Error(err))
		return c.Status(tenant), err
	}
	for attempt := 0; attempt < 2; attempt++ {
		h, err := c.registry.GetOrCreate(tenant)
		if err != nil {
			c.gate.Refund(ticket)
			return c.Status(tenant), err
		}
		st, err := h.a.connect(ctx, &admission{ticket: ticket})
		if errors.Is(err, ErrClosed) {
			// reaped between lookup and send, the next lookup creates a fresh actor
			continue
		}
		if err != nil {
			c.gate.Refund(ticket)
			return st, err
		}
		return st, nil
	}
	c.gate.Refund(ticket)
	return c.Status(tenant), ErrClosed
}

// Disconnect always succeeds; a tenant without an actor is left alone.
func (c *Coordinator) Disconnect(ctx context.Context, tenant string) (SessionState, error) {
	if err := ValidateTenant(tenant); err != nil {
		return SessionState{}, err
	}
	h, ok := c.registry.Get(tenant)
	if !ok {
		return c.Status(tenant), nil
	}
	st, err := h.Disconnect(ctx)
	if errors.Is(err, ErrClosed) {
		return c.Status(tenant), nil
	}
	return st, err
}

// Status is a point-in-time read that never creates an actor.
func (c *Coordinator) Status(tenant string) SessionState {
	if h, ok := c.registry.Get(tenant); ok {
		return h.State()
	}
	return idleState(tenant, c.clock.Next())
}

func (c *Coordinator) Subscribe(tenant string) (*Subscription, error) {
	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}
	return c.broadcaster.Subscribe(tenant)
}

func (c *Coordinator) Unsubscribe(sub *Subscription) {
	c.broadcaster.Unsubscribe(sub)
}

// Remove forgets a tenant's actor after stopping it.
func (c *Coordinator) Remove(ctx context.Context, tenant string) error {
	return c.registry.Remove(ctx, tenant)
}

// Reap evicts actors that rested longer than the session ttl.
func (c *Coordinator) Reap(ctx context.Context) int {
	n := c.registry.Reap(ctx, c.cfg.SessionTTL)
	if n > 0 {
		zap.L().Info("whatsapp: reaped idle sessions", zap.Int("count", n))
	}
	metrics.SetGauge("whatsapp_actors", int64(c.registry.Len()))
	return n
}

// Sessions returns the persisted records.
func (c *Coordinator) Sessions(ctx context.Context) ([]SessionState, error) {
	return c.store.List(ctx)
}

// Live returns the current state of every tenant with an actor.
func (c *Coordinator) Live() []SessionState {
	tenants := c.registry.Tenants()
	out := make([]SessionState, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, c.Status(t))
	}
	sortStates(out)
	return out
}

// History returns the newest recorded transitions of tenant.
func (c *Coordinator) History(ctx context.Context, tenant string, limit int) ([]SessionState, error) {
	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}
	if c.events == nil {
		return nil, ErrNoHistory
	}
	return c.events.History(ctx, tenant, limit)
}

// PruneHistory drops transitions older than retention.
func (c *Coordinator) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	if c.events == nil {
		return 0, nil
	}
	return c.events.Prune(ctx, time.Now().Add(-retention))
}

// QuotaUsed reports the charged attempts currently counted for tenant.
func (c *Coordinator) QuotaUsed(tenant string) int {
	return c.gate.Used(tenant)
}

// Resume reconnects tenants persisted as ready, bypassing the gate.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	states, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, st := range states {
		c.clock.Observe(st.UpdatedAt)
	}
	n := 0
	for _, st := range states {
		if st.Status != StatusReady || ValidateTenant(st.Tenant) != nil {
			continue
		}
		h, err := c.registry.GetOrCreate(st.Tenant)
		if err != nil {
			return n, err
		}
		if _, err := h.Connect(ctx); err != nil {
			zap.L().Warn("whatsapp: resume session", zap.String("tenant", st.Tenant), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Driver exposes the configured driver, e.g. for the simulator routes.
func (c *Coordinator) Driver() Driver {
	return c.driver
}

// Shutdown drains actors, closes subscribers and flushes persistence.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.draining.Store(true)
	err := c.registry.Shutdown(ctx)
	c.broadcaster.Close()
	// no publisher may race the wait, including actors that outlived ctx
	c.busMu.Lock()
	c.busClosed = true
	c.busMu.Unlock()
	c.bus.WaitAsync()
	c.pool.Release()
	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
