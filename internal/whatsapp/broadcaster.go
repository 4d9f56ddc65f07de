package whatsapp

import (
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

const broadcastShards = 32

// Broadcaster fans committed states out to per-tenant subscribers. Each
// tenant has a topic holding the last committed state and its subscriber
// set under one lock, so a new subscriber sees exactly the state a
// concurrent poll sees and nothing published before it.
type Broadcaster struct {
	clock  *Clock
	buffer int
	shards [broadcastShards]broadcastShard
}

type broadcastShard struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	tenant  string
	mu      sync.Mutex
	owner   *actor
	current SessionState
	has     bool
	subs    map[*Subscription]struct{}
}

// Subscription is a live feed of one tenant's states. The channel is closed
// when the subscription is dropped, by Unsubscribe, by a slow reader or by
// shutdown.
type Subscription struct {
	tenant string
	ch     chan SessionState
}

func (s *Subscription) Tenant() string { return s.tenant }

func (s *Subscription) Events() <-chan SessionState { return s.ch }

func NewBroadcaster(clock *Clock, buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	b := &Broadcaster{clock: clock, buffer: buffer}
	for i := range b.shards {
		b.shards[i].topics = make(map[string]*topic)
	}
	return b
}

func (b *Broadcaster) shard(tenant string) *broadcastShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenant))
	return &b.shards[h.Sum32()%broadcastShards]
}

// Subscribe registers a feed and enqueues the current state as its first item.
func (b *Broadcaster) Subscribe(tenant string) (*Subscription, error) {
	sh := b.shard(tenant)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return nil, ErrClosed
	}
	t := sh.topicLocked(tenant)

	t.mu.Lock()
	defer t.mu.Unlock()
	sub := &Subscription{tenant: tenant, ch: make(chan SessionState, b.buffer)}
	first := t.current
	if !t.has {
		first = idleState(tenant, b.clock.Next())
	}
	sub.ch <- first
	t.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe drops the feed; calling it twice is harmless.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sh := b.shard(sub.tenant)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.topics[sub.tenant]
	if t == nil {
		return
	}
	t.mu.Lock()
	if _, ok := t.subs[sub]; ok {
		delete(t.subs, sub)
		close(sub.ch)
	}
	idle := t.owner == nil && len(t.subs) == 0
	t.mu.Unlock()
	if idle {
		delete(sh.topics, sub.tenant)
	}
}

// Current returns the last committed state, false when no actor has committed one.
func (b *Broadcaster) Current(tenant string) (SessionState, bool) {
	sh := b.shard(tenant)
	sh.mu.Lock()
	t := sh.topics[tenant]
	sh.mu.Unlock()
	if t == nil {
		return SessionState{}, false
	}
	return t.snapshot()
}

// Subscribers counts live feeds of tenant.
func (b *Broadcaster) Subscribers(tenant string) int {
	sh := b.shard(tenant)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.topics[tenant]
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close drops every subscriber and refuses new ones.
func (b *Broadcaster) Close() {
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		sh.closed = true
		for tenant, t := range sh.topics {
			t.mu.Lock()
			for sub := range t.subs {
				delete(t.subs, sub)
				close(sub.ch)
			}
			t.mu.Unlock()
			delete(sh.topics, tenant)
		}
		sh.mu.Unlock()
	}
}

// attach makes a the writer of tenant's topic. A previous owner's later
// commits are discarded and its last state is not carried over: readers see
// idle until a commits.
func (b *Broadcaster) attach(tenant string, a *actor) *topic {
	sh := b.shard(tenant)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.topicLocked(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != a {
		inherited := t.has
		t.owner = a
		t.has = false
		t.current = SessionState{}
		if inherited {
			t.fanoutLocked(idleState(tenant, b.clock.Next()))
		}
	}
	return t
}

// detach releases the topic when a is still its owner. Subscribers get a
// fresh idle state, the state a poll returns for a tenant with no actor.
func (b *Broadcaster) detach(tenant string, a *actor) {
	sh := b.shard(tenant)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	t := sh.topics[tenant]
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != a {
		return
	}
	t.owner = nil
	t.has = false
	if len(t.subs) == 0 {
		delete(sh.topics, tenant)
		return
	}
	t.fanoutLocked(idleState(tenant, b.clock.Next()))
}

func (sh *broadcastShard) topicLocked(tenant string) *topic {
	t := sh.topics[tenant]
	if t == nil {
		t = &topic{tenant: tenant, subs: make(map[*Subscription]struct{})}
		sh.topics[tenant] = t
	}
	return t
}

// commit is the actor's write path. It returns false once a has lost ownership.
func (t *topic) commit(a *actor, st SessionState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != a {
		return false
	}
	t.setLocked(st)
	return true
}

func (t *topic) snapshot() (SessionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.has
}

func (t *topic) setLocked(st SessionState) {
	t.current = st
	t.has = true
	t.fanoutLocked(st)
}

func (t *topic) fanoutLocked(st SessionState) {
	for sub := range t.subs {
		select {
		case sub.ch <- st:
		default:
			delete(t.subs, sub)
			close(sub.ch)
			zap.L().Warn("whatsapp: dropping slow subscriber",
				zap.String("tenant", t.tenant), zap.String("status", string(st.Status)))
		}
	}
}
