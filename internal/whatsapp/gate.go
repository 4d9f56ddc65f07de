package whatsapp

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/c-robinson/iplib"
	"github.com/pkg/errors"
)

const gateShards = 16

var ErrQuotaExceeded = errors.New("connect quota exceeded")

// QuotaError says which key ran out and when the oldest charge leaves the window.
type QuotaError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("connect quota exceeded for %s, retry after %s", e.Key, e.RetryAfter.Round(time.Second))
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }

// Ticket is one charged connect attempt.
type Ticket struct {
	ID     snowflake.ID
	Tenant string
	Net    string
	At     time.Time
}

// GateConfig limits are charges per Window; a zero limit disables that key.
type GateConfig struct {
	TenantQuota int
	NetQuota    int
	Window      time.Duration
}

// Gate is the sliding-window admission check in front of connect. Attempts
// are charged when admitted; the actor that runs an attempt refunds its
// tickets when it ends in ready.
type Gate struct {
	cfg    GateConfig
	now    func() time.Time
	ids    *snowflake.Node
	shards [gateShards]gateShard
}

type gateShard struct {
	mu      sync.Mutex
	windows map[string][]Ticket
}

func NewGate(cfg GateConfig) *Gate {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	g := &Gate{cfg: cfg, now: time.Now, ids: node}
	for i := range g.shards {
		g.shards[i].windows = make(map[string][]Ticket)
	}
	return g
}

func (g *Gate) shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % gateShards)
}

// lock takes the shards of both keys in index order.
func (g *Gate) lock(a, b string) func() {
	i, j := g.shardIndex(a), g.shardIndex(b)
	if i > j {
		i, j = j, i
	}
	g.shards[i].mu.Lock()
	if j != i {
		g.shards[j].mu.Lock()
	}
	return func() {
		if j != i {
			g.shards[j].mu.Unlock()
		}
		g.shards[i].mu.Unlock()
	}
}

func tenantKey(tenant string) string { return "tenant:" + tenant }

// NetKey maps a client address to its quota key: the address itself for
// IPv4 and the enclosing /64 for IPv6. Unparsable input is used verbatim.
func NetKey(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return "net:" + addr
	}
	if v4 := ip.To4(); v4 != nil {
		return "net:" + v4.String()
	}
	return "net:" + iplib.NewNet6(ip.Mask(net.CIDRMask(64, 128)), 64, 0).String()
}

// prune drops charges older than the window and returns what is left.
func (g *Gate) prune(sh *gateShard, key string, now time.Time) []Ticket {
	hits := sh.windows[key]
	cut := 0
	for cut < len(hits) && now.Sub(hits[cut].At) >= g.cfg.Window {
		cut++
	}
	if cut > 0 {
		hits = append(hits[:0:0], hits[cut:]...)
		if len(hits) == 0 {
			delete(sh.windows, key)
		} else {
			sh.windows[key] = hits
		}
	}
	return hits
}

func (g *Gate) check(key string, limit int, now time.Time) error {
	if limit <= 0 {
		return nil
	}
	sh := &g.shards[g.shardIndex(key)]
	hits := g.prune(sh, key, now)
	if len(hits) >= limit {
		return &QuotaError{Key: key, RetryAfter: g.cfg.Window - now.Sub(hits[0].At)}
	}
	return nil
}

// Allow charges one attempt to tenant and the client network, or fails with
// a *QuotaError when either is exhausted. A rejected call charges nothing.
func (g *Gate) Allow(tenant, clientAddr string) (Ticket, error) {
	tk, nk := tenantKey(tenant), NetKey(clientAddr)
	unlock := g.lock(tk, nk)
	defer unlock()

	now := g.now()
	if err := g.check(tk, g.cfg.TenantQuota, now); err != nil {
		return Ticket{}, err
	}
	if err := g.check(nk, g.cfg.NetQuota, now); err != nil {
		return Ticket{}, err
	}
	ticket := Ticket{ID: g.ids.Generate(), Tenant: tenant, Net: nk, At: now}
	tsh := &g.shards[g.shardIndex(tk)]
	tsh.windows[tk] = append(tsh.windows[tk], ticket)
	nsh := &g.shards[g.shardIndex(nk)]
	nsh.windows[nk] = append(nsh.windows[nk], ticket)
	return ticket, nil
}

// Refund removes a charge from both windows. Refunding twice is harmless.
func (g *Gate) Refund(t Ticket) {
	tk := tenantKey(t.Tenant)
	unlock := g.lock(tk, t.Net)
	defer unlock()
	g.remove(tk, t.ID)
	g.remove(t.Net, t.ID)
}

func (g *Gate) remove(key string, id snowflake.ID) {
	sh := &g.shards[g.shardIndex(key)]
	hits := without(sh.windows[key], id)
	if len(hits) == 0 {
		delete(sh.windows, key)
		return
	}
	sh.windows[key] = hits
}

func without(tickets []Ticket, id snowflake.ID) []Ticket {
	for i, t := range tickets {
		if t.ID == id {
			return append(tickets[:i:i], tickets[i+1:]...)
		}
	}
	return tickets
}

// Used returns the charges currently counted against tenant.
func (g *Gate) Used(tenant string) int {
	tk := tenantKey(tenant)
	sh := &g.shards[g.shardIndex(tk)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(g.prune(sh, tk, g.now()))
}
