package whatsapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrNoSimulatedSession = errors.New("no open simulated session")

// Simulator is a scripted Driver. Open emits a pairing code, or Paired when
// the tenant was paired before, and the rest is driven through Pair, Rotate,
// Fail and LoseLink.
type Simulator struct {
	mu       sync.Mutex
	sessions map[string]*simSession
	paired   map[string]bool
	held     map[string]bool
	failOpen map[string]error
	ids      *snowflake.Node
}

func NewSimulator() *Simulator {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return &Simulator{
		sessions: make(map[string]*simSession),
		paired:   make(map[string]bool),
		held:     make(map[string]bool),
		failOpen: make(map[string]error),
		ids:      node,
	}
}

type simSession struct {
	tenant string
	sim    *Simulator
	events chan DriverEvent
	done   chan struct{}
	once   sync.Once
}

func (s *simSession) Events() <-chan DriverEvent { return s.events }

func (s *simSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.sim.mu.Lock()
		if s.sim.sessions[s.tenant] == s {
			delete(s.sim.sessions, s.tenant)
		}
		s.sim.mu.Unlock()
	})
	return nil
}

func (s *simSession) emit(ev DriverEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Simulator) artifact(tenant string) string {
	return fmt.Sprintf("2@%s,%s", s.ids.Generate().Base58(), tenant)
}

// Hold makes the next Open calls for tenant block until their context ends.
func (s *Simulator) Hold(tenant string, hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[tenant] = hold
}

// FailOpen makes Open return err for tenant, nil clears it.
func (s *Simulator) FailOpen(tenant string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOpen, tenant)
		return
	}
	s.failOpen[tenant] = err
}

// Remember marks tenant as paired, as a device linked in an earlier run would be.
func (s *Simulator) Remember(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paired[tenant] = true
}

// Forget drops the remembered pairing of tenant.
func (s *Simulator) Forget(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paired, tenant)
}

func (s *Simulator) Open(ctx context.Context, tenant string) (DriverSession, error) {
	s.mu.Lock()
	held := s.held[tenant]
	failErr := s.failOpen[tenant]
	s.mu.Unlock()

	if held {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failErr != nil {
		return nil, failErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess := &simSession{
		tenant: tenant,
		sim:    s,
		events: make(chan DriverEvent, 16),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if prev := s.sessions[tenant]; prev != nil {
		s.mu.Unlock()
		_ = prev.Close()
		s.mu.Lock()
	}
	s.sessions[tenant] = sess
	paired := s.paired[tenant]
	s.mu.Unlock()

	if paired {
		sess.emit(DriverEvent{Kind: DriverPaired})
	} else {
		sess.emit(DriverEvent{Kind: DriverPairingCode, Artifact: s.artifact(tenant)})
	}
	zap.L().Debug("whatsapp: simulator session opened", zap.String("tenant", tenant), zap.Bool("paired", paired))
	return sess, nil
}

func (s *Simulator) session(tenant string) (*simSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[tenant]
	if sess == nil {
		return nil, errors.Wrap(ErrNoSimulatedSession, tenant)
	}
	return sess, nil
}

// Active reports whether tenant has an open simulated session.
func (s *Simulator) Active(tenant string) bool {
	_, err := s.session(tenant)
	return err == nil
}

// Pair completes pairing and remembers the tenant as linked.
func (s *Simulator) Pair(tenant string) error {
	sess, err := s.session(tenant)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.paired[tenant] = true
	s.mu.Unlock()
	sess.emit(DriverEvent{Kind: DriverPaired})
	return nil
}

// Rotate replaces the pairing code, as an expiring code would.
func (s *Simulator) Rotate(tenant string) error {
	sess, err := s.session(tenant)
	if err != nil {
		return err
	}
	sess.emit(DriverEvent{Kind: DriverPairingCode, Artifact: s.artifact(tenant)})
	return nil
}

func (s *Simulator) Fail(tenant string, reason string) error {
	sess, err := s.session(tenant)
	if err != nil {
		return err
	}
	sess.emit(DriverEvent{Kind: DriverFailed, Err: errors.New(reason)})
	return nil
}

func (s *Simulator) LoseLink(tenant string) error {
	sess, err := s.session(tenant)
	if err != nil {
		return err
	}
	sess.emit(DriverEvent{Kind: DriverLinkLost, Err: errors.New("connection lost")})
	return nil
}
