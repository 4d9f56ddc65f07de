package whatsapp

import (
	"context"
	"testing"
	"time"

	"github.com/talkincode/wasession/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const waitTimeout = 3 * time.Second

// observeLogs routes the global logger into an in-memory sink for the test.
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	undo := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(undo)
	return logs
}

func testConfig() config.WhatsAppConfig {
	return config.WhatsAppConfig{
		Driver:           "simulator",
		ConnectQuota:     3,
		IPQuota:          100,
		QuotaWindow:      time.Hour,
		SessionTTL:       time.Hour,
		PairingTimeout:   time.Minute,
		OpenWorkers:      4,
		SubscriberBuffer: 32,
	}
}

func newTestCoordinator(t *testing.T, mutate func(*config.WhatsAppConfig)) (*Coordinator, *Simulator, *MemoryStateStore) {
	t.Helper()
	observeLogs(t)
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	sim := NewSimulator()
	store := NewMemoryStateStore()
	c, err := New(cfg, sim, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, sim, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, c *Coordinator, tenant string, want Status) SessionState {
	t.Helper()
	var st SessionState
	waitFor(t, string(want), func() bool {
		st = c.Status(tenant)
		return st.Status == want
	})
	return st
}

func nextEvent(t *testing.T, sub *Subscription) SessionState {
	t.Helper()
	select {
	case st, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return st
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a published state")
	}
	return SessionState{}
}

// nextStatusEvent skips published states until one with the wanted status arrives.
func nextStatusEvent(t *testing.T, sub *Subscription, want Status) SessionState {
	t.Helper()
	for {
		st := nextEvent(t, sub)
		if st.Status == want {
			return st
		}
	}
}

func expectNoEvent(t *testing.T, sub *Subscription, d time.Duration) {
	t.Helper()
	select {
	case st, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected published state %+v", st)
		}
	case <-time.After(d):
	}
}

func connect(t *testing.T, c *Coordinator, tenant string) SessionState {
	t.Helper()
	st, err := c.Connect(context.Background(), tenant, "203.0.113.7")
	if err != nil {
		t.Fatalf("Connect(%s): %v", tenant, err)
	}
	return st
}
