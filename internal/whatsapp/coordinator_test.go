package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/talkincode/wasession/config"
)

func TestPairingFlow(t *testing.T) {
	c, sim, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	st := connect(t, c, "acme")
	if st.Status != StatusInitializing {
		t.Fatalf("connect returned %s, want initializing", st.Status)
	}
	qr := waitStatus(t, c, "acme", StatusWaitingQR)
	if qr.PairingArtifact == "" || qr.LastError != "" {
		t.Fatalf("waiting_qr state = %+v", qr)
	}

	if err := sim.Pair("acme"); err != nil {
		t.Fatal(err)
	}
	ready := waitStatus(t, c, "acme", StatusReady)
	if ready.PairingArtifact != "" {
		t.Fatalf("ready state kept the artifact: %+v", ready)
	}

	st, err := c.Disconnect(ctx, "acme")
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if st.Status != StatusDisconnected {
		t.Fatalf("Disconnect returned %s", st.Status)
	}
	if got := c.Status("acme"); got != st {
		t.Fatalf("status after disconnect = %+v, want %+v", got, st)
	}
	if sim.Active("acme") {
		t.Fatal("driver session left open")
	}

	waitFor(t, "persisted disconnect", func() bool {
		rec, ok, _ := store.Load(ctx, "acme")
		return ok && rec == st
	})
}

func TestPublishedWalkIsValidAndIncreasing(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, nil)
	sub, err := c.Subscribe("acme")
	if err != nil {
		t.Fatal(err)
	}
	var pushed, polled []SessionState
	pushed = append(pushed, nextEvent(t, sub))

	step := func(want Status) {
		t.Helper()
		st := nextStatusEvent(t, sub, want)
		pushed = append(pushed, st)
		polled = append(polled, c.Status("acme"))
	}

	connect(t, c, "acme")
	step(StatusInitializing)
	step(StatusWaitingQR)
	if err := sim.Rotate("acme"); err != nil {
		t.Fatal(err)
	}
	step(StatusWaitingQR)
	if err := sim.Pair("acme"); err != nil {
		t.Fatal(err)
	}
	step(StatusReady)
	if err := sim.LoseLink("acme"); err != nil {
		t.Fatal(err)
	}
	step(StatusDisconnected)
	connect(t, c, "acme")
	step(StatusInitializing)
	// the device is remembered as paired, no new code is needed
	step(StatusReady)

	for i := 1; i < len(pushed); i++ {
		prev, next := pushed[i-1], pushed[i]
		if !next.NewerThan(prev) {
			t.Errorf("push %d: updatedAt %s not after %s", i, next.UpdatedAt, prev.UpdatedAt)
		}
		if i > 1 && !reachable(prev.Status, next.Status) {
			t.Errorf("push %d: %s -> %s is not in the transition table", i, prev.Status, next.Status)
		}
	}
	for i := 1; i < len(polled); i++ {
		if polled[i].UpdatedAt.Before(polled[i-1].UpdatedAt) {
			t.Errorf("poll %d went back in time", i)
		}
	}
	// every poll matches or follows the push it was taken after
	for i, p := range polled {
		if p.UpdatedAt.Before(pushed[i+1].UpdatedAt) {
			t.Errorf("poll %d older than the push before it", i)
		}
	}
	for i := 1; i < len(pushed); i++ {
		st := pushed[i]
		if (st.Status == StatusWaitingQR) != (st.PairingArtifact != "") {
			t.Errorf("artifact/status mismatch in %+v", st)
		}
		if (st.Status == StatusError) != (st.LastError != "") {
			t.Errorf("lastError/status mismatch in %+v", st)
		}
	}
}

func reachable(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func TestSubscribeFirstEventMatchesPoll(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	connect(t, c, "acme")
	polled := waitStatus(t, c, "acme", StatusWaitingQR)

	sub, err := c.Subscribe("acme")
	if err != nil {
		t.Fatal(err)
	}
	if first := nextEvent(t, sub); first != polled {
		t.Fatalf("first pushed %+v, polled %+v", first, polled)
	}
}

func TestDisconnectWhileInitializing(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, nil)
	sim.Hold("acme", true)

	sub, _ := c.Subscribe("acme")
	nextEvent(t, sub)
	connect(t, c, "acme")
	nextStatusEvent(t, sub, StatusInitializing)

	st, err := c.Disconnect(context.Background(), "acme")
	if err != nil || st.Status != StatusDisconnected {
		t.Fatalf("Disconnect = %+v, %v", st, err)
	}
	nextStatusEvent(t, sub, StatusDisconnected)

	// the cancelled open must not surface as a late transition
	expectNoEvent(t, sub, 50*time.Millisecond)
	if got := c.Status("acme").Status; got != StatusDisconnected {
		t.Fatalf("status = %s", got)
	}
}

func TestDisconnectWhileWaitingQR(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, nil)
	connect(t, c, "acme")
	waitStatus(t, c, "acme", StatusWaitingQR)

	if _, err := c.Disconnect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	if st := c.Status("acme"); st.Status != StatusDisconnected || st.PairingArtifact != "" {
		t.Fatalf("status = %+v", st)
	}
	if sim.Active("acme") {
		t.Fatal("driver session open after disconnect")
	}
	if err := sim.Rotate("acme"); !errors.Is(err, ErrNoSimulatedSession) {
		t.Fatalf("Rotate after disconnect = %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	connect(t, c, "acme")
	first, _ := c.Disconnect(context.Background(), "acme")
	second, err := c.Disconnect(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatalf("second disconnect produced a new state: %+v vs %+v", second, first)
	}
}

func TestPairingDeadline(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, func(cfg *config.WhatsAppConfig) {
		cfg.PairingTimeout = 30 * time.Millisecond
	})
	sub, _ := c.Subscribe("acme")
	connect(t, c, "acme")
	nextStatusEvent(t, sub, StatusWaitingQR)

	st := nextStatusEvent(t, sub, StatusError)
	if st.LastError != "pairing timed out" || st.PairingArtifact != "" {
		t.Fatalf("error state = %+v", st)
	}
	waitFor(t, "driver closed", func() bool { return !sim.Active("acme") })
}

func TestOpenFailureAndRetry(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, nil)
	sim.FailOpen("acme", errors.New("backend unreachable"))

	connect(t, c, "acme")
	st := waitStatus(t, c, "acme", StatusError)
	if st.LastError != "backend unreachable" {
		t.Fatalf("lastError = %q", st.LastError)
	}

	sim.FailOpen("acme", nil)
	if st := connect(t, c, "acme"); st.Status != StatusInitializing {
		t.Fatalf("connect from error = %s", st.Status)
	}
	waitStatus(t, c, "acme", StatusWaitingQR)
}

func TestEventsOutsideTableAreIgnored(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, nil)
	connect(t, c, "acme")
	before := waitStatus(t, c, "acme", StatusWaitingQR)

	if err := sim.LoseLink("acme"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if after := c.Status("acme"); after != before {
		t.Fatalf("link loss while pairing changed state: %+v", after)
	}
}

func TestConnectWhileInFlightIsNoop(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	connect(t, c, "acme")
	before := waitStatus(t, c, "acme", StatusWaitingQR)
	if st := connect(t, c, "acme"); st != before {
		t.Fatalf("second connect = %+v, want unchanged %+v", st, before)
	}
}

func TestFourthRapidConnectIsRejected(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, nil)
	sim.Hold("acme", true)

	for i := 0; i < 3; i++ {
		connect(t, c, "acme")
	}
	before := c.Status("acme")
	st, err := c.Connect(context.Background(), "acme", "203.0.113.7")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("4th connect err = %v, want ErrQuotaExceeded", err)
	}
	if st != before || c.Status("acme") != before {
		t.Fatalf("rejected connect touched the actor: %+v vs %+v", st, before)
	}
}

func TestQuotaCountsOnlyNonReadyOutcomes(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, nil)

	// attempts that end in ready are never charged
	for i := 0; i < 5; i++ {
		connect(t, c, "acme")
		if i == 0 {
			waitStatus(t, c, "acme", StatusWaitingQR)
			if err := sim.Pair("acme"); err != nil {
				t.Fatal(err)
			}
		}
		waitStatus(t, c, "acme", StatusReady)
		waitFor(t, "refund", func() bool { return c.QuotaUsed("acme") == 0 })
		if _, err := c.Disconnect(context.Background(), "acme"); err != nil {
			t.Fatal(err)
		}
	}

	// a forgotten device pairs again and failed attempts are charged
	sim.Forget("acme")
	for i := 0; i < 3; i++ {
		connect(t, c, "acme")
		waitStatus(t, c, "acme", StatusWaitingQR)
		if err := sim.Fail("acme", "scan rejected"); err != nil {
			t.Fatal(err)
		}
		waitStatus(t, c, "acme", StatusError)
	}
	if _, err := c.Connect(context.Background(), "acme", "203.0.113.7"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("connect past quota err = %v", err)
	}
}

func TestReadyAttemptIsRefundedAfterEarlierFailure(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, nil)
	connect(t, c, "acme")
	waitStatus(t, c, "acme", StatusWaitingQR)

	// a second connect is admitted while the first attempt is still pairing
	ticket, err := c.gate.Allow("acme", "203.0.113.7")
	if err != nil {
		t.Fatal(err)
	}
	// and the first attempt fails before that connect reaches the actor
	if err := sim.Fail("acme", "scan rejected"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, "acme", StatusError)

	h, err := c.registry.GetOrCreate("acme")
	if err != nil {
		t.Fatal(err)
	}
	st, err := h.a.connect(context.Background(), &admission{ticket: ticket})
	if err != nil || st.Status != StatusInitializing {
		t.Fatalf("second connect = %+v, %v", st, err)
	}
	waitStatus(t, c, "acme", StatusWaitingQR)
	if err := sim.Pair("acme"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, "acme", StatusReady)
	if used := c.QuotaUsed("acme"); used != 1 {
		t.Fatalf("QuotaUsed = %d, want 1: only the failed attempt counts", used)
	}
}

func TestCancelledConnectChargesOnlyHandledAttempts(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 16; i++ {
		tenant := fmt.Sprintf("t%d", i)
		st, err := c.Connect(ctx, tenant, "203.0.113.7")
		if err == nil {
			// the actor took the command before the caller gave up
			if st.Status != StatusInitializing || c.QuotaUsed(tenant) != 1 {
				t.Fatalf("%s handled connect = %+v, used %d", tenant, st, c.QuotaUsed(tenant))
			}
			continue
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("%s connect err = %v", tenant, err)
		}
		if used := c.QuotaUsed(tenant); used != 0 {
			t.Fatalf("%s abandoned connect charged %d", tenant, used)
		}
		time.Sleep(5 * time.Millisecond)
		if st := c.Status(tenant); st.Status != StatusIdle {
			t.Fatalf("%s abandoned connect still ran: %s", tenant, st.Status)
		}
	}
}

func TestConnectWhileReadyIsFree(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, func(cfg *config.WhatsAppConfig) { cfg.ConnectQuota = 1 })
	connect(t, c, "acme")
	waitStatus(t, c, "acme", StatusWaitingQR)
	if err := sim.Pair("acme"); err != nil {
		t.Fatal(err)
	}
	ready := waitStatus(t, c, "acme", StatusReady)
	for i := 0; i < 5; i++ {
		if st := connect(t, c, "acme"); st != ready {
			t.Fatalf("connect while ready = %+v", st)
		}
	}
}

func TestInvalidTenantIsRejected(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	if _, err := c.Connect(context.Background(), "../etc", "203.0.113.7"); !errors.Is(err, ErrInvalidTenant) {
		t.Fatalf("Connect err = %v", err)
	}
	if _, err := c.Subscribe(""); !errors.Is(err, ErrInvalidTenant) {
		t.Fatalf("Subscribe err = %v", err)
	}
	if c.QuotaUsed("../etc") != 0 {
		t.Fatal("invalid tenant was charged")
	}
}

func TestResumeReadyTenants(t *testing.T) {
	observeLogs(t)
	store := NewMemoryStateStore()
	stamp := time.Now().Add(time.Minute)
	_ = store.Save(context.Background(), SessionState{Tenant: "acme", Status: StatusReady, UpdatedAt: stamp})
	_ = store.Save(context.Background(), SessionState{Tenant: "globex", Status: StatusError, LastError: "x", UpdatedAt: stamp})

	sim := NewSimulator()
	sim.Remember("acme")
	c, err := New(testConfig(), sim, store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	n, err := c.Resume(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	st := waitStatus(t, c, "acme", StatusReady)
	if !st.UpdatedAt.After(stamp) {
		t.Fatalf("resumed state %s not after stored %s", st.UpdatedAt, stamp)
	}
	if _, ok := c.registry.Get("globex"); ok {
		t.Fatal("non-ready tenant was resumed")
	}
}

func TestShutdownWhileSessionsCommit(t *testing.T) {
	c, sim, _ := newTestCoordinator(t, func(cfg *config.WhatsAppConfig) {
		cfg.ConnectQuota = 0
		cfg.IPQuota = 0
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		tenant := fmt.Sprintf("busy%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := c.Connect(context.Background(), tenant, "203.0.113.7"); errors.Is(err, ErrClosed) {
					return
				}
				_ = sim.Pair(tenant)
				_ = sim.LoseLink(tenant)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wg.Wait()
	if n := c.registry.Len(); n != 0 {
		t.Fatalf("%d actors left after shutdown", n)
	}
}

func TestShutdownKeepsReadyRecord(t *testing.T) {
	observeLogs(t)
	store := NewMemoryStateStore()
	sim := NewSimulator()
	c, err := New(testConfig(), sim, store)
	if err != nil {
		t.Fatal(err)
	}
	connect(t, c, "acme")
	waitStatus(t, c, "acme", StatusWaitingQR)
	_ = sim.Pair("acme")
	waitStatus(t, c, "acme", StatusReady)
	waitFor(t, "ready persisted", func() bool {
		rec, ok, _ := store.Load(context.Background(), "acme")
		return ok && rec.Status == StatusReady
	})

	sub, _ := c.Subscribe("acme")
	nextEvent(t, sub)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := nextEvent(t, sub); st.Status != StatusDisconnected {
		t.Fatalf("subscribers saw %s on shutdown", st.Status)
	}
	rec, _, _ := store.Load(context.Background(), "acme")
	if rec.Status != StatusReady {
		t.Fatalf("stored status after shutdown = %s, want ready", rec.Status)
	}
}
