package whatsapp

import "sync"

// Reconcile merges a polled or pushed state into what a client holds. The
// one with the greater UpdatedAt wins; ties keep the current value.
func Reconcile(current, incoming SessionState) SessionState {
	if incoming.NewerThan(current) {
		return incoming
	}
	return current
}

// View is a client's merged picture of one tenant, fed from both the status
// poll and the realtime feed in whatever order they arrive.
type View struct {
	mu    sync.Mutex
	state SessionState
}

// Apply merges st and reports whether it changed the view.
func (v *View) Apply(st SessionState) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := Reconcile(v.state, st)
	if next == v.state {
		return false
	}
	v.state = next
	return true
}

func (v *View) State() SessionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}
