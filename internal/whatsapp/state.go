package whatsapp

import (
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// Status is the lifecycle position of a tenant's session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusWaitingQR    Status = "waiting_qr"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

var allStatuses = []Status{
	StatusIdle, StatusInitializing, StatusWaitingQR, StatusReady, StatusError, StatusDisconnected,
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// InFlight reports whether a connection attempt is running.
func (s Status) InFlight() bool {
	return s == StatusInitializing || s == StatusWaitingQR
}

// Resting reports whether the session holds no driver resources.
func (s Status) Resting() bool {
	return s == StatusIdle || s == StatusError || s == StatusDisconnected
}

// SessionState is the single record published for a tenant. PairingArtifact
// is set only in waiting_qr and LastError only in error.
type SessionState struct {
	Tenant          string    `json:"tenant"`
	Status          Status    `json:"status"`
	PairingArtifact string    `json:"pairingArtifact,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// NewerThan compares by UpdatedAt, the only ordering a state carries.
func (s SessionState) NewerThan(o SessionState) bool {
	return s.UpdatedAt.After(o.UpdatedAt)
}

// idleState is what a tenant without an actor looks like.
func idleState(tenant string, at time.Time) SessionState {
	return SessionState{Tenant: tenant, Status: StatusIdle, UpdatedAt: at}
}

var (
	ErrInvalidTenant = errors.New("invalid tenant id")
	ErrClosed        = errors.New("session coordinator closed")
	ErrStaleState    = errors.New("stale session state")
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateTenant accepts opaque ids made of letters, digits, dot, dash and underscore.
func ValidateTenant(tenant string) error {
	if !tenantPattern.MatchString(tenant) {
		return errors.Wrapf(ErrInvalidTenant, "%q", tenant)
	}
	return nil
}

// trigger is an input to the session state machine.
type trigger string

const (
	triggerConnect     trigger = "connect"
	triggerDisconnect  trigger = "disconnect"
	triggerPairingCode trigger = "pairing_code"
	triggerPaired      trigger = "paired"
	triggerFailed      trigger = "failed"
	triggerLinkLost    trigger = "link_lost"
)

// transitions is the complete state table. Pairs not listed are ignored.
var transitions = map[Status]map[trigger]Status{
	StatusIdle: {
		triggerConnect:    StatusInitializing,
		triggerDisconnect: StatusDisconnected,
	},
	StatusInitializing: {
		triggerPairingCode: StatusWaitingQR,
		triggerPaired:      StatusReady,
		triggerFailed:      StatusError,
		triggerDisconnect:  StatusDisconnected,
	},
	StatusWaitingQR: {
		triggerPairingCode: StatusWaitingQR,
		triggerPaired:      StatusReady,
		triggerFailed:      StatusError,
		triggerDisconnect:  StatusDisconnected,
	},
	StatusReady: {
		triggerLinkLost:   StatusDisconnected,
		triggerDisconnect: StatusDisconnected,
	},
	StatusError: {
		triggerConnect:    StatusInitializing,
		triggerDisconnect: StatusDisconnected,
	},
	StatusDisconnected: {
		triggerConnect: StatusInitializing,
	},
}

func nextStatus(from Status, t trigger) (Status, bool) {
	to, ok := transitions[from][t]
	return to, ok
}
