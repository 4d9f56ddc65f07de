package whatsapp

import "context"

// DriverEventKind classifies what a device driver reports.
type DriverEventKind int

const (
	// DriverPairingCode carries a fresh pairing artifact to show to the user.
	DriverPairingCode DriverEventKind = iota + 1
	// DriverPaired means the device is linked and the connection is usable.
	DriverPaired
	// DriverFailed means the attempt cannot continue, Err says why.
	DriverFailed
	// DriverLinkLost means an established link dropped.
	DriverLinkLost
)

func (k DriverEventKind) String() string {
	switch k {
	case DriverPairingCode:
		return "pairing_code"
	case DriverPaired:
		return "paired"
	case DriverFailed:
		return "failed"
	case DriverLinkLost:
		return "link_lost"
	}
	return "unknown"
}

type DriverEvent struct {
	Kind     DriverEventKind
	Artifact string
	Err      error
}

// Driver opens device sessions for tenants. Open may block for as long as
// the backend handshake takes and must return when ctx is cancelled.
type Driver interface {
	Open(ctx context.Context, tenant string) (DriverSession, error)
}

// DriverSession is one open device connection. Events is read by exactly one
// actor; Close releases the connection and may be called more than once.
type DriverSession interface {
	Events() <-chan DriverEvent
	Close() error
}
