package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// WhatsmeowDriver pairs real devices through whatsmeow. Device keys live in
// whatsmeow's own tables next to the application schema; a device belongs to
// the tenant named in its business name marker.
type WhatsmeowDriver struct {
	container *sqlstore.Container
	mu        sync.Mutex
}

// SqlstoreDialect maps the configured database type to whatsmeow's dialect name.
func SqlstoreDialect(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		return "postgres"
	default:
		return "sqlite3"
	}
}

func NewWhatsmeowDriver(ctx context.Context, db *sql.DB, dbType string) (*WhatsmeowDriver, error) {
	dialect := SqlstoreDialect(dbType)
	if dialect == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}
	container := sqlstore.NewWithDB(db, dialect, waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrapf(err, "sqlstore upgrade (%s)", dialect)
	}
	return &WhatsmeowDriver{container: container}, nil
}

func deviceMarker(tenant string) string {
	return "tenant:" + tenant
}

// device finds the tenant's stored device or prepares a new one for pairing.
func (d *WhatsmeowDriver) device(ctx context.Context, tenant string) (*store.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	devices, err := d.container.GetAllDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list stored devices")
	}
	marker := deviceMarker(tenant)
	for _, dev := range devices {
		if dev != nil && dev.BusinessName == marker {
			return dev, nil
		}
	}
	dev := d.container.NewDevice()
	dev.BusinessName = marker
	dev.PushName = tenant
	return dev, nil
}

func (d *WhatsmeowDriver) Open(ctx context.Context, tenant string) (DriverSession, error) {
	dev, err := d.device(ctx, tenant)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(dev, waLog.Noop)
	client.EnableAutoReconnect = false

	sess := &whatsmeowSession{
		tenant: tenant,
		client: client,
		events: make(chan DriverEvent, 16),
		done:   make(chan struct{}),
	}
	sess.handlerID = client.AddEventHandler(sess.handle)

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(ctx)
		if err != nil {
			_ = sess.Close()
			return nil, errors.Wrap(err, "open qr channel")
		}
		if err := client.Connect(); err != nil {
			_ = sess.Close()
			return nil, errors.Wrap(err, "connect for pairing")
		}
		go sess.pumpQR(qr)
		return sess, nil
	}

	if err := client.Connect(); err != nil {
		_ = sess.Close()
		return nil, errors.Wrap(err, "connect paired device")
	}
	return sess, nil
}

type whatsmeowSession struct {
	tenant    string
	client    *whatsmeow.Client
	handlerID uint32
	events    chan DriverEvent
	done      chan struct{}
	once      sync.Once

	mu sync.Mutex
	up bool
}

func (s *whatsmeowSession) Events() <-chan DriverEvent { return s.events }

func (s *whatsmeowSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.client.RemoveEventHandler(s.handlerID)
		s.client.Disconnect()
	})
	return nil
}

func (s *whatsmeowSession) emit(ev DriverEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *whatsmeowSession) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.emit(DriverEvent{Kind: DriverPairingCode, Artifact: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			zap.L().Info("whatsapp: device paired", zap.String("tenant", s.tenant))
		case whatsmeow.QRChannelTimeout.Event:
			s.emit(DriverEvent{Kind: DriverFailed, Err: errors.New("pairing codes expired without a scan")})
		case "error":
			s.emit(DriverEvent{Kind: DriverFailed, Err: errors.Wrap(item.Error, "pairing failed")})
		default:
			s.emit(DriverEvent{Kind: DriverFailed, Err: fmt.Errorf("pairing failed: %s", item.Event)})
		}
	}
}

// lost reports a dropped connection: a link loss once the device was up,
// a failure while the attempt was still in progress.
func (s *whatsmeowSession) lost(reason string) {
	s.mu.Lock()
	up := s.up
	s.up = false
	s.mu.Unlock()
	if up {
		s.emit(DriverEvent{Kind: DriverLinkLost, Err: errors.New(reason)})
		return
	}
	s.emit(DriverEvent{Kind: DriverFailed, Err: errors.New(reason)})
}

func (s *whatsmeowSession) handle(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		s.mu.Lock()
		s.up = true
		s.mu.Unlock()
		s.emit(DriverEvent{Kind: DriverPaired})
	case *events.PairSuccess:
		zap.L().Info("whatsapp: pair success", zap.String("tenant", s.tenant), zap.String("jid", e.ID.String()))
	case *events.LoggedOut:
		s.lost(fmt.Sprintf("logged out: %v", e.Reason))
	case *events.StreamReplaced:
		s.lost("stream replaced by another connection")
	case *events.Disconnected:
		s.lost("connection lost")
	case *events.ConnectFailure:
		s.emit(DriverEvent{Kind: DriverFailed, Err: fmt.Errorf("connect failure: %v %s", e.Reason, e.Message)})
	case *events.TemporaryBan:
		s.emit(DriverEvent{Kind: DriverFailed, Err: fmt.Errorf("temporary ban: %v", e)})
	default:
		zap.L().Debug("whatsapp event", zap.String("type", fmt.Sprintf("%T", evt)), zap.String("tenant", s.tenant))
	}
}
