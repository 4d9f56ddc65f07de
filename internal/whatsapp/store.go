package whatsapp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/wasession/internal/domain"
	bolt "go.etcd.io/bbolt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StateStore persists the last state of each tenant. Save returns
// ErrStaleState, and keeps the stored record, when st is not newer.
type StateStore interface {
	Save(ctx context.Context, st SessionState) error
	Load(ctx context.Context, tenant string) (SessionState, bool, error)
	List(ctx context.Context) ([]SessionState, error)
	Delete(ctx context.Context, tenant string) error
	Close() error
}

func sortStates(states []SessionState) {
	sort.Slice(states, func(i, j int) bool { return states[i].Tenant < states[j].Tenant })
}

// MemoryStateStore keeps records for the life of the process.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]SessionState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]SessionState)}
}

func (m *MemoryStateStore) Save(_ context.Context, st SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.states[st.Tenant]; ok && !st.NewerThan(cur) {
		return ErrStaleState
	}
	m.states[st.Tenant] = st
	return nil
}

func (m *MemoryStateStore) Load(_ context.Context, tenant string) (SessionState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[tenant]
	return st, ok, nil
}

func (m *MemoryStateStore) List(_ context.Context) ([]SessionState, error) {
	m.mu.RLock()
	out := make([]SessionState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	m.mu.RUnlock()
	sortStates(out)
	return out, nil
}

func (m *MemoryStateStore) Delete(_ context.Context, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, tenant)
	return nil
}

func (m *MemoryStateStore) Close() error { return nil }

// GormStateStore keeps records in the whatsapp_session table.
type GormStateStore struct {
	db  *gorm.DB
	ids *snowflake.Node
}

func NewGormStateStore(db *gorm.DB) (*GormStateStore, error) {
	node, err := snowflake.NewNode(3)
	if err != nil {
		return nil, err
	}
	return &GormStateStore{db: db, ids: node}, nil
}

func toRecord(st SessionState) domain.WhatsAppSession {
	return domain.WhatsAppSession{
		Tenant:          st.Tenant,
		Status:          string(st.Status),
		PairingArtifact: st.PairingArtifact,
		LastError:       st.LastError,
		StateVersion:    st.UpdatedAt.UnixNano(),
	}
}

func fromRecord(r domain.WhatsAppSession) SessionState {
	return SessionState{
		Tenant:          r.Tenant,
		Status:          Status(r.Status),
		PairingArtifact: r.PairingArtifact,
		LastError:       r.LastError,
		UpdatedAt:       time.Unix(0, r.StateVersion).UTC(),
	}
}

func (g *GormStateStore) Save(ctx context.Context, st SessionState) error {
	rec := toRecord(st)
	rec.ID = g.ids.Generate().Int64()
	tx := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "pairing_artifact", "last_error", "state_version", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "whatsapp_session.state_version < excluded.state_version"},
		}},
	}).Create(&rec)
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "save whatsapp session")
	}
	if tx.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

func (g *GormStateStore) Load(ctx context.Context, tenant string) (SessionState, bool, error) {
	var rec domain.WhatsAppSession
	err := g.db.WithContext(ctx).Where("tenant = ?", tenant).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionState{}, false, nil
	}
	if err != nil {
		return SessionState{}, false, errors.Wrap(err, "load whatsapp session")
	}
	return fromRecord(rec), true, nil
}

func (g *GormStateStore) List(ctx context.Context) ([]SessionState, error) {
	var recs []domain.WhatsAppSession
	if err := g.db.WithContext(ctx).Order("tenant").Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "list whatsapp sessions")
	}
	out := make([]SessionState, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

func (g *GormStateStore) Delete(ctx context.Context, tenant string) error {
	err := g.db.WithContext(ctx).Where("tenant = ?", tenant).Delete(&domain.WhatsAppSession{}).Error
	return errors.Wrap(err, "delete whatsapp session")
}

// Close leaves the shared database handle to its owner.
func (g *GormStateStore) Close() error { return nil }

var sessionBucket = []byte("whatsapp_session")

// BoltStateStore keeps records in a single-file bbolt database.
type BoltStateStore struct {
	db *bolt.DB
}

type boltRecord struct {
	Tenant          string `json:"tenant"`
	Status          string `json:"status"`
	PairingArtifact string `json:"pairing_artifact,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	StateVersion    int64  `json:"state_version"`
}

func OpenBoltStateStore(path string) (*BoltStateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt state store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create session bucket")
	}
	return &BoltStateStore{db: db}, nil
}

func decodeBolt(data []byte) (SessionState, error) {
	var r boltRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return SessionState{}, err
	}
	return fromRecord(domain.WhatsAppSession{
		Tenant:          r.Tenant,
		Status:          r.Status,
		PairingArtifact: r.PairingArtifact,
		LastError:       r.LastError,
		StateVersion:    r.StateVersion,
	}), nil
}

func (b *BoltStateStore) Save(_ context.Context, st SessionState) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(sessionBucket)
		if data := bk.Get([]byte(st.Tenant)); data != nil {
			cur, err := decodeBolt(data)
			if err == nil && !st.NewerThan(cur) {
				return ErrStaleState
			}
		}
		data, err := json.Marshal(boltRecord{
			Tenant:          st.Tenant,
			Status:          string(st.Status),
			PairingArtifact: st.PairingArtifact,
			LastError:       st.LastError,
			StateVersion:    st.UpdatedAt.UnixNano(),
		})
		if err != nil {
			return err
		}
		return bk.Put([]byte(st.Tenant), data)
	})
}

func (b *BoltStateStore) Load(_ context.Context, tenant string) (st SessionState, ok bool, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionBucket).Get([]byte(tenant))
		if data == nil {
			return nil
		}
		ok = true
		st, err = decodeBolt(data)
		return err
	})
	return st, ok, err
}

func (b *BoltStateStore) List(_ context.Context) ([]SessionState, error) {
	var out []SessionState
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).ForEach(func(_, v []byte) error {
			st, err := decodeBolt(v)
			if err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

func (b *BoltStateStore) Delete(_ context.Context, tenant string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete([]byte(tenant))
	})
}

func (b *BoltStateStore) Close() error {
	return b.db.Close()
}
