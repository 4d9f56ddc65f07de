package whatsapp

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wasession/internal/domain"
)

var ErrNoHistory = errors.New("transition history is not kept by this state store")

// EventLog keeps every committed transition. State stores backed by a
// database implement it.
type EventLog interface {
	Append(ctx context.Context, st SessionState) error
	// History returns the newest transitions of tenant first.
	History(ctx context.Context, tenant string, limit int) ([]SessionState, error)
	// Prune deletes transitions older than before.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

const defaultHistoryLimit = 50

func (g *GormStateStore) Append(ctx context.Context, st SessionState) error {
	rec := domain.WhatsAppSessionEvent{
		ID:         g.ids.Generate().Int64(),
		Tenant:     st.Tenant,
		Status:     string(st.Status),
		LastError:  st.LastError,
		OccurredAt: st.UpdatedAt,
	}
	return errors.Wrap(g.db.WithContext(ctx).Create(&rec).Error, "append whatsapp session event")
}

func (g *GormStateStore) History(ctx context.Context, tenant string, limit int) ([]SessionState, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var recs []domain.WhatsAppSessionEvent
	err := g.db.WithContext(ctx).
		Where("tenant = ?", tenant).
		Order("occurred_at desc").Order("id desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "query whatsapp session events")
	}
	out := make([]SessionState, 0, len(recs))
	for _, r := range recs {
		out = append(out, SessionState{
			Tenant:    r.Tenant,
			Status:    Status(r.Status),
			LastError: r.LastError,
			UpdatedAt: r.OccurredAt.UTC(),
		})
	}
	return out, nil
}

func (g *GormStateStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx := g.db.WithContext(ctx).Where("occurred_at < ?", before).Delete(&domain.WhatsAppSessionEvent{})
	return tx.RowsAffected, errors.Wrap(tx.Error, "prune whatsapp session events")
}
