package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"guesty_sync/internal/domain"
)

const statusCacheKey = "guesty:sync:status"

// syncLogWriter owns SyncLog bookkeeping and drops the cached status view on
// every write so pollers see fresh progress.
type syncLogWriter struct {
	repo  domain.SyncLogRepository
	cache domain.Cache
	now   func() time.Time
}

func (w *syncLogWriter) start(ctx context.Context, t domain.SyncType, status domain.SyncStatus) (domain.SyncLog, error) {
	l := domain.SyncLog{
		ID:        uuid.NewString(),
		SyncType:  t,
		Status:    status,
		StartedAt: w.now().UTC(),
	}
	if err := w.repo.CreateSyncLog(ctx, l); err != nil {
		return domain.SyncLog{}, err
	}
	w.invalidate(ctx)
	return l, nil
}

func (w *syncLogWriter) update(ctx context.Context, l domain.SyncLog) error {
	if err := w.repo.UpdateSyncLog(ctx, l); err != nil {
		return err
	}
	w.invalidate(ctx)
	return nil
}

// finish stamps the terminal status exactly once.
func (w *syncLogWriter) finish(ctx context.Context, l *domain.SyncLog, status domain.SyncStatus, errMsg, notes string) error {
	if l.Status.Terminal() {
		return nil
	}
	done := w.now().UTC()
	l.Status = status
	l.CompletedAt = &done
	l.ErrorMessage = ptrStr(errMsg)
	if notes != "" {
		l.Notes = &notes
	}
	return w.update(ctx, *l)
}

func (w *syncLogWriter) invalidate(ctx context.Context) {
	if w.cache != nil {
		_ = w.cache.Del(ctx, statusCacheKey)
	}
}

// single writes the one terminal row describing a single-item webhook outcome.
func (w *syncLogWriter) single(ctx context.Context, t domain.SyncType, started time.Time, processed int, errMsg, notes string) error {
	done := w.now().UTC()
	status := domain.SyncCompleted
	if errMsg != "" {
		status = domain.SyncFailed
	}
	l := domain.SyncLog{
		ID:             uuid.NewString(),
		SyncType:       t,
		Status:         status,
		StartedAt:      started,
		CompletedAt:    &done,
		ItemsProcessed: processed,
		ItemsTotal:     1,
		ErrorMessage:   ptrStr(errMsg),
		Notes:          ptrStr(notes),
	}
	if err := w.repo.CreateSyncLog(ctx, l); err != nil {
		return err
	}
	w.invalidate(ctx)
	return nil
}
