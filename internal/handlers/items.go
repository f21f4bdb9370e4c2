package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/repo"
)

// ItemLog — отметки обработанных элементов одного job.
//
// Шаги только накапливают отметки. В журнал они попадают через Commit,
// который Engine вызывает лишь для job, не завершившегося failed:
// элементы упавшего job останутся новыми для следующего запуска.
//
// nil-журнал отдаёт nil-трекеры.
type ItemLog struct {
	store  repo.ItemStore
	flowID uuid.UUID
	jobID  int64

	mu       sync.Mutex
	accepted []repo.ItemKey
	seen     map[repo.ItemKey]struct{}
}

// NewItemLog создаёт журнал отметок job. Без хранилища возвращает nil.
func NewItemLog(store repo.ItemStore, flowID uuid.UUID, jobID int64) *ItemLog {
	if store == nil {
		return nil
	}
	return &ItemLog{
		store:  store,
		flowID: flowID,
		jobID:  jobID,
		seen:   make(map[repo.ItemKey]struct{}),
	}
}

// Step возвращает трекер для шага stepID.
func (l *ItemLog) Step(stepID string) *ItemTracker {
	if l == nil {
		return nil
	}
	return &ItemTracker{log: l, stepID: stepID, staged: make(map[repo.ItemKey]struct{})}
}

// Accept переносит отметки успешно завершённого шага в журнал job.
func (l *ItemLog) Accept(t *ItemTracker) {
	if l == nil || t == nil {
		return
	}
	keys := t.seal()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		if _, ok := l.seen[key]; ok {
			continue
		}
		l.seen[key] = struct{}{}
		l.accepted = append(l.accepted, key)
	}
}

// Reject отбрасывает отметки шага, завершившегося ошибкой.
func (l *ItemLog) Reject(t *ItemTracker) {
	if t != nil {
		t.seal()
	}
}

// Pending возвращает число принятых, но не записанных отметок.
func (l *ItemLog) Pending() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accepted)
}

// Commit записывает принятые отметки в хранилище.
func (l *ItemLog) Commit(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	keys := l.accepted
	l.accepted = nil
	l.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := l.store.MarkProcessed(ctx, key, l.jobID); err != nil {
			errs = append(errs, fmt.Errorf("mark %s/%s: %w", key.SourceType, key.ItemID, err))
		}
	}
	return errors.Join(errs...)
}

func (l *ItemLog) accepts(key repo.ItemKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[key]
	return ok
}

// ItemTracker — отметки обработанных элементов одного шага.
//
// nil-трекер считает все элементы новыми, а отметки игнорирует.
type ItemTracker struct {
	log    *ItemLog
	stepID string

	mu     sync.Mutex
	staged map[repo.ItemKey]struct{}
	sealed bool
}

// IsProcessed проверяет, обрабатывался ли элемент раньше
// (в этом job или в завершённых).
func (t *ItemTracker) IsProcessed(ctx context.Context, sourceType, itemID string) (bool, error) {
	if t == nil || itemID == "" {
		return false, nil
	}
	key := t.key(sourceType, itemID)

	t.mu.Lock()
	_, staged := t.staged[key]
	t.mu.Unlock()
	if staged || t.log.accepts(key) {
		return true, nil
	}
	return t.log.store.IsProcessed(ctx, key)
}

// MarkProcessed отмечает элемент обработанным. Отметка станет
// постоянной только после Commit журнала.
func (t *ItemTracker) MarkProcessed(_ context.Context, sourceType, itemID string) error {
	if t == nil || itemID == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return ErrTrackerClosed
	}
	t.staged[t.key(sourceType, itemID)] = struct{}{}
	return nil
}

// seal закрывает трекер и возвращает его отметки.
func (t *ItemTracker) seal() []repo.ItemKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	keys := make([]repo.ItemKey, 0, len(t.staged))
	for key := range t.staged {
		keys = append(keys, key)
	}
	t.staged = nil
	return keys
}

func (t *ItemTracker) key(sourceType, itemID string) repo.ItemKey {
	return repo.ItemKey{FlowID: t.log.flowID, StepID: t.stepID, SourceType: sourceType, ItemID: itemID}
}
