// Package memory — in-memory реализация интерфейсов repo.
//
// Используется в unit-тестах и в локальном режиме без Postgres.
// Семантика совпадает с Postgres-реализацией: один активный job на flow,
// ClaimNext с потолком running, FIFO по job_id.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// Store хранит все сущности в памяти под одним mutex.
type Store struct {
	mu sync.Mutex

	// Now — источник времени. По умолчанию time.Now.
	Now func() time.Time

	pipelines map[uuid.UUID]domain.Pipeline
	flows     map[uuid.UUID]domain.Flow
	jobs      map[int64]domain.Job
	nextJobID int64
	packets   map[int64][]domain.DataPacket
	items     map[repo.ItemKey]int64
	triggers  map[string]domain.Trigger
}

// New создаёт пустой Store.
func New() *Store {
	return &Store{
		Now:       time.Now,
		pipelines: make(map[uuid.UUID]domain.Pipeline),
		flows:     make(map[uuid.UUID]domain.Flow),
		jobs:      make(map[int64]domain.Job),
		packets:   make(map[int64][]domain.DataPacket),
		items:     make(map[repo.ItemKey]int64),
		triggers:  make(map[string]domain.Trigger),
	}
}

var (
	_ repo.PipelineStore = (*Store)(nil)
	_ repo.FlowStore     = (*Store)(nil)
	_ repo.JobStore      = (*Store)(nil)
	_ repo.PacketStore   = (*Store)(nil)
	_ repo.ItemStore     = (*Store)(nil)
	_ repo.TriggerStore  = (*Store)(nil)
)

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// --- Pipelines ---

func (s *Store) CreatePipeline(_ context.Context, p *domain.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[p.ID]; ok {
		return fmt.Errorf("%w: pipeline %s", repo.ErrAlreadyExists, p.ID)
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.pipelines[p.ID] = clonePipeline(*p)
	return nil
}

func (s *Store) GetPipeline(_ context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := clonePipeline(p)
	return &out, nil
}

func (s *Store) ListPipelines(_ context.Context) ([]domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, clonePipeline(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeletePipeline(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.pipelines, id)
	for fid, f := range s.flows {
		if f.PipelineID == id {
			delete(s.flows, fid)
		}
	}
	return nil
}

// --- Flows ---

func (s *Store) CreateFlow(_ context.Context, f *domain.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[f.PipelineID]; !ok {
		return fmt.Errorf("%w: pipeline %s", repo.ErrNotFound, f.PipelineID)
	}
	if _, ok := s.flows[f.ID]; ok {
		return fmt.Errorf("%w: flow %s", repo.ErrAlreadyExists, f.ID)
	}
	if f.Scheduling.Interval == "" {
		f.Scheduling.Interval = domain.IntervalManual
	}
	if f.Scheduling.Status == "" {
		f.Scheduling.Status = domain.ScheduleInactive
	}
	now := s.now()
	f.CreatedAt, f.UpdatedAt = now, now
	s.flows[f.ID] = *f
	return nil
}

func (s *Store) GetFlow(_ context.Context, id uuid.UUID) (*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &f, nil
}

func (s *Store) ListFlows(_ context.Context, filter repo.FlowFilter) ([]domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Flow
	for _, f := range s.flows {
		if filter.PipelineID != nil && f.PipelineID != *filter.PipelineID {
			continue
		}
		if filter.UserID != nil && f.UserID != *filter.UserID {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteFlow(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.flows, id)
	return nil
}

func (s *Store) UpdateScheduling(_ context.Context, id uuid.UUID, sched domain.Scheduling) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[id]
	if !ok {
		return repo.ErrNotFound
	}
	f.Scheduling.Interval = sched.Interval
	f.Scheduling.Status = sched.Status
	f.UpdatedAt = s.now()
	s.flows[id] = f
	return nil
}

func (s *Store) RecordLastRun(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[id]
	if !ok {
		return repo.ErrNotFound
	}
	f.Scheduling.LastRunAt = &at
	s.flows[id] = f
	return nil
}

// --- Jobs ---

func (s *Store) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.FlowID == job.FlowID && j.Status.IsActive() {
			return fmt.Errorf("%w: active job for flow %s", repo.ErrAlreadyExists, job.FlowID)
		}
	}
	s.nextJobID++
	job.ID = s.nextJobID
	job.Status = domain.JobStatusPending
	job.CreatedAt = s.now()
	s.jobs[job.ID] = *job
	return nil
}

func (s *Store) GetJob(_ context.Context, id int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &j, nil
}

func (s *Store) ListJobs(_ context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if filter.FlowID != nil && j.FlowID != *filter.FlowID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimNext(_ context.Context, limit int) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := 0
	var next *domain.Job
	for _, j := range s.jobs {
		switch j.Status {
		case domain.JobStatusRunning:
			running++
		case domain.JobStatusPending:
			if next == nil || j.ID < next.ID {
				jj := j
				next = &jj
			}
		}
	}
	if running >= limit {
		return nil, repo.ErrNoCapacity
	}
	if next == nil {
		return nil, repo.ErrNotFound
	}
	if err := next.MarkRunning(s.now()); err != nil {
		return nil, err
	}
	s.jobs[next.ID] = *next
	return next, nil
}

func (s *Store) CountRunning(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusRunning {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateCurrentStep(_ context.Context, id int64, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobStatusRunning {
		return fmt.Errorf("%w: job %d is not running", repo.ErrInvalidState, id)
	}
	j.CurrentStepName = step
	s.jobs[id] = j
	return nil
}

func (s *Store) FinishJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", repo.ErrInvalidState, job.Status)
	}
	j, ok := s.jobs[job.ID]
	if !ok || j.Status != domain.JobStatusRunning {
		return fmt.Errorf("%w: job %d is not running", repo.ErrInvalidState, job.ID)
	}
	j.Status = job.Status
	j.CompletedAt = job.CompletedAt
	j.ErrorDetails = job.ErrorDetails
	j.CurrentStepName = job.CurrentStepName
	s.jobs[job.ID] = j
	return nil
}

func (s *Store) ListStuck(_ context.Context, startedBefore time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusRunning && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(*out[k].StartedAt) })
	return out, nil
}

func (s *Store) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(s.jobs, id)
			delete(s.packets, id)
			n++
		}
	}
	return n, nil
}

// --- Packets ---

func (s *Store) AppendPackets(_ context.Context, jobID int64, offset int, packets []domain.DataPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%w: job %d", repo.ErrNotFound, jobID)
	}
	stored := s.packets[jobID]
	for i, p := range packets {
		if offset+i < len(stored) {
			continue
		}
		stored = append(stored, p.Clone())
	}
	s.packets[jobID] = stored
	return nil
}

func (s *Store) ListPackets(_ context.Context, jobID int64) ([]domain.DataPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.ClonePackets(s.packets[jobID]), nil
}

// --- Processed items ---

func (s *Store) IsProcessed(_ context.Context, key repo.ItemKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.items[key]
	return ok, nil
}

func (s *Store) MarkProcessed(_ context.Context, key repo.ItemKey, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; !ok {
		s.items[key] = jobID
	}
	return nil
}

// --- Triggers ---

func (s *Store) ScheduleRecurring(_ context.Context, start time.Time, interval time.Duration, key string, payload domain.TriggerPayload) error {
	if interval < time.Second {
		return fmt.Errorf("%w: interval %s", repo.ErrInvalidState, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.triggers[key] = domain.Trigger{Key: key, Payload: payload, Interval: interval, NextDueAt: start}
	return nil
}

func (s *Store) Unschedule(_ context.Context, key string, payload domain.TriggerPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.triggers[key]; ok && t.Payload.FlowID == payload.FlowID {
		delete(s.triggers, key)
	}
	return nil
}

func (s *Store) NextScheduled(_ context.Context, key string, payload domain.TriggerPayload) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[key]
	if !ok || t.Payload.FlowID != payload.FlowID {
		return time.Time{}, false, nil
	}
	return t.NextDueAt, true, nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Trigger
	for _, t := range s.triggers {
		if !t.NextDueAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextDueAt.Before(due[j].NextDueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].NextDueAt = now.Add(due[i].Interval)
		s.triggers[due[i].Key] = due[i]
	}
	return due, nil
}

// Triggers возвращает снимок всех триггеров (для тестов).
func (s *Store) Triggers() []domain.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.Trigger) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

func clonePipeline(p domain.Pipeline) domain.Pipeline {
	out := p
	out.Steps = slices.Clone(p.Steps)
	return out
}
