package repo

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-heal/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists the healing loop's records by id.
type Store interface {
	PutAnomaly(ctx context.Context, anomaly models.Anomaly) error
	GetAnomaly(ctx context.Context, id string) (models.Anomaly, error)
	PutPlan(ctx context.Context, plan models.HealingPlan) error
	GetPlan(ctx context.Context, id string) (models.HealingPlan, error)
	PutExecution(ctx context.Context, execution models.HealingExecution) error
	GetExecution(ctx context.Context, id string) (models.HealingExecution, error)
	ListExecutions(ctx context.Context, planID string) ([]models.HealingExecution, error)
	AppendLearningRecord(ctx context.Context, record models.LearningRecord) error
	ListLearningRecords(ctx context.Context) ([]models.LearningRecord, error)
	Close() error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	anomalies  map[string]models.Anomaly
	plans      map[string]models.HealingPlan
	executions map[string]models.HealingExecution
	records    []models.LearningRecord
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		anomalies:  make(map[string]models.Anomaly),
		plans:      make(map[string]models.HealingPlan),
		executions: make(map[string]models.HealingExecution),
	}
}

func (s *MemoryStore) PutAnomaly(_ context.Context, anomaly models.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies[anomaly.ID] = anomaly
	return nil
}

func (s *MemoryStore) GetAnomaly(_ context.Context, id string) (models.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anomaly, ok := s.anomalies[id]
	if !ok {
		return models.Anomaly{}, ErrNotFound
	}
	return anomaly, nil
}

func (s *MemoryStore) PutPlan(_ context.Context, plan models.HealingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (models.HealingPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return models.HealingPlan{}, ErrNotFound
	}
	return plan, nil
}

func (s *MemoryStore) PutExecution(_ context.Context, execution models.HealingExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[execution.ID] = execution.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (models.HealingExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	if !ok {
		return models.HealingExecution{}, ErrNotFound
	}
	return execution.Clone(), nil
}

// ListExecutions returns a plan's executions ordered by start time.
func (s *MemoryStore) ListExecutions(_ context.Context, planID string) ([]models.HealingExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.HealingExecution, 0)
	for _, execution := range s.executions {
		if execution.PlanID == planID {
			out = append(out, execution.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) AppendLearningRecord(_ context.Context, record models.LearningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *MemoryStore) ListLearningRecords(context.Context) ([]models.LearningRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LearningRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
