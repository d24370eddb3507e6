package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryPredictionRepository keeps records in process memory. It backs local
// runs without Postgres.
type MemoryPredictionRepository struct {
	mu      sync.RWMutex
	records map[string]PredictionRecord
}

func NewMemoryPredictionRepository() *MemoryPredictionRepository {
	return &MemoryPredictionRepository{records: make(map[string]PredictionRecord)}
}

func (r *MemoryPredictionRepository) Create(ctx context.Context, record *PredictionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.ID]; exists {
		return fmt.Errorf("prediction %s already exists", record.ID)
	}
	r.records[record.ID] = *record
	return nil
}

func (r *MemoryPredictionRepository) ListAll(ctx context.Context) ([]*PredictionRecord, error) {
	r.mu.RLock()
	out := make([]*PredictionRecord, 0, len(r.records))
	for _, rec := range r.records {
		rec := rec
		out = append(out, &rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryPredictionRepository) FindByID(ctx context.Context, id string) (*PredictionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}
