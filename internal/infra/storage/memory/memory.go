// Package memory provides in-memory repository implementations. They back
// storage-less development runs and serve as fixtures for pipeline tests;
// their conditional-write semantics mirror the PostgreSQL repositories.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/txfees/internal/core/domain"
)

// Storage holds all in-memory state behind a single lock.
type Storage struct {
	mu     sync.Mutex
	blocks map[string]*domain.Block
	fees   map[string]*domain.FeeRecord
	jobs   map[int64]*domain.BatchJob
	nextID int64
}

// NewStorage creates empty in-memory storage.
func NewStorage() *Storage {
	return &Storage{
		blocks: make(map[string]*domain.Block),
		fees:   make(map[string]*domain.FeeRecord),
		jobs:   make(map[int64]*domain.BatchJob),
		nextID: 1,
	}
}

// BlockRepo implements storage.BlockRepository in memory.
type BlockRepo struct{ s *Storage }

func NewBlockRepo(s *Storage) *BlockRepo { return &BlockRepo{s: s} }

func (r *BlockRepo) InsertIfAbsent(ctx context.Context, block *domain.Block) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.blocks[block.Hash]; ok {
		return false, nil
	}
	b := *block
	r.s.blocks[block.Hash] = &b
	return true, nil
}

func (r *BlockRepo) GetByHash(ctx context.Context, hash string) (*domain.Block, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if b, ok := r.s.blocks[hash]; ok {
		copied := *b
		return &copied, nil
	}
	return nil, nil
}

// FeeRepo implements storage.FeeRepository in memory.
type FeeRepo struct{ s *Storage }

func NewFeeRepo(s *Storage) *FeeRepo { return &FeeRepo{s: s} }

func (r *FeeRepo) SaveBatch(ctx context.Context, records []*domain.FeeRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, rec := range records {
		if _, ok := r.s.fees[rec.TxHash]; ok {
			continue // first write wins, as in the DB upsert
		}
		copied := *rec
		if copied.CreatedAt.IsZero() {
			copied.CreatedAt = time.Now()
		}
		r.s.fees[rec.TxHash] = &copied
	}
	return nil
}

func (r *FeeRepo) GetByTxHash(ctx context.Context, txHash string) (*domain.FeeRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if f, ok := r.s.fees[txHash]; ok {
		copied := *f
		return &copied, nil
	}
	return nil, nil
}

// JobRepo implements storage.JobRepository in memory.
type JobRepo struct{ s *Storage }

func NewJobRepo(s *Storage) *JobRepo { return &JobRepo{s: s} }

func (r *JobRepo) Create(ctx context.Context, startTime, endTime int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id := r.s.nextID
	r.s.nextID++
	now := time.Now()
	r.s.jobs[id] = &domain.BatchJob{
		ID:        id,
		StartTime: startTime,
		EndTime:   endTime,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

func (r *JobRepo) Get(ctx context.Context, id int64) (*domain.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

func (r *JobRepo) ListClaimable(ctx context.Context, limit int) ([]*domain.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var jobs []*domain.BatchJob
	for _, job := range r.s.jobs {
		if !job.Status.IsTerminal() {
			jobs = append(jobs, cloneJob(job))
		}
	}
	// Oldest first by id (ids are monotonic here).
	for i := 0; i < len(jobs); i++ {
		for k := i + 1; k < len(jobs); k++ {
			if jobs[k].ID < jobs[i].ID {
				jobs[i], jobs[k] = jobs[k], jobs[i]
			}
		}
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *JobRepo) MarkRunning(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[id]
	if !ok || !domain.CanTransitionJob(job.Status, domain.JobStatusRunning) {
		return false, nil
	}
	job.Status = domain.JobStatusRunning
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *JobRepo) ResolveRange(ctx context.Context, id int64, startBlock, endBlock uint64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[id]
	if !ok || job.StartBlock != nil {
		return false, nil
	}
	s, e := startBlock, endBlock
	job.StartBlock = &s
	job.EndBlock = &e
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *JobRepo) AdvanceCursor(ctx context.Context, id int64, cursor uint64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[id]
	if !ok || job.Status != domain.JobStatusRunning {
		return false, nil
	}
	if job.Cursor != nil && *job.Cursor >= cursor {
		return false, nil
	}
	c := cursor
	job.Cursor = &c
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *JobRepo) MarkCompleted(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[id]
	if !ok || !domain.CanTransitionJob(job.Status, domain.JobStatusCompleted) {
		return false, nil
	}
	if job.Cursor == nil || job.EndBlock == nil || *job.Cursor < *job.EndBlock {
		return false, nil
	}
	job.Status = domain.JobStatusCompleted
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *JobRepo) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[id]
	if !ok || !domain.CanTransitionJob(job.Status, domain.JobStatusFailed) {
		return false, nil
	}
	job.Status = domain.JobStatusFailed
	job.FailureReason = reason
	job.UpdatedAt = time.Now()
	return true, nil
}

func cloneJob(job *domain.BatchJob) *domain.BatchJob {
	copied := *job
	if job.StartBlock != nil {
		v := *job.StartBlock
		copied.StartBlock = &v
	}
	if job.EndBlock != nil {
		v := *job.EndBlock
		copied.EndBlock = &v
	}
	if job.Cursor != nil {
		v := *job.Cursor
		copied.Cursor = &v
	}
	return &copied
}
