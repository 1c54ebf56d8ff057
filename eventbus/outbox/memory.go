package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/backoff"
	"github.com/google/uuid"
)

// MemoryStore is a process-local Store and ProcessingLog. It backs tests and
// single-process deployments that accept losing pending events on restart.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[uuid.UUID]*Record
	deadLetters map[uuid.UUID]*DeadLetter
	dlOrder     []uuid.UUID
	history     []*HistoryRecord
	processed   map[string]processingEntry
	now         func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		records:     make(map[uuid.UUID]*Record),
		deadLetters: make(map[uuid.UUID]*DeadLetter),
		processed:   make(map[string]processingEntry),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ ProcessingLog = (*MemoryStore)(nil)
)

// Insert stores history and rec.
func (s *MemoryStore) Insert(ctx context.Context, rec *Record, history *HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := ValidateForInsert(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
	}

	s.records[rec.ID] = rec.Clone()

	if history != nil {
		h := *history
		s.history = append(s.history, &h)
	}

	return nil
}

// InsertWithTx is not supported: there is no transaction to join.
func (s *MemoryStore) InsertWithTx(_ context.Context, _ Tx, _ *Record, _ *HistoryRecord) error {
	return ErrTxUnsupported
}

// AppendHistory appends an audit entry.
func (s *MemoryStore) AppendHistory(ctx context.Context, history *HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if history == nil {
		return ErrRecordRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := *history
	s.history = append(s.history, &h)

	return nil
}

// ClaimBatch claims due pending records, oldest first.
func (s *MemoryStore) ClaimBatch(ctx context.Context, limit int) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, ErrLimitInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	due := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.Status == StatusPending && !rec.NextAttemptAt.After(now) {
			due = append(due, rec)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Record, 0, len(due))

	for _, rec := range due {
		started := now
		rec.Status = StatusProcessing
		rec.ProcessingStartedAt = &started
		rec.UpdatedAt = now

		claimed = append(claimed, rec.Clone())
	}

	return claimed, nil
}

// MarkCompleted finishes a processing record.
func (s *MemoryStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.processingLocked(id)
	if err != nil {
		return err
	}

	rec.Status = StatusCompleted
	rec.ProcessingStartedAt = nil
	rec.UpdatedAt = s.now()

	return nil
}

// MarkFailed applies DecideFailure to a processing record.
func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, policy backoff.Policy) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.processingLocked(id)
	if err != nil {
		return false, err
	}

	now := s.now()
	outcome := DecideFailure(rec, errMsg, policy, now)

	rec.RetryCount = outcome.RetryCount
	rec.LastError = outcome.LastError
	rec.NextAttemptAt = outcome.NextAttemptAt
	rec.ProcessingStartedAt = nil
	rec.UpdatedAt = now
	rec.Status = outcome.Status

	if !outcome.WillRetry() {
		s.addDeadLetterLocked(NewDeadLetter(rec, outcome.LastError, outcome.RetryCount, now))
	}

	return outcome.WillRetry(), nil
}

// MarkDeadLetter dead-letters a processing record without consuming retries.
func (s *MemoryStore) MarkDeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.processingLocked(id)
	if err != nil {
		return err
	}

	now := s.now()

	rec.RetryCount++
	rec.LastError = SanitizeErrorMessage(reason)
	rec.Status = StatusDeadLetter
	rec.ProcessingStartedAt = nil
	rec.UpdatedAt = now

	s.addDeadLetterLocked(NewDeadLetter(rec, rec.LastError, rec.RetryCount, now))

	return nil
}

// FindStuck lists processing records claimed before now-olderThan.
func (s *MemoryStore) FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, ErrLimitInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)

	stuck := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.Status == StatusProcessing && rec.ProcessingStartedAt != nil && rec.ProcessingStartedAt.Before(cutoff) {
			stuck = append(stuck, rec.Clone())
		}
	}

	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].ProcessingStartedAt.Before(*stuck[j].ProcessingStartedAt)
	})

	if len(stuck) > limit {
		stuck = stuck[:limit]
	}

	return stuck, nil
}

// GetByID returns a copy of the record.
func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	return rec.Clone(), nil
}

// CountByStatus counts records per status.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int64, len(AllStatuses))
	for _, rec := range s.records {
		counts[rec.Status]++
	}

	return counts, nil
}

// ListDeadLetters returns the newest dead letters first.
func (s *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, ErrLimitInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*DeadLetter, 0, min(limit, len(s.dlOrder)))

	for i := len(s.dlOrder) - 1; i >= 0 && len(out) < limit; i-- {
		dl := *s.deadLetters[s.dlOrder[i]]
		out = append(out, &dl)
	}

	return out, nil
}

// GetDeadLetter returns one dead letter by id.
func (s *MemoryStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}

	out := *dl

	return &out, nil
}

// ReplayDeadLetter enqueues a fresh pending copy of a dead letter.
func (s *MemoryStore) ReplayDeadLetter(ctx context.Context, id uuid.UUID) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.deadLetters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}

	rec := ReplayRecord(dl, s.now())
	s.records[rec.ID] = rec

	return rec.Clone(), nil
}

type processingEntry struct {
	at        time.Time
	completed bool
}

// HasProcessed reports whether handlerID completed for idempotencyKey.
func (s *MemoryStore) HasProcessed(ctx context.Context, idempotencyKey, handlerID string) (bool, error) {
	if err := ValidateProcessingKey(idempotencyKey, handlerID); err != nil {
		return false, err
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.processed[processingKey(idempotencyKey, handlerID)]

	return ok && entry.completed, nil
}

// Reserve claims the pair for one delivery unless it is completed or held by
// a reservation younger than lease.
func (s *MemoryStore) Reserve(ctx context.Context, idempotencyKey, handlerID string, lease time.Duration) (bool, error) {
	if err := ValidateProcessingKey(idempotencyKey, handlerID); err != nil {
		return false, err
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := processingKey(idempotencyKey, handlerID)

	if entry, ok := s.processed[key]; ok && (entry.completed || entry.at.After(now.Add(-lease))) {
		return false, nil
	}

	s.processed[key] = processingEntry{at: now}

	return true, nil
}

// MarkProcessed records completion, reporting whether the pair changed state.
func (s *MemoryStore) MarkProcessed(ctx context.Context, idempotencyKey, handlerID string) (bool, error) {
	if err := ValidateProcessingKey(idempotencyKey, handlerID); err != nil {
		return false, err
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := processingKey(idempotencyKey, handlerID)
	if entry, ok := s.processed[key]; ok && entry.completed {
		return false, nil
	}

	s.processed[key] = processingEntry{at: s.now(), completed: true}

	return true, nil
}

// Release drops an uncompleted reservation.
func (s *MemoryStore) Release(ctx context.Context, idempotencyKey, handlerID string) error {
	if err := ValidateProcessingKey(idempotencyKey, handlerID); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := processingKey(idempotencyKey, handlerID)
	if entry, ok := s.processed[key]; ok && !entry.completed {
		delete(s.processed, key)
	}

	return nil
}

// History returns a copy of the audit log in emission order.
func (s *MemoryStore) History() []HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]HistoryRecord, len(s.history))
	for i, h := range s.history {
		out[i] = *h
	}

	return out
}

func (s *MemoryStore) processingLocked(id uuid.UUID) (*Record, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	if rec.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", ErrStateTransitionConflict, id, rec.Status)
	}

	return rec, nil
}

func (s *MemoryStore) addDeadLetterLocked(dl *DeadLetter) {
	s.deadLetters[dl.ID] = dl
	s.dlOrder = append(s.dlOrder, dl.ID)
}

func processingKey(idempotencyKey, handlerID string) string {
	return handlerID + "\x00" + idempotencyKey
}

// ValidateProcessingKey checks both parts of a processing-log key.
func ValidateProcessingKey(idempotencyKey, handlerID string) error {
	if idempotencyKey == "" {
		return ErrIdempotencyKeyRequired
	}

	if handlerID == "" {
		return ErrHandlerIDRequired
	}

	return nil
}
