package scheduler

import (
	"context"
	"time"

	"rulekeeper/internal/storage"
)

// Service is the persistence view of one tick. It never commits; the tick
// owns the transaction.
type Service struct {
	tx storage.Tx
}

func NewService(tx storage.Tx) *Service { return &Service{tx: tx} }

func (s *Service) ListDueRules(ctx context.Context, now time.Time, limit int) ([]storage.Rule, error) {
	return s.tx.ListDueRules(ctx, now, limit)
}

func (s *Service) StartExecution(ctx context.Context, ruleID string, executedAt time.Time) (storage.Execution, error) {
	return s.tx.CreateExecution(ctx, ruleID, executedAt)
}

func (s *Service) FinishExecutionSuccess(ctx context.Context, executionID, summary string) error {
	return s.tx.FinishExecution(ctx, executionID, storage.StatusSuccess, summary)
}

func (s *Service) FinishExecutionFailure(ctx context.Context, executionID, summary string) error {
	return s.tx.FinishExecution(ctx, executionID, storage.StatusFailure, summary)
}

func (s *Service) UpdateNextRunAt(ctx context.Context, ruleID string, next time.Time) error {
	return s.tx.UpdateNextRunAt(ctx, ruleID, next)
}

// Checkpoint opens a savepoint around one rule's writes.
func (s *Service) Checkpoint(ctx context.Context, name string) error {
	return s.tx.Savepoint(ctx, name)
}

// Discard drops every write made since Checkpoint(name).
func (s *Service) Discard(ctx context.Context, name string) error {
	return s.tx.RollbackTo(ctx, name)
}

func (s *Service) Keep(ctx context.Context, name string) error {
	return s.tx.Release(ctx, name)
}
