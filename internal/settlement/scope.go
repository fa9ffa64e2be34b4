package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sunminimart/backend/internal/domain"
	"sunminimart/backend/internal/store"
)

// State is the lifecycle position of a sale transaction.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRollingBack:
		return "rolling_back"
	case StateRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

const rollbackTimeout = 5 * time.Second

// txScope owns one store.SaleTx from begin until it is either committed or
// rolled back. release is deferred by the caller so every exit path ends the
// transaction exactly once.
type txScope struct {
	tx     store.SaleTx
	state  State
	logger *zap.Logger
}

func begin(ctx context.Context, beginner store.TxBeginner, logger *zap.Logger) (*txScope, error) {
	tx, err := beginner.BeginSale(ctx)
	if err != nil {
		return nil, err
	}
	scope := &txScope{tx: tx, state: StateIdle, logger: logger}
	scope.transition(StateOpen)
	return scope, nil
}

func (s *txScope) transition(next State) {
	s.logger.Debug("sale transaction state", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
}

// commit ends the transaction. Once Commit has been attempted the store has
// finished the transaction either way, so release becomes a no-op.
func (s *txScope) commit(ctx context.Context) error {
	if s.state != StateOpen {
		return store.ErrTxDone
	}
	s.transition(StateCommitting)
	if err := s.tx.Commit(ctx); err != nil {
		s.transition(StateRolledBack)
		return err
	}
	s.transition(StateCommitted)
	return nil
}

// release rolls back an open transaction. cause is the failure that led here;
// when rollback itself fails the returned *domain.TransactionError carries
// both.
func (s *txScope) release(ctx context.Context, cause error) error {
	if s.state != StateOpen {
		return cause
	}
	s.transition(StateRollingBack)

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := s.tx.Rollback(rbCtx); err != nil && !errors.Is(err, store.ErrTxDone) {
		s.logger.Error("sale rollback failed, database state must be checked", zap.Error(err), zap.NamedError("cause", cause))
		s.transition(StateRolledBack)
		return &domain.TransactionError{Op: "rollback", Err: err, Cause: cause}
	}
	s.transition(StateRolledBack)
	return cause
}
