// Package payout converts validator credit into on-chain transfers and
// reconciles the resulting transactions against the external ledger.
package payout

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/watchmesh/watchtower/logging"
	"github.com/watchmesh/watchtower/store"
)

// Sentinel results of InitiatePayout. ErrPayoutInProgress and
// ErrNothingToPay are benign states for the caller, not faults.
var (
	ErrNotFound         = store.ErrNotFound
	ErrPayoutInProgress = store.ErrPayoutInProgress
	ErrNothingToPay     = store.ErrNothingToPay
)

// Service exposes payout initiation to the API layer.
type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// InitiatePayout opens a Pending transaction for the validator's full
// pending credit and locks the validator against concurrent payouts.
// The check-and-set runs as one atomic persistence transaction; it is
// not possible to observe the lock set without the transaction or the
// other way around.
func (s *Service) InitiatePayout(ctx context.Context, validatorID string) (string, error) {
	txn, err := s.store.CreatePayout(ctx, validatorID, time.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", ErrNotFound
	case errors.Is(err, store.ErrPayoutInProgress):
		return "", ErrPayoutInProgress
	case errors.Is(err, store.ErrNothingToPay):
		return "", ErrNothingToPay
	case err != nil:
		return "", err
	}
	logging.FromContext(ctx).Info("payout initiated",
		zap.String("validator", validatorID),
		zap.String("txn", txn.ID),
		zap.Uint64("amount", txn.Amount),
	)
	return txn.ID, nil
}
