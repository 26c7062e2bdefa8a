package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/watchmesh/watchtower/logging"
	"github.com/watchmesh/watchtower/metrics"
	"github.com/watchmesh/watchtower/store"
)

//nolint:lll
type Config struct {
	PollInterval time.Duration `long:"poll-interval" description:"The interval between reconciliation rounds"`
	MaxRetries   uint32        `long:"max-retries"   description:"Submission attempts before a transaction is abandoned"`
	LockTTL      time.Duration `long:"lock-ttl"      description:"Age after which an unaccounted payout lock is force-cleared"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		MaxRetries:   3,
		LockTTL:      24 * time.Hour,
	}
}

// Poller reconciles open transactions against the external ledger.
// It is the sole writer of transaction status and the sole clearer of
// payout locks, and must run as a single instance.
type Poller struct {
	cfg    Config
	store  *store.Store
	ledger Ledger
}

func NewPoller(cfg Config, st *store.Store, ledger Ledger) *Poller {
	return &Poller{cfg: cfg, store: st, ledger: ledger}
}

// Run drives reconciliation rounds until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("poller")
	ctx = logging.NewContext(ctx, logger)
	logger.Info("starting reconciliation loop",
		zap.Duration("interval", p.cfg.PollInterval),
		zap.Uint32("max_retries", p.cfg.MaxRetries),
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciliation loop shutting down")
			return nil
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				logger.Error("reconciliation round failed", zap.Error(err))
			}
		}
	}
}

// poll runs one reconciliation round. A failing transaction does not
// abort the rest of the batch; errors are aggregated and reported at
// the end.
func (p *Poller) poll(ctx context.Context) error {
	open, err := p.store.OpenTransactions(ctx, p.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("listing open transactions: %w", err)
	}

	var result *multierror.Error
	for _, txn := range open {
		if err := p.reconcile(ctx, txn); err != nil {
			result = multierror.Append(result, fmt.Errorf("transaction %s: %w", txn.ID, err))
		}
	}

	cleared, err := p.store.ClearStaleLocks(ctx, time.Now().Add(-p.cfg.LockTTL), p.cfg.MaxRetries)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("clearing stale locks: %w", err))
	} else if len(cleared) > 0 {
		// A stale lock means a crash left a validator locked with no
		// transaction to account for it. Operator-visible anomaly.
		metrics.AddStaleLocksCleared(len(cleared))
		logging.FromContext(ctx).Warn("force-cleared stale payout locks", zap.Strings("validators", cleared))
	}
	return result.ErrorOrNil()
}

// reconcile settles one transaction: first against the ledger's recent
// transfer history, then by submitting a fresh transfer. History-first
// makes confirmation idempotent across poller crashes; a transfer that
// settled before the crash is found on the next scan instead of being
// paid twice.
func (p *Poller) reconcile(ctx context.Context, txn store.Transaction) error {
	logger := logging.FromContext(ctx).With(
		zap.String("txn", txn.ID),
		zap.String("validator", txn.ValidatorID),
		zap.Uint64("amount", txn.Amount),
	)
	v, err := p.store.ValidatorByID(ctx, txn.ValidatorID)
	if err != nil {
		return fmt.Errorf("looking up validator: %w", err)
	}
	if v.PayoutAddress == "" {
		// Nothing on the ledger can match and a submission has no
		// recipient to name. Counts as a failed attempt so the
		// transaction goes terminal instead of looping forever.
		return p.failSubmission(ctx, txn, logger, errors.New("validator has no payout address on file"))
	}

	createdAt := time.Unix(txn.CreatedAt, 0)
	transfers, err := p.ledger.RecentTransfers(ctx, createdAt)
	if err != nil {
		// Degrade to the submission path; the history scan will catch
		// a double spend on the next round only if submission also
		// fails now, which the ledger's own idempotence must cover.
		logger.Warn("failed to fetch transfer history", zap.Error(err))
	}
	for _, t := range transfers {
		if t.Recipient == v.PayoutAddress && t.Amount == txn.Amount && t.Time.After(createdAt) {
			logger.Info("found settled transfer", zap.String("signature", t.Signature))
			metrics.ObserveReconciliation(metrics.OutcomeSettled)
			return p.store.SettleTransaction(ctx, txn.ID, t.Signature)
		}
	}

	signature, err := p.ledger.Submit(ctx, v.PayoutAddress, txn.Amount)
	if err != nil {
		return p.failSubmission(ctx, txn, logger, err)
	}
	logger.Info("submitted transfer", zap.String("signature", signature))
	metrics.ObserveReconciliation(metrics.OutcomeSubmitted)
	return p.store.SettleTransaction(ctx, txn.ID, signature)
}

// failSubmission records one failed payout attempt and classifies the
// outcome.
func (p *Poller) failSubmission(ctx context.Context, txn store.Transaction, logger *zap.Logger, cause error) error {
	terminal, err := p.store.FailTransaction(ctx, txn.ID, p.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("recording failed submission: %w", err)
	}
	if terminal {
		// The validator is unlocked for future payouts but the
		// credit stays outstanding. Requires operator attention.
		metrics.ObserveReconciliation(metrics.OutcomeAbandoned)
		logger.Error("abandoning transaction after exhausted retries", zap.Error(cause))
	} else {
		metrics.ObserveReconciliation(metrics.OutcomeRetry)
		logger.Warn("transfer submission failed, will retry", zap.Error(cause))
	}
	return nil
}
