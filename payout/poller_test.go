package payout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/watchmesh/watchtower/store"
)

type submission struct {
	recipient string
	amount    uint64
}

type fakeLedger struct {
	mu          sync.Mutex
	transfers   []Transfer
	historyErr  error
	submitSig   string
	submitErr   error
	submissions []submission
}

func (f *fakeLedger) RecentTransfers(ctx context.Context, since time.Time) ([]Transfer, error) {
	return f.transfers, f.historyErr
}

func (f *fakeLedger) Submit(ctx context.Context, recipient string, amount uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{recipient: recipient, amount: amount})
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitSig, nil
}

func (f *fakeLedger) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newValidatorWithPayout(t *testing.T, s *store.Store, credit uint64) (*store.Validator, *store.Transaction) {
	t.Helper()
	v := &store.Validator{
		ID:            uuid.NewString(),
		PubKey:        uuid.NewString(),
		PayoutAddress: "addr-" + uuid.NewString(),
		PendingPayout: credit,
		CreatedAt:     time.Now().Unix(),
	}
	require.NoError(t, s.PutValidator(context.Background(), v))
	txn, err := s.CreatePayout(context.Background(), v.ID, time.Now())
	require.NoError(t, err)
	return v, txn
}

func newPoller(s *store.Store, ledger Ledger) *Poller {
	cfg := DefaultConfig()
	return NewPoller(cfg, s, ledger)
}

func TestPollSettlesFromHistory(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	v, txn := newValidatorWithPayout(t, s, 500)

	ledger := &fakeLedger{
		transfers: []Transfer{
			{Recipient: v.PayoutAddress, Amount: 500, Signature: "sig-history", Time: time.Now().Add(time.Minute)},
		},
	}
	require.NoError(t, newPoller(s, ledger).poll(ctx))

	settled, err := s.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, store.TxSuccess, settled.Status)
	require.Equal(t, "sig-history", settled.Signature)

	got, err := s.ValidatorByID(ctx, v.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, got.PendingPayout)
	require.False(t, got.Locked())
	require.Empty(t, ledger.submitted(), "settled transactions must not be paid again")
}

func TestPollIgnoresMismatchedTransfers(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	v, _ := newValidatorWithPayout(t, s, 500)

	ledger := &fakeLedger{
		transfers: []Transfer{
			{Recipient: v.PayoutAddress, Amount: 499, Signature: "wrong-amount", Time: time.Now().Add(time.Minute)},
			{Recipient: "someone-else", Amount: 500, Signature: "wrong-recipient", Time: time.Now().Add(time.Minute)},
			{Recipient: v.PayoutAddress, Amount: 500, Signature: "too-old", Time: time.Now().Add(-time.Hour)},
		},
		submitSig: "sig-fresh",
	}
	require.NoError(t, newPoller(s, ledger).poll(ctx))

	// None of the entries matched, so a fresh transfer went out.
	require.Equal(t, []submission{{recipient: v.PayoutAddress, amount: 500}}, ledger.submitted())
}

func TestPollSubmitsWhenNoMatch(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	v, txn := newValidatorWithPayout(t, s, 500)

	ledger := &fakeLedger{submitSig: "sig-fresh"}
	require.NoError(t, newPoller(s, ledger).poll(ctx))

	settled, err := s.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, store.TxSuccess, settled.Status)
	require.Equal(t, "sig-fresh", settled.Signature)

	got, err := s.ValidatorByID(ctx, v.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, got.PendingPayout)
	require.False(t, got.Locked())
}

func TestPollHistoryErrorFallsBackToSubmission(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	_, txn := newValidatorWithPayout(t, s, 500)

	ledger := &fakeLedger{historyErr: errors.New("rpc unavailable"), submitSig: "sig-fresh"}
	require.NoError(t, newPoller(s, ledger).poll(ctx))

	settled, err := s.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, store.TxSuccess, settled.Status)
}

func TestPollRetriesOnSubmissionFailure(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	v, txn := newValidatorWithPayout(t, s, 500)

	ledger := &fakeLedger{submitErr: errors.New("insufficient funds")}
	require.NoError(t, newPoller(s, ledger).poll(ctx))

	failed, err := s.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, store.TxFailure, failed.Status)
	require.EqualValues(t, 1, failed.RetryCount)

	// The lock stays held so a concurrent initiation keeps reporting
	// "in progress" instead of opening a second transaction.
	got, err := s.ValidatorByID(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, got.Locked())
	require.EqualValues(t, 500, got.PendingPayout)
}

func TestPollRetryExhaustion(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	v, txn := newValidatorWithPayout(t, s, 500)

	ledger := &fakeLedger{submitErr: errors.New("insufficient funds")}
	p := newPoller(s, ledger)
	for i := 0; i < int(p.cfg.MaxRetries); i++ {
		require.NoError(t, p.poll(ctx))
	}

	failed, err := s.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, store.TxFailure, failed.Status)
	require.Equal(t, p.cfg.MaxRetries, failed.RetryCount)

	got, err := s.ValidatorByID(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, got.Locked(), "terminal failure releases the validator")
	require.EqualValues(t, 500, got.PendingPayout, "unpaid credit stays outstanding")

	// The terminal transaction has left the reconciliation scan.
	require.NoError(t, p.poll(ctx))
	require.Len(t, ledger.submitted(), int(p.cfg.MaxRetries))
}

func TestPollFailsWithoutPayoutAddress(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	v := &store.Validator{ID: uuid.NewString(), PubKey: uuid.NewString(), PendingPayout: 500}
	require.NoError(t, s.PutValidator(ctx, v))
	txn, err := s.CreatePayout(ctx, v.ID, time.Now())
	require.NoError(t, err)

	ledger := &fakeLedger{submitSig: "sig-fresh"}
	p := newPoller(s, ledger)
	for i := 0; i < int(p.cfg.MaxRetries); i++ {
		require.NoError(t, p.poll(ctx))
	}

	// No recipient is known, so nothing was ever submitted and the
	// transaction went terminal.
	require.Empty(t, ledger.submitted())
	failed, err := s.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, store.TxFailure, failed.Status)
	require.Equal(t, p.cfg.MaxRetries, failed.RetryCount)

	got, err := s.ValidatorByID(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, got.Locked())
	require.EqualValues(t, 500, got.PendingPayout)
}

func TestPollClearsStaleLocks(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	stale := &store.Validator{
		ID:       uuid.NewString(),
		PubKey:   uuid.NewString(),
		LockedAt: time.Now().Add(-48 * time.Hour).Unix(),
	}
	require.NoError(t, s.PutValidator(ctx, stale))

	require.NoError(t, newPoller(s, &fakeLedger{}).poll(ctx))

	got, err := s.ValidatorByID(ctx, stale.ID)
	require.NoError(t, err)
	require.False(t, got.Locked())
}

func TestInitiatePayoutResults(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	svc := NewService(s)

	_, err := svc.InitiatePayout(ctx, "unknown")
	require.ErrorIs(t, err, ErrNotFound)

	v := &store.Validator{ID: uuid.NewString(), PubKey: uuid.NewString()}
	require.NoError(t, s.PutValidator(ctx, v))
	_, err = svc.InitiatePayout(ctx, v.ID)
	require.ErrorIs(t, err, ErrNothingToPay)

	rich := &store.Validator{ID: uuid.NewString(), PubKey: uuid.NewString(), PendingPayout: 300}
	require.NoError(t, s.PutValidator(ctx, rich))
	txnID, err := svc.InitiatePayout(ctx, rich.ID)
	require.NoError(t, err)
	require.NotEmpty(t, txnID)

	_, err = svc.InitiatePayout(ctx, rich.ID)
	require.ErrorIs(t, err, ErrPayoutInProgress)
}
