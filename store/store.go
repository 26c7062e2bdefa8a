// Package store persists validators, websites, ticks and payout
// transactions in a single leveldb keyspace.
//
// Multi-statement updates (recording a tick together with the credit
// increment, initiating and settling payouts) run inside a leveldb
// transaction, which is exclusive: no other writer can interleave, so
// read-modify-write counters are atomic.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotFound         = leveldb.ErrNotFound
	ErrPayoutInProgress = errors.New("payout already in progress")
	ErrNothingToPay     = errors.New("no pending credit to pay out")
)

const (
	prefixValidator   = "validator/"
	prefixValidatorID = "validatorid/"
	prefixWebsite     = "website/"
	prefixTick        = "tick/"
	prefixTxn         = "txn/"
)

// Store is a leveldb-backed persistence layer.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type getter interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
}

type reader interface {
	getter
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func get[T any](r getter, key string) (*T, error) {
	data, err := r.Get([]byte(key), nil)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return nil, fmt.Errorf("deserializing %s: %w", key, err)
	}
	return v, nil
}

func serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("serialization failure: %w", err)
	}
	return buf.Bytes(), nil
}

// PutValidator creates or replaces a validator and its id index entry.
func (s *Store) PutValidator(ctx context.Context, v *Validator) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixValidator+v.PubKey), data)
	batch.Put([]byte(prefixValidatorID+v.ID), []byte(v.PubKey))
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing validator %s: %w", v.ID, err)
	}
	return nil
}

// ValidatorByKey fetches a validator by its public key.
func (s *Store) ValidatorByKey(ctx context.Context, pubKey string) (*Validator, error) {
	return get[Validator](s.db, prefixValidator+pubKey)
}

// ValidatorByID fetches a validator through the id index.
func (s *Store) ValidatorByID(ctx context.Context, id string) (*Validator, error) {
	return validatorByID(s.db, id)
}

func validatorByID(r getter, id string) (*Validator, error) {
	pubKey, err := r.Get([]byte(prefixValidatorID+id), nil)
	if err != nil {
		return nil, err
	}
	return get[Validator](r, prefixValidator+string(pubKey))
}

// PutWebsite creates or replaces a monitored website.
func (s *Store) PutWebsite(ctx context.Context, w *Website) error {
	data, err := serialize(w)
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(prefixWebsite+w.ID), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing website %s: %w", w.ID, err)
	}
	return nil
}

// Website fetches a single website by id.
func (s *Store) Website(ctx context.Context, id string) (*Website, error) {
	return get[Website](s.db, prefixWebsite+id)
}

// SoftDeleteWebsite marks a website deleted without removing it, so
// past ticks keep a valid target to refer to.
func (s *Store) SoftDeleteWebsite(ctx context.Context, id string) error {
	w, err := s.Website(ctx, id)
	if err != nil {
		return err
	}
	w.Deleted = true
	return s.PutWebsite(ctx, w)
}

// ActiveWebsites returns all websites not marked deleted.
func (s *Store) ActiveWebsites(ctx context.Context) ([]Website, error) {
	var websites []Website
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixWebsite)), nil)
	defer iter.Release()
	for iter.Next() {
		var w Website
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &w); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", iter.Key(), err)
		}
		if w.Deleted {
			continue
		}
		websites = append(websites, w)
	}
	return websites, iter.Error()
}

// RecordTick stores an authenticated check result and credits the
// validator with reward in the same atomic unit.
func (s *Store) RecordTick(ctx context.Context, tick *Tick, reward uint64) error {
	if tick.ID == "" {
		tick.ID = uuid.NewString()
	}
	data, err := serialize(tick)
	if err != nil {
		return err
	}
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	v, err := validatorByID(trans, tick.ValidatorID)
	if err != nil {
		trans.Discard()
		return fmt.Errorf("looking up validator %s: %w", tick.ValidatorID, err)
	}
	v.PendingPayout += reward
	vdata, err := serialize(v)
	if err != nil {
		trans.Discard()
		return err
	}
	key := fmt.Sprintf("%s%s/%s", prefixTick, tick.WebsiteID, tick.ID)
	if err := trans.Put([]byte(key), data, nil); err != nil {
		trans.Discard()
		return fmt.Errorf("storing tick: %w", err)
	}
	if err := trans.Put([]byte(prefixValidator+v.PubKey), vdata, nil); err != nil {
		trans.Discard()
		return fmt.Errorf("updating validator credit: %w", err)
	}
	return trans.Commit()
}

// TicksForWebsite returns all recorded ticks for a website.
func (s *Store) TicksForWebsite(ctx context.Context, websiteID string) ([]Tick, error) {
	var ticks []Tick
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixTick+websiteID+"/")), nil)
	defer iter.Release()
	for iter.Next() {
		var t Tick
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &t); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", iter.Key(), err)
		}
		ticks = append(ticks, t)
	}
	return ticks, iter.Error()
}

// CreatePayout converts a validator's pending credit into a Pending
// transaction and sets the payout lock, all in one atomic unit. It
// fails with ErrPayoutInProgress while a previous payout is in flight
// and ErrNothingToPay when there is no credit to convert.
func (s *Store) CreatePayout(ctx context.Context, validatorID string, now time.Time) (*Transaction, error) {
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return nil, err
	}
	v, err := validatorByID(trans, validatorID)
	if err != nil {
		trans.Discard()
		return nil, err
	}
	if v.Locked() {
		trans.Discard()
		return nil, ErrPayoutInProgress
	}
	if v.PendingPayout == 0 {
		trans.Discard()
		return nil, ErrNothingToPay
	}
	txn := &Transaction{
		ID:          uuid.NewString(),
		ValidatorID: v.ID,
		Amount:      v.PendingPayout,
		Status:      TxPending,
		CreatedAt:   now.Unix(),
	}
	tdata, err := serialize(txn)
	if err != nil {
		trans.Discard()
		return nil, err
	}
	v.LockedAt = now.Unix()
	vdata, err := serialize(v)
	if err != nil {
		trans.Discard()
		return nil, err
	}
	if err := trans.Put([]byte(prefixTxn+txn.ID), tdata, nil); err != nil {
		trans.Discard()
		return nil, fmt.Errorf("storing transaction: %w", err)
	}
	if err := trans.Put([]byte(prefixValidator+v.PubKey), vdata, nil); err != nil {
		trans.Discard()
		return nil, fmt.Errorf("locking validator: %w", err)
	}
	if err := trans.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// Transaction fetches a single transaction by id.
func (s *Store) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return get[Transaction](s.db, prefixTxn+id)
}

// OpenTransactions returns transactions still eligible for
// reconciliation: status Pending or Failure with retries left.
func (s *Store) OpenTransactions(ctx context.Context, maxRetries uint32) ([]Transaction, error) {
	return openTransactions(s.db, maxRetries)
}

func openTransactions(r reader, maxRetries uint32) ([]Transaction, error) {
	var open []Transaction
	iter := r.NewIterator(util.BytesPrefix([]byte(prefixTxn)), nil)
	defer iter.Release()
	for iter.Next() {
		var t Transaction
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &t); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", iter.Key(), err)
		}
		if t.Status == TxSuccess || t.RetryCount >= maxRetries {
			continue
		}
		open = append(open, t)
	}
	return open, iter.Error()
}

// SettleTransaction marks a transaction Success, records the matched
// transfer signature, debits the validator's credit by the settled
// amount and releases the payout lock, atomically.
func (s *Store) SettleTransaction(ctx context.Context, txnID, signature string) error {
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	txn, err := get[Transaction](trans, prefixTxn+txnID)
	if err != nil {
		trans.Discard()
		return err
	}
	txn.Status = TxSuccess
	txn.Signature = signature
	txn.RetryCount++
	v, err := validatorByID(trans, txn.ValidatorID)
	if err != nil {
		trans.Discard()
		return fmt.Errorf("looking up validator %s: %w", txn.ValidatorID, err)
	}
	if txn.Amount > v.PendingPayout {
		// Must not happen while the at-most-one-pending invariant
		// holds; clamp instead of wrapping around.
		v.PendingPayout = 0
	} else {
		v.PendingPayout -= txn.Amount
	}
	v.LockedAt = 0
	tdata, err := serialize(txn)
	if err != nil {
		trans.Discard()
		return err
	}
	vdata, err := serialize(v)
	if err != nil {
		trans.Discard()
		return err
	}
	if err := trans.Put([]byte(prefixTxn+txn.ID), tdata, nil); err != nil {
		trans.Discard()
		return fmt.Errorf("updating transaction: %w", err)
	}
	if err := trans.Put([]byte(prefixValidator+v.PubKey), vdata, nil); err != nil {
		trans.Discard()
		return fmt.Errorf("updating validator: %w", err)
	}
	return trans.Commit()
}

// FailTransaction bumps the retry counter after a failed submission.
// When retries are exhausted the transaction becomes a terminal
// Failure and the validator's lock is released; the unpaid credit
// stays on the validator. Returns whether the failure is terminal.
func (s *Store) FailTransaction(ctx context.Context, txnID string, maxRetries uint32) (bool, error) {
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return false, err
	}
	txn, err := get[Transaction](trans, prefixTxn+txnID)
	if err != nil {
		trans.Discard()
		return false, err
	}
	txn.Status = TxFailure
	txn.RetryCount++
	terminal := txn.RetryCount >= maxRetries
	tdata, err := serialize(txn)
	if err != nil {
		trans.Discard()
		return false, err
	}
	if err := trans.Put([]byte(prefixTxn+txn.ID), tdata, nil); err != nil {
		trans.Discard()
		return false, fmt.Errorf("updating transaction: %w", err)
	}
	if terminal {
		v, err := validatorByID(trans, txn.ValidatorID)
		if err != nil {
			trans.Discard()
			return false, fmt.Errorf("looking up validator %s: %w", txn.ValidatorID, err)
		}
		v.LockedAt = 0
		vdata, err := serialize(v)
		if err != nil {
			trans.Discard()
			return false, err
		}
		if err := trans.Put([]byte(prefixValidator+v.PubKey), vdata, nil); err != nil {
			trans.Discard()
			return false, fmt.Errorf("unlocking validator: %w", err)
		}
	}
	if err := trans.Commit(); err != nil {
		return false, err
	}
	return terminal, nil
}

// ClearStaleLocks force-clears payout locks older than olderThan on
// validators that have no open transaction left to account for them.
// Such locks are leftovers of a crash between initiating a payout and
// reconciling it. Returns the ids of the validators that were unlocked.
func (s *Store) ClearStaleLocks(ctx context.Context, olderThan time.Time, maxRetries uint32) ([]string, error) {
	// The candidate scan runs on a plain snapshot; each clear re-reads
	// and writes the validator under an exclusive transaction so a
	// credit update committed after the snapshot cannot be overwritten.
	var candidates []string
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixValidator)), nil)
	for iter.Next() {
		var v Validator
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &v); err != nil {
			iter.Release()
			return nil, fmt.Errorf("deserializing %s: %w", iter.Key(), err)
		}
		if v.Locked() && v.LockedAt < olderThan.Unix() {
			candidates = append(candidates, v.PubKey)
		}
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return nil, err
	}

	var cleared []string
	for _, pubKey := range candidates {
		id, err := s.clearStaleLock(pubKey, olderThan, maxRetries)
		if err != nil {
			return cleared, err
		}
		if id != "" {
			cleared = append(cleared, id)
		}
	}
	return cleared, nil
}

// clearStaleLock clears one validator's lock if it is still stale and
// still unaccounted for at commit time.
func (s *Store) clearStaleLock(pubKey string, olderThan time.Time, maxRetries uint32) (string, error) {
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return "", err
	}
	v, err := get[Validator](trans, prefixValidator+pubKey)
	if err != nil {
		trans.Discard()
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if !v.Locked() || v.LockedAt >= olderThan.Unix() {
		trans.Discard()
		return "", nil
	}
	open, err := openTransactions(trans, maxRetries)
	if err != nil {
		trans.Discard()
		return "", err
	}
	for _, t := range open {
		if t.ValidatorID == v.ID {
			trans.Discard()
			return "", nil
		}
	}
	v.LockedAt = 0
	data, err := serialize(v)
	if err != nil {
		trans.Discard()
		return "", err
	}
	if err := trans.Put([]byte(prefixValidator+v.PubKey), data, nil); err != nil {
		trans.Discard()
		return "", fmt.Errorf("unlocking validator %s: %w", v.ID, err)
	}
	if err := trans.Commit(); err != nil {
		return "", err
	}
	return v.ID, nil
}
