package store

// Validator is a remote worker identified by its public key.
// PendingPayout and LockedAt are mutated only by the payout service
// and the reconciliation poller.
type Validator struct {
	ID     string
	PubKey string
	// PayoutAddress is the chain address transfers are sent to. The
	// signing key identifies the validator but is not itself payable.
	PayoutAddress string
	IP            string
	Location      string
	PendingPayout uint64
	// LockedAt is the unix time a payout was initiated, 0 when no
	// payout is in flight. It is an advisory flag, not a row lock.
	LockedAt  int64
	CreatedAt int64
}

// Locked reports whether a payout is in flight for the validator.
func (v *Validator) Locked() bool {
	return v.LockedAt != 0
}

// Website is a monitored target. Deleted websites are excluded from
// dispatch but kept so past ticks stay resolvable.
type Website struct {
	ID        string
	URL       string
	OwnerID   string
	Email     string
	Deleted   bool
	CreatedAt int64
}

// Tick is one authenticated check result. Ticks are immutable.
type Tick struct {
	ID          string
	WebsiteID   string
	ValidatorID string
	Status      string
	LatencyMS   int64
	CreatedAt   int64
}

// Transaction statuses.
const (
	TxPending = "Pending"
	TxSuccess = "Success"
	TxFailure = "Failure"
)

// Transaction records one payout attempt for a validator's accumulated
// credit. Status, Signature and RetryCount are written only by the
// reconciliation poller.
type Transaction struct {
	ID          string
	ValidatorID string
	Amount      uint64
	Signature   string
	Status      string
	RetryCount  uint32
	CreatedAt   int64
}
