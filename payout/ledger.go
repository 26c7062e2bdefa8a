package payout

import (
	"context"
	"time"
)

// Transfer is one settled outbound transfer from the paying account as
// seen on the external ledger.
type Transfer struct {
	Recipient string
	Amount    uint64
	Signature string
	Time      time.Time
}

// Ledger is the external blockchain seen from the poller: the recent
// transfer history of the paying account and the ability to submit a
// fresh transfer.
type Ledger interface {
	// RecentTransfers returns settled outbound transfers newer than since.
	RecentTransfers(ctx context.Context, since time.Time) ([]Transfer, error)
	// Submit sends amount to recipient and returns the transfer signature.
	Submit(ctx context.Context, recipient string, amount uint64) (string, error)
}
