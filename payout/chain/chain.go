// Package chain implements payout.Ledger on top of a btcd-compatible
// node's wallet RPC.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/watchmesh/watchtower/payout"
)

//nolint:lll
type Config struct {
	RPCHost      string `long:"rpc-host"      description:"Host/port of the ledger node RPC; payout reconciliation is disabled when empty"`
	RPCUser      string `long:"rpc-user"      description:"Username for the ledger node RPC"`
	RPCPass      string `long:"rpc-pass"      description:"Password for the ledger node RPC"`
	Network      string `long:"network"       description:"Ledger network (mainnet, testnet3, regtest, simnet)"`
	HistoryLimit int    `long:"history-limit" description:"How many recent wallet transactions to scan for settlement"`
}

func DefaultConfig() Config {
	return Config{
		Network:      "mainnet",
		HistoryLimit: 50,
	}
}

// Client talks to the node holding the paying account.
type Client struct {
	rpc          *rpcclient.Client
	params       *chaincfg.Params
	historyLimit int
}

func New(cfg Config) (*Client, error) {
	params, err := networkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.RPCHost,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to ledger node at %s: %w", cfg.RPCHost, err)
	}
	return &Client{rpc: rpc, params: params, historyLimit: cfg.HistoryLimit}, nil
}

func (c *Client) Close() {
	c.rpc.Shutdown()
}

// RecentTransfers lists settled outbound transfers from the paying
// account newer than since.
func (c *Client) RecentTransfers(ctx context.Context, since time.Time) ([]payout.Transfer, error) {
	results, err := await(ctx, c.rpc.ListTransactionsCountAsync("*", c.historyLimit).Receive)
	if err != nil {
		return nil, fmt.Errorf("listing wallet transactions: %w", err)
	}
	return transfersFromResults(results, since), nil
}

// Submit sends amount (in base units) to recipient and treats a
// successful submission as settled.
func (c *Client) Submit(ctx context.Context, recipient string, amount uint64) (string, error) {
	addr, err := btcutil.DecodeAddress(recipient, c.params)
	if err != nil {
		return "", fmt.Errorf("decoding recipient address %s: %w", recipient, err)
	}
	hash, err := await(ctx, c.rpc.SendToAddressAsync(addr, btcutil.Amount(amount)).Receive)
	if err != nil {
		return "", fmt.Errorf("sending %d to %s: %w", amount, recipient, err)
	}
	return hash.String(), nil
}

// await waits for a pending RPC response, abandoning it when ctx ends.
// The call itself is not canceled; a submission abandoned mid-flight
// still lands on the ledger and is settled by the next history scan.
func await[T any](ctx context.Context, receive func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		value, err := receive()
		ch <- result{value: value, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.value, r.err
	}
}

// transfersFromResults converts wallet history entries into ledger
// transfers, keeping only confirmed sends newer than since.
func transfersFromResults(results []btcjson.ListTransactionsResult, since time.Time) []payout.Transfer {
	var transfers []payout.Transfer
	for _, r := range results {
		if r.Category != "send" || r.Confirmations <= 0 {
			continue
		}
		settled := time.Unix(r.Time, 0)
		if !settled.After(since) {
			continue
		}
		// Wallet history reports sends as negative amounts in coins.
		amount, err := btcutil.NewAmount(-r.Amount)
		if err != nil || amount <= 0 {
			continue
		}
		transfers = append(transfers, payout.Transfer{
			Recipient: r.Address,
			Amount:    uint64(amount),
			Signature: r.TxID,
			Time:      settled,
		})
	}
	return transfers
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
