package chain

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/watchmesh/watchtower/signing"
)

func TestTransfersFromResults(t *testing.T) {
	t.Parallel()
	since := time.Now().Add(-time.Hour)
	fresh := time.Now().Unix()
	old := time.Now().Add(-2 * time.Hour).Unix()

	results := []btcjson.ListTransactionsResult{
		{Category: "send", Address: "addr-1", Amount: -0.000005, Confirmations: 2, TxID: "tx-1", Time: fresh},
		{Category: "receive", Address: "addr-2", Amount: 0.5, Confirmations: 2, TxID: "tx-2", Time: fresh},
		{Category: "send", Address: "addr-3", Amount: -1.5, Confirmations: 0, TxID: "tx-3", Time: fresh},
		{Category: "send", Address: "addr-4", Amount: -1.5, Confirmations: 3, TxID: "tx-4", Time: old},
	}

	transfers := transfersFromResults(results, since)
	require.Len(t, transfers, 1)
	require.Equal(t, "addr-1", transfers[0].Recipient)
	require.EqualValues(t, 500, transfers[0].Amount)
	require.Equal(t, "tx-1", transfers[0].Signature)
}

func TestNetworkParams(t *testing.T) {
	t.Parallel()
	for _, network := range []string{"", "mainnet", "testnet3", "regtest", "simnet"} {
		params, err := networkParams(network)
		require.NoError(t, err, network)
		require.NotNil(t, params)
	}
	_, err := networkParams("moonnet")
	require.Error(t, err)
}

func TestSubmitRejectsSigningKeyRecipient(t *testing.T) {
	t.Parallel()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	// A base58 signing key carries no base58check checksum and is not
	// a payable address; validators must register a payout address.
	c := &Client{params: &chaincfg.MainNetParams}
	_, err = c.Submit(context.Background(), signing.EncodeKey(pub), 500)
	require.Error(t, err)
}

func TestAwaitStopsOnCanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	_, err := await(ctx, func() (int, error) {
		<-block
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
