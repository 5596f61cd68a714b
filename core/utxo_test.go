package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUTXOManagerExtractUTXO(t *testing.T) {
	coinbase1 := NewCoinbaseTransaction("alice", 0)
	coinbase2 := NewCoinbaseTransaction("alice", 0)
	coinbase2.Timestamp = "distinct-from-coinbase1"

	um := NewUTXOManager("alice")
	um.ExtractUTXO([]Transaction{coinbase1, coinbase2})

	require.Equal(t, int64(2*BlockReward), um.Balance)
	require.Len(t, um.UTXOTxs, 2)
}

func TestUTXOManagerExcludesSpentOutputs(t *testing.T) {
	coinbase := NewCoinbaseTransaction("alice", 0)
	spend := Transaction{
		Timestamp: "spend",
		Inputs:    []TransactionInput{{Transaction: coinbase, OutputIndex: 0}},
		Outputs:   []TransactionOutput{{Recipient: "bob", Value: BlockReward}},
	}

	um := NewUTXOManager("alice")
	um.ExtractUTXO([]Transaction{coinbase, spend})
	require.Equal(t, int64(0), um.Balance)
	require.Empty(t, um.UTXOTxs)

	umBob := NewUTXOManager("bob")
	umBob.ExtractUTXO([]Transaction{coinbase, spend})
	require.Equal(t, int64(BlockReward), umBob.Balance)
}

func TestUTXOManagerPutAndRemove(t *testing.T) {
	um := NewUTXOManager("alice")
	tx := Transaction{Timestamp: "t", Outputs: []TransactionOutput{{Recipient: "alice", Value: 42}}}
	um.PutUTXOTx(tx)
	require.Equal(t, int64(42), um.Balance)

	um.RemoveUTXOTx(0)
	require.Equal(t, int64(0), um.Balance)
	require.Empty(t, um.UTXOTxs)
}
