package core

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func mineOnto(t *testing.T, prevHash string, txs []Transaction) Block {
	t.Helper()
	block := Block{Timestamp: "1", PreviousBlock: prevHash, TransactionPool: txs}
	pow := NewPoW(block)
	var stop atomic.Bool
	mined, ok, err := pow.ComputeNonceForPoW(&stop)
	require.NoError(t, err)
	require.True(t, ok)
	return mined
}

func TestResolveConflictsRejectsShorterChain(t *testing.T) {
	self := NewBlockChain()
	tip, _ := self.Tip()
	b := mineOnto(t, tip, nil)
	_, _ = self.SetNewBlock(b)

	shorter := NewBlockChain()

	orphans, accept, err := ResolveConflicts(self, shorter)
	require.NoError(t, err)
	require.False(t, accept)
	require.Nil(t, orphans)
}

func TestResolveConflictsAcceptsLongerValidChain(t *testing.T) {
	self := NewBlockChain()
	tip, _ := self.Tip()
	selfOnly := mineOnto(t, tip, []Transaction{{Timestamp: "selfonly"}})
	_, _ = self.SetNewBlock(selfOnly)

	candidate := NewBlockChain()
	candTip, _ := candidate.Tip()
	b1 := mineOnto(t, candTip, []Transaction{{Timestamp: "shared"}})
	_, _ = candidate.SetNewBlock(b1)
	b1Hash, _ := b1.Hash()
	b2 := mineOnto(t, b1Hash, nil)
	_, _ = candidate.SetNewBlock(b2)

	orphans, accept, err := ResolveConflicts(self, candidate)
	require.NoError(t, err)
	require.True(t, accept)
	require.Len(t, orphans, 1)
	require.Equal(t, "selfonly", orphans[0].TransactionPool[0].Timestamp)

	self.Renew(candidate)
	require.Equal(t, candidate.Len(), self.Len())
}

func TestOrphanTransactionsToRepoolExcludesCoinbaseAndCommitted(t *testing.T) {
	committedTx := Transaction{Timestamp: "committed"}
	newChain := NewBlockChain()
	tip, _ := newChain.Tip()
	b := mineOnto(t, tip, []Transaction{committedTx})
	_, _ = newChain.SetNewBlock(b)

	coinbase := NewCoinbaseTransaction("addr", 0)
	uncommitted := Transaction{Timestamp: "uncommitted"}
	orphan := Block{TransactionPool: []Transaction{committedTx, coinbase, uncommitted}}

	toRepool := OrphanTransactionsToRepool([]Block{orphan}, newChain)
	require.Len(t, toRepool, 1)
	require.Equal(t, "uncommitted", toRepool[0].Timestamp)
}

func TestCheckTransactionsInNewBlockCoinbaseArithmetic(t *testing.T) {
	prior := Transaction{Timestamp: "prior", Outputs: []TransactionOutput{{Recipient: "A", Value: 100}}}
	spend := Transaction{
		Timestamp: "spend",
		Inputs:    []TransactionInput{{Transaction: prior, OutputIndex: 0}},
		Outputs:   []TransactionOutput{{Recipient: "B", Value: 88}},
	}
	fee, err := spend.Fee()
	require.NoError(t, err)
	require.Equal(t, int64(12), fee)

	coinbase := NewCoinbaseTransaction("miner", fee)
	block := Block{TransactionPool: []Transaction{spend, coinbase}}

	ok, err := CheckTransactionsInNewBlock(block, BlockChain{}, func(Transaction) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckTransactionsInNewBlockRejectsDoubleSpend(t *testing.T) {
	prior := Transaction{Timestamp: "prior", Outputs: []TransactionOutput{{Recipient: "A", Value: 100}}}
	spendTx := Transaction{
		Timestamp: "spend",
		Inputs:    []TransactionInput{{Transaction: prior, OutputIndex: 0}},
		Outputs:   []TransactionOutput{{Recipient: "B", Value: 100}},
	}

	chainSoFar := NewBlockChain()
	tip, _ := chainSoFar.Tip()
	already := mineOnto(t, tip, []Transaction{spendTx})
	_, _ = chainSoFar.SetNewBlock(already)

	coinbase := NewCoinbaseTransaction("miner", 0)
	block := Block{TransactionPool: []Transaction{spendTx, coinbase}}

	ok, err := CheckTransactionsInNewBlock(block, chainSoFar, func(Transaction) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.False(t, ok)
}
