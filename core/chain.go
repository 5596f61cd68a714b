// Copyright 2021 Hailiang Zhao <hliangzhao@zju.edu.cn>
// This file is part of the lightChain.
//
// The lightChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lightChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lightChain. If not, see <http://www.gnu.org/licenses/>.

package core

// BlockChain is the ordered list of blocks a node holds, starting with the
// fixed genesis block. The chain lives entirely in memory — there is no
// on-disk store backing it.
type BlockChain struct {
	Blocks []Block
}

// NewBlockChain returns a chain containing only the genesis block.
func NewBlockChain() BlockChain {
	return BlockChain{Blocks: []Block{NewGenesisBlock()}}
}

// Len returns the number of blocks, genesis included.
func (bc BlockChain) Len() int {
	return len(bc.Blocks)
}

// Tip returns the hash of the last block on the chain.
func (bc BlockChain) Tip() (string, error) {
	return bc.Blocks[len(bc.Blocks)-1].Hash()
}

// IsValid checks pairwise previous-hash linkage across the whole chain.
// Genesis is exempt from the proof-of-work suffix requirement.
func (bc BlockChain) IsValid() (bool, error) {
	if len(bc.Blocks) == 0 {
		return false, nil
	}
	for i := 1; i < len(bc.Blocks); i++ {
		prevHash, err := bc.Blocks[i-1].Hash()
		if err != nil {
			return false, err
		}
		valid, err := bc.Blocks[i].IsValidBlock(prevHash, false)
		if err != nil {
			return false, err
		}
		if !valid {
			return false, nil
		}
	}
	return true, nil
}

// SetNewBlock appends block after validating it against the current tip.
func (bc *BlockChain) SetNewBlock(block Block) (bool, error) {
	tip, err := bc.Tip()
	if err != nil {
		return false, err
	}
	valid, err := block.IsValidBlock(tip, false)
	if err != nil || !valid {
		return false, err
	}
	bc.Blocks = append(bc.Blocks, block)
	return true, nil
}

// CommittedTransactions flattens every transaction stored in the chain,
// genesis included, preserving block and in-block order.
func (bc BlockChain) CommittedTransactions() []Transaction {
	var all []Transaction
	for _, b := range bc.Blocks {
		all = append(all, b.TransactionPool...)
	}
	return all
}

// ResolveConflicts evaluates a candidate chain against bc. It rejects any
// candidate no longer than bc, and any candidate that fails IsValid. On
// acceptance it returns the orphaned blocks — the blocks on bc absent (by
// structural equality) from the candidate — in their original order, and
// the caller is expected to call Renew to actually adopt the candidate.
func ResolveConflicts(bc BlockChain, candidate BlockChain) (orphans []Block, accept bool, err error) {
	if candidate.Len() <= bc.Len() {
		return nil, false, nil
	}

	valid, err := candidate.IsValid()
	if err != nil {
		return nil, false, err
	}
	if !valid {
		return nil, false, nil
	}

	for _, b := range bc.Blocks {
		found := false
		for _, cb := range candidate.Blocks {
			if b.Equal(cb) {
				found = true
				break
			}
		}
		if !found {
			orphans = append(orphans, b)
		}
	}
	return orphans, true, nil
}

// Renew replaces bc's blocks with candidate's. Call only after
// ResolveConflicts has accepted candidate.
func (bc *BlockChain) Renew(candidate BlockChain) {
	bc.Blocks = candidate.Blocks
}

// OrphanTransactionsToRepool computes which transactions from a set of
// orphaned blocks are not already committed on the new chain, using genuine
// set-difference semantics. Coinbase transactions are excluded: a coinbase
// only rewards the block that contained it and must not be resubmitted as a
// spendable claim once that block is discarded.
func OrphanTransactionsToRepool(orphans []Block, newChain BlockChain) []Transaction {
	committed := newChain.CommittedTransactions()

	isCommitted := func(tx Transaction) bool {
		for _, c := range committed {
			if tx.Equal(c) {
				return true
			}
		}
		return false
	}

	var toRepool []Transaction
	for _, b := range orphans {
		for _, tx := range b.TransactionPool {
			if tx.IsCoinbase() {
				continue
			}
			if !isCommitted(tx) {
				toRepool = append(toRepool, tx)
			}
		}
	}
	return toRepool
}

// CheckTransactionsInNewBlock performs the stricter acceptance check the
// bare proof-of-work/linkage check in IsValidBlock does not: the coinbase
// output must equal the sum of the block's fees plus BlockReward, there
// must be exactly one coinbase positioned last, every non-coinbase
// transaction's signature must verify, and none of its referenced outputs
// may already be spent earlier on the chain.
func CheckTransactionsInNewBlock(block Block, chainSoFar BlockChain, verify func(tx Transaction) (bool, error)) (bool, error) {
	txs := block.TransactionPool
	if len(txs) == 0 {
		return false, nil
	}

	coinbaseCount := 0
	var fees int64
	spent := make(map[string]bool)
	for _, committed := range chainSoFar.CommittedTransactions() {
		for _, in := range committed.Inputs {
			key, err := in.referencedKey()
			if err != nil {
				return false, err
			}
			spent[key] = true
		}
	}

	for i, tx := range txs {
		if tx.IsCoinbase() {
			coinbaseCount++
			if i != len(txs)-1 {
				return false, nil
			}
			continue
		}

		fee, err := tx.Fee()
		if err != nil {
			return false, err
		}
		fees += fee

		ok, err := verify(tx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}

		for _, in := range tx.Inputs {
			key, err := in.referencedKey()
			if err != nil {
				return false, err
			}
			if spent[key] {
				return false, nil
			}
			spent[key] = true
		}
	}

	if coinbaseCount != 1 {
		return false, nil
	}

	coinbase := txs[len(txs)-1]
	if len(coinbase.Outputs) != 1 {
		return false, nil
	}
	want := BlockReward + fees
	if coinbase.Outputs[0].Value != want {
		return false, nil
	}

	return true, nil
}
