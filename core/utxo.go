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

import "strconv"

// UTXOEntry pairs a transaction with the index of one of its outputs that
// is still spendable by the manager's address.
type UTXOEntry struct {
	Transaction Transaction
	OutputIndex int
}

// UTXOManager derives and tracks the unspent outputs, and resulting
// balance, belonging to a single address from a set of transactions. It
// holds no state beyond what ExtractUTXO (re)computes — there is no shared
// global UTXO index.
type UTXOManager struct {
	Address string
	UTXOTxs []UTXOEntry
	Balance int64
}

// NewUTXOManager returns an empty manager for address.
func NewUTXOManager(address string) *UTXOManager {
	return &UTXOManager{Address: address}
}

// ExtractUTXO recomputes um's spendable entries and balance from txs: every
// output paying um.Address that is not referenced as an input by any
// transaction in txs.
func (um *UTXOManager) ExtractUTXO(txs []Transaction) {
	var outs []UTXOEntry
	for _, tx := range txs {
		for idx, o := range tx.Outputs {
			if o.Recipient == um.Address {
				outs = append(outs, UTXOEntry{Transaction: tx, OutputIndex: idx})
			}
		}
	}

	spent := make(map[string]bool)
	for _, tx := range txs {
		for _, in := range tx.Inputs {
			if in.OutputIndex < 0 || in.OutputIndex >= len(in.Transaction.Outputs) {
				continue
			}
			if in.Transaction.Outputs[in.OutputIndex].Recipient != um.Address {
				continue
			}
			key, err := in.referencedKey()
			if err != nil {
				continue
			}
			spent[key] = true
		}
	}

	var spendable []UTXOEntry
	var balance int64
	for _, e := range outs {
		txJSON, err := e.Transaction.CanonicalJSON()
		if err != nil {
			continue
		}
		key := DoubleSHA256(txJSON) + ":" + strconv.Itoa(e.OutputIndex)
		if spent[key] {
			continue
		}
		spendable = append(spendable, e)
		balance += e.Transaction.Outputs[e.OutputIndex].Value
	}

	um.UTXOTxs = spendable
	um.Balance = balance
}

// PutUTXOTx records a freshly-sent transaction's output back to um.Address
// (the change output) so balance bookkeeping stays current before the next
// ExtractUTXO call reconciles against the authoritative chain.
func (um *UTXOManager) PutUTXOTx(tx Transaction) {
	for idx, o := range tx.Outputs {
		if o.Recipient == um.Address {
			um.UTXOTxs = append(um.UTXOTxs, UTXOEntry{Transaction: tx, OutputIndex: idx})
			um.Balance += o.Value
		}
	}
}

// RemoveUTXOTx drops the entry at position i, adjusting balance.
func (um *UTXOManager) RemoveUTXOTx(i int) {
	if i < 0 || i >= len(um.UTXOTxs) {
		return
	}
	um.Balance -= um.UTXOTxs[i].Transaction.Outputs[um.UTXOTxs[i].OutputIndex].Value
	um.UTXOTxs = append(um.UTXOTxs[:i], um.UTXOTxs[i+1:]...)
}
