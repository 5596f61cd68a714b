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

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BlockReward is the coin amount a coinbase transaction pays the block's
// miner, before accumulated transaction fees are added on top.
const BlockReward = 30

// TransactionOutput is a single spendable amount locked to an address.
type TransactionOutput struct {
	Recipient string `json:"recipient"`
	Value     int64  `json:"value"`
}

// TransactionInput spends one output of a prior transaction. It embeds the
// referenced Transaction by value rather than by id-lookup: there is no
// global transaction index to resolve against, so every input carries the
// full transaction it spends.
type TransactionInput struct {
	Transaction Transaction `json:"transaction"`
	OutputIndex int         `json:"output_index"`
}

// Transaction is the unit of value transfer. TxType marks a coinbase: the
// single reward transaction a miner attaches to the block it produced.
type Transaction struct {
	Timestamp string              `json:"timestamp"`
	Inputs    []TransactionInput  `json:"inputs"`
	Outputs   []TransactionOutput `json:"outputs"`
	Signature string              `json:"signature"`
	TxType    bool                `json:"tx_type"`
}

// NewTransaction returns an unsigned, empty transaction stamped with the
// current time.
func NewTransaction() Transaction {
	return Transaction{Timestamp: fmt.Sprintf("%d", time.Now().UnixNano())}
}

// IsCoinbase reports whether tx is a block-reward transaction.
func (tx Transaction) IsCoinbase() bool {
	return tx.TxType
}

// CanonicalJSON returns the deterministic JSON encoding of tx. Go's
// encoding/json marshals struct fields in declaration order, which combined
// with this fixed field set gives every caller the same bytes for the same
// logical transaction.
func (tx Transaction) CanonicalJSON() (string, error) {
	b, err := json.Marshal(tx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SigningPreimage returns the canonical JSON of tx with Signature blanked —
// the exact bytes that get signed and, later, verified against.
func (tx Transaction) SigningPreimage() (string, error) {
	unsigned := tx
	unsigned.Signature = ""
	return unsigned.CanonicalJSON()
}

// Fee computes the transaction fee: the sum of referenced input values minus
// the sum of output values. Calling Fee on a coinbase transaction is an
// error — coinbase transactions have no inputs to derive a fee from.
func (tx Transaction) Fee() (int64, error) {
	if tx.IsCoinbase() {
		return 0, errors.New("core: coinbase transactions have no fee")
	}
	var in, out int64
	for _, i := range tx.Inputs {
		if i.OutputIndex < 0 || i.OutputIndex >= len(i.Transaction.Outputs) {
			return 0, fmt.Errorf("core: input references out-of-range output %d", i.OutputIndex)
		}
		in += i.Transaction.Outputs[i.OutputIndex].Value
	}
	for _, o := range tx.Outputs {
		out += o.Value
	}
	fee := in - out
	if fee < 0 {
		return 0, fmt.Errorf("core: transaction spends more than its inputs provide (fee=%d)", fee)
	}
	return fee, nil
}

// NewCoinbaseTransaction builds the reward transaction a miner attaches to
// a freshly mined block: one output to minerAddr worth BlockReward plus the
// sum of fees collected from the pooled transactions.
func NewCoinbaseTransaction(minerAddr string, fees int64) Transaction {
	tx := NewTransaction()
	tx.TxType = true
	tx.Outputs = []TransactionOutput{{Recipient: minerAddr, Value: BlockReward + fees}}
	return tx
}

// Equal reports structural equality between two transactions, used by
// orphan-block recovery to diff a discarded block's transactions against
// the ones already committed on the adopted chain.
func (tx Transaction) Equal(other Transaction) bool {
	a, err1 := tx.CanonicalJSON()
	b, err2 := other.CanonicalJSON()
	if err1 != nil || err2 != nil {
		return false
	}
	return a == b
}

// referencedKey identifies the output an input spends, for double-spend
// detection: the hash of the spent transaction paired with the output index.
func (in TransactionInput) referencedKey() (string, error) {
	txJSON, err := in.Transaction.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", DoubleSHA256(txJSON), in.OutputIndex), nil
}
