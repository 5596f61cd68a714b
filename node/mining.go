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

package node

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"blockchain-rs-go/core"
)

// GenerateBlockWithPool assembles a candidate block from pool plus a
// coinbase paying km's address (BlockReward plus the pool's accumulated
// fees), chains it onto tipHash, and mines it. stop lets the caller abandon
// the search early, e.g. because a competing block already arrived.
func GenerateBlockWithPool(pool []core.Transaction, km *core.KeyManager, tipHash string, stop *atomic.Bool) (core.Block, bool, error) {
	var fees int64
	for _, tx := range pool {
		fee, err := tx.Fee()
		if err != nil {
			return core.Block{}, false, err
		}
		fees += fee
	}

	coinbase := core.NewCoinbaseTransaction(km.MyAddress(), fees)
	txs := append(append([]core.Transaction(nil), pool...), coinbase)

	candidate := core.Block{
		Timestamp:       fmt.Sprintf("%d", time.Now().UnixNano()),
		TransactionPool: txs,
		PreviousBlock:   tipHash,
	}

	pow := core.NewPoW(candidate)
	return pow.ComputeNonceForPoW(stop)
}

func blockJSON(block core.Block) (string, error) {
	return block.CanonicalJSON()
}

func parseBlock(payload string) (core.Block, error) {
	var b core.Block
	err := json.Unmarshal([]byte(payload), &b)
	return b, err
}

func parseTx(payload string) (core.Transaction, error) {
	var tx core.Transaction
	err := json.Unmarshal([]byte(payload), &tx)
	return tx, err
}

func encodeChain(bc core.BlockChain) (string, error) {
	b, err := json.Marshal(bc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeChain(payload string) (core.BlockChain, error) {
	var bc core.BlockChain
	err := json.Unmarshal([]byte(payload), &bc)
	return bc, err
}

// removeCommitted returns pool with every transaction that appears in
// committed (by structural equality) dropped.
func removeCommitted(pool []core.Transaction, committed []core.Transaction) []core.Transaction {
	if len(pool) == 0 {
		return pool
	}
	var out []core.Transaction
	for _, tx := range pool {
		taken := false
		for _, c := range committed {
			if tx.Equal(c) {
				taken = true
				break
			}
		}
		if !taken {
			out = append(out, tx)
		}
	}
	return out
}
