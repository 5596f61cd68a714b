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
	"strings"
)

// Difficulty is the number of trailing '0' hex characters a block's hash
// must end with to satisfy proof-of-work.
const Difficulty = 3

// Block is a timestamped batch of transactions chained to its predecessor
// by hash and anchored by a proof-of-work nonce.
type Block struct {
	Timestamp       string        `json:"timestamp"`
	TransactionPool []Transaction `json:"transaction_pool"`
	PreviousBlock   string        `json:"previous_block"`
	Nonce           uint64        `json:"nonce"`
}

// NewGenesisBlock returns the chain's fixed first block. Its nonce is never
// mined: genesis is exempt from the proof-of-work suffix check (see
// IsValidBlock), so the zero nonce is as good as any other.
func NewGenesisBlock() Block {
	return Block{
		Timestamp:       "0",
		TransactionPool: []Transaction{{Timestamp: "0"}},
		PreviousBlock:   "",
		Nonce:           0,
	}
}

// CanonicalJSON returns the deterministic JSON encoding of the block.
func (b Block) CanonicalJSON() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Hash returns the block's identity: DoubleSHA256 of its canonical JSON.
func (b Block) Hash() (string, error) {
	s, err := b.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return DoubleSHA256(s), nil
}

// Equal reports structural equality, used by chain reconciliation to
// identify which of a discarded chain's blocks are genuinely orphaned.
func (b Block) Equal(other Block) bool {
	a, err1 := b.CanonicalJSON()
	c, err2 := other.CanonicalJSON()
	if err1 != nil || err2 != nil {
		return false
	}
	return a == c
}

// IsValidBlock reports whether b legally extends a chain whose current tip
// hash is prevHash. Genesis (identified by an empty PreviousBlock) is
// exempt from the proof-of-work suffix requirement — linkage only.
func (b Block) IsValidBlock(prevHash string, isGenesis bool) (bool, error) {
	if b.PreviousBlock != prevHash {
		return false, nil
	}
	if isGenesis {
		return true, nil
	}
	h, err := b.Hash()
	if err != nil {
		return false, err
	}
	return strings.HasSuffix(h, strings.Repeat("0", Difficulty)), nil
}
