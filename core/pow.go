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

import "sync/atomic"

// ProofOfWork drives the nonce search for a single block.
type ProofOfWork struct {
	block Block
}

// NewPoW defines the PoW search for block.
func NewPoW(block Block) *ProofOfWork {
	return &ProofOfWork{block: block}
}

// ComputeNonceForPoW increments the block's nonce from 0 upward, recomputing
// the block hash at each step, until the hash ends with Difficulty '0'
// characters or stop is set. stop is polled once per trial; a caller
// observing any competing block arrive sets it to cancel the search. The
// returned block is only meaningful when ok is true.
func (pow *ProofOfWork) ComputeNonceForPoW(stop *atomic.Bool) (block Block, ok bool, err error) {
	trial := pow.block
	trial.Nonce = 0

	for {
		if stop.Load() {
			return Block{}, false, nil
		}

		valid, validErr := trial.IsValidBlock(trial.PreviousBlock, false)
		if validErr != nil {
			return Block{}, false, validErr
		}
		if valid {
			return trial, true, nil
		}
		trial.Nonce++
	}
}
