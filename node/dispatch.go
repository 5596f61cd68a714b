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
	"blockchain-rs-go/core"
	"blockchain-rs-go/internal/log"
	"blockchain-rs-go/network"
	"blockchain-rs-go/protocol"
)

// handleApplicationMessage dispatches a message the membership layer did not
// consume. raw is the original wire line, needed verbatim for SEND_ALL_PEER.
func (sc *ServerCore) handleApplicationMessage(res protocol.ParseResult, raw string) {
	switch res.MsgType {
	case protocol.NewTx:
		sc.handleNewTx(res)
	case protocol.NewBlock:
		sc.handleNewBlock(res, false)
	case protocol.NewBlockToAll:
		sc.handleNewBlock(res, true)
	case protocol.RequestFullChain:
		sc.handleRequestFullChain(res)
	case protocol.RspFullChain:
		sc.handleRspFullChain(res)
	case protocol.Unlocked:
		sc.mu.Lock()
		sc.miningLocked = false
		sc.mu.Unlock()
	case protocol.SendAllPeer:
		sc.cm.SendRawToAllPeer(res.Payload)
	case protocol.Enhanced:
		log.L().Debugw("ignoring enhanced message", "ip", res.IP, "port", res.Port)
	default:
		log.L().Warnw("dropping message of unrecognized type", "msg_type", res.MsgType)
	}
}

// verifyTransaction checks every input's signature against the recipient
// address recorded on the output it spends. A coinbase transaction has no
// inputs to check and always verifies.
func (sc *ServerCore) verifyTransaction(tx core.Transaction) (bool, error) {
	if tx.IsCoinbase() {
		return true, nil
	}
	preimage, err := tx.SigningPreimage()
	if err != nil {
		return false, err
	}
	for _, in := range tx.Inputs {
		if in.OutputIndex < 0 || in.OutputIndex >= len(in.Transaction.Outputs) {
			return false, nil
		}
		addr := in.Transaction.Outputs[in.OutputIndex].Recipient
		if !core.Verify(preimage, tx.Signature, addr) {
			return false, nil
		}
	}
	return true, nil
}

// handleNewTx pools a submitted transaction without checking its signature:
// per the wire protocol, a transaction's signature and spent outputs are only
// validated once it is actually offered inside a block (acceptBlockLocked,
// via verifyTransaction/CheckTransactionsInNewBlock), not on arrival here.
func (sc *ServerCore) handleNewTx(res protocol.ParseResult) {
	tx, err := parseTx(res.Payload)
	if err != nil {
		log.L().Warnw("dropping malformed NEW_TX", "err", err)
		return
	}

	sc.mu.Lock()
	for _, existing := range sc.pool {
		if existing.Equal(tx) {
			sc.mu.Unlock()
			return
		}
	}
	sc.pool = append(sc.pool, tx)
	sc.mu.Unlock()

	// A tx relayed by another core has already been gossiped once; only a
	// tx arriving fresh from an edge wallet needs to be fanned out.
	if !sc.cm.IsCore(res.IP, res.Port) {
		sc.cm.SendToAllPeer(protocol.NewTx, res.Payload)
	}
}

func (sc *ServerCore) handleNewBlock(res protocol.ParseResult, reGossip bool) {
	if res.IP == sc.MyIP && res.Port == sc.MyPort {
		return
	}
	if !sc.cm.IsCore(res.IP, res.Port) {
		log.L().Warnw("dropping block from untrusted (non-core) sender", "ip", res.IP, "port", res.Port)
		return
	}

	block, err := parseBlock(res.Payload)
	if err != nil {
		log.L().Warnw("dropping malformed block message", "err", err)
		return
	}

	sc.signalMiningStop()

	sc.mu.Lock()
	accepted, err := sc.acceptBlockLocked(block)
	if err != nil {
		sc.mu.Unlock()
		log.L().Warnw("failed to evaluate incoming block", "err", err)
		return
	}
	if !accepted {
		sc.mu.Unlock()
		log.L().Warnw("rejecting block: requesting full chain to reconcile")
		sc.cm.SendToAllPeer(protocol.RequestFullChain, "")
		return
	}
	sc.mu.Unlock()

	if reGossip {
		// NEW_BLOCK_TO_ALL propagates exactly one hop, re-typed as NEW_BLOCK so
		// recipients append without triggering a further rebroadcast themselves.
		env, buildErr := protocol.Build(protocol.NewBlock, res.IP, res.Port, res.Payload)
		if buildErr != nil {
			log.L().Errorw("failed to build NEW_BLOCK rebroadcast envelope", "err", buildErr)
			return
		}
		sc.cm.SendRawToAllPeer(env)
	}
}

// acceptBlockLocked validates block against the stricter transaction check
// and, on success, appends it and advances the tip. Caller holds sc.mu.
func (sc *ServerCore) acceptBlockLocked(block core.Block) (bool, error) {
	ok, err := core.CheckTransactionsInNewBlock(block, sc.chain, sc.verifyTransaction)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	accepted, err := sc.chain.SetNewBlock(block)
	if err != nil || !accepted {
		return false, err
	}

	if tip, tErr := sc.chain.Tip(); tErr == nil {
		sc.tipHash = tip
	}
	sc.pool = removeCommitted(sc.pool, block.TransactionPool)
	return true, nil
}

func (sc *ServerCore) handleRequestFullChain(res protocol.ParseResult) {
	sc.mu.Lock()
	chainCopy := sc.chain
	sc.mu.Unlock()

	payload, err := encodeChain(chainCopy)
	if err != nil {
		log.L().Errorw("failed to encode chain", "err", err)
		return
	}
	env, err := protocol.Build(protocol.RspFullChain, sc.MyIP, sc.MyPort, payload)
	if err != nil {
		log.L().Errorw("failed to build RSP_FULL_CHAIN envelope", "err", err)
		return
	}
	_ = network.SendMsg(res.IP, res.Port, env)
}

func (sc *ServerCore) handleRspFullChain(res protocol.ParseResult) {
	if !sc.cm.IsCore(res.IP, res.Port) {
		log.L().Warnw("dropping chain response from untrusted (non-core) sender", "ip", res.IP, "port", res.Port)
		return
	}

	candidate, err := decodeChain(res.Payload)
	if err != nil {
		log.L().Warnw("dropping malformed RSP_FULL_CHAIN", "err", err)
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	orphans, accept, err := core.ResolveConflicts(sc.chain, candidate)
	if err != nil {
		log.L().Warnw("failed to resolve chain conflict", "err", err)
		return
	}
	if !accept {
		return
	}

	sc.chain.Renew(candidate)
	if tip, tErr := sc.chain.Tip(); tErr == nil {
		sc.tipHash = tip
	}
	repooled := core.OrphanTransactionsToRepool(orphans, sc.chain)
	sc.pool = append(sc.pool, repooled...)
}
