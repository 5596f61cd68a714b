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
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"blockchain-rs-go/core"
	"blockchain-rs-go/internal/log"
	"blockchain-rs-go/network"
	"blockchain-rs-go/protocol"
)

// ClientCore is an edge wallet: it keeps no mining loop and no mesh of its
// own, holding a single upstream core connection (with failover) through
// which it submits transactions and refreshes its view of the chain.
type ClientCore struct {
	MyIP   string
	MyPort string

	state int32

	mu    sync.Mutex
	chain core.BlockChain
	utxo  *core.UTXOManager

	km  *core.KeyManager
	ecm *network.EdgeConnectionManager

	listener net.Listener
	msgCh    chan string
	shutdown chan struct{}
}

// NewClientCore creates an edge wallet with a fresh keypair, bootstrapped
// against a single known core node.
func NewClientCore(myIP, myPort, coreIP, corePort string) (*ClientCore, error) {
	km, err := core.NewKeyManager(40)
	if err != nil {
		return nil, err
	}

	cc := &ClientCore{
		MyIP:     myIP,
		MyPort:   myPort,
		state:    StateInit,
		chain:    core.NewBlockChain(),
		utxo:     core.NewUTXOManager(km.MyAddress()),
		km:       km,
		ecm:      network.NewEdgeConnectionManager(myIP, myPort, coreIP, corePort),
		msgCh:    make(chan string, 64),
		shutdown: make(chan struct{}),
	}
	return cc, nil
}

// Address returns the wallet's printable address.
func (cc *ClientCore) Address() string {
	return cc.km.MyAddress()
}

// Balance returns the wallet's balance as of the last successful RefreshChain.
func (cc *ClientCore) Balance() int64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.utxo.Balance
}

// Start binds the listener and launches the accept and main loops.
func (cc *ClientCore) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%s", cc.MyIP, cc.MyPort))
	if err != nil {
		return err
	}
	cc.listener = ln
	atomic.StoreInt32(&cc.state, StateStandby)

	go cc.acceptLoop()
	go cc.runLoop()
	return nil
}

// JoinNetwork announces this wallet to its upstream core as an edge.
func (cc *ClientCore) JoinNetwork() {
	env, err := protocol.Build(protocol.AddAsEdge, cc.MyIP, cc.MyPort, "")
	if err != nil {
		log.L().Errorw("failed to build ADD_AS_EDGE envelope", "err", err)
		return
	}
	if err := cc.ecm.SendMsg(env); err != nil {
		log.L().Warnw("failed to join network via upstream core", "err", err)
		return
	}
	atomic.StoreInt32(&cc.state, StateConnected)
}

// RefreshChain asks the current upstream for its full chain; the response
// is applied asynchronously once it arrives on the main loop.
func (cc *ClientCore) RefreshChain() error {
	env, err := protocol.Build(protocol.RequestFullChain, cc.MyIP, cc.MyPort, "")
	if err != nil {
		return err
	}
	return cc.ecm.SendMsg(env)
}

// Send builds, signs and submits a transaction paying amount to recipient
// (plus fee, left for the miner who includes it in the block's coinbase),
// then optimistically updates the wallet's own UTXO bookkeeping.
func (cc *ClientCore) Send(recipient string, amount, fee int64) error {
	cc.mu.Lock()
	tx, spent, err := BuildTransaction(cc.km, cc.utxo, recipient, amount, fee)
	cc.mu.Unlock()
	if err != nil {
		return err
	}

	payload, err := tx.CanonicalJSON()
	if err != nil {
		return err
	}
	env, err := protocol.Build(protocol.NewTx, cc.MyIP, cc.MyPort, payload)
	if err != nil {
		return err
	}
	if err := cc.ecm.SendMsg(env); err != nil {
		return err
	}

	cc.mu.Lock()
	for _, e := range spent {
		if idx := indexOfUTXOEntry(cc.utxo.UTXOTxs, e); idx >= 0 {
			cc.utxo.RemoveUTXOTx(idx)
		}
	}
	cc.utxo.PutUTXOTx(tx)
	cc.mu.Unlock()
	return nil
}

// Shutdown stops the accept and main loops.
func (cc *ClientCore) Shutdown() {
	atomic.StoreInt32(&cc.state, StateShutdown)
	close(cc.shutdown)
	if cc.listener != nil {
		_ = cc.listener.Close()
	}
}

// State returns the current lifecycle state.
func (cc *ClientCore) State() int32 {
	return atomic.LoadInt32(&cc.state)
}

func (cc *ClientCore) acceptLoop() {
	for {
		if tl, ok := cc.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(tickInterval))
		}
		conn, err := cc.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&cc.state) == StateShutdown {
				return
			}
			continue
		}
		go func(c net.Conn) {
			line, err := network.ReadOneLine(c)
			if err != nil || line == "" {
				return
			}
			select {
			case cc.msgCh <- line:
			case <-cc.shutdown:
			}
		}(conn)
	}
}

func (cc *ClientCore) runLoop() {
	ticks := 0
	for {
		select {
		case <-cc.shutdown:
			return
		default:
		}

		select {
		case line := <-cc.msgCh:
			cc.dispatch(line)
		case <-time.After(tickInterval):
		}

		ticks++
		if ticks%CheckPeersConnectionInterval == 0 {
			cc.ecm.CheckUpstreamLiveness()
		}
	}
}

func (cc *ClientCore) dispatch(line string) {
	res, err := protocol.Parse(line)
	if err != nil {
		log.L().Warnw("dropping malformed envelope", "err", err)
		return
	}
	if res.Result != protocol.ResultOK {
		log.L().Warnw("dropping envelope with protocol/version mismatch", "reason", res.Reason)
		return
	}
	if cc.ecm.HandleMessage(res) {
		return
	}

	switch res.MsgType {
	case protocol.RspFullChain:
		cc.handleRspFullChain(res)
	default:
		log.L().Debugw("edge ignoring application message", "msg_type", res.MsgType)
	}
}

func (cc *ClientCore) handleRspFullChain(res protocol.ParseResult) {
	candidate, err := decodeChain(res.Payload)
	if err != nil {
		log.L().Warnw("dropping malformed RSP_FULL_CHAIN", "err", err)
		return
	}
	valid, err := candidate.IsValid()
	if err != nil || !valid {
		log.L().Warnw("dropping RSP_FULL_CHAIN carrying an invalid chain", "err", err)
		return
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if candidate.Len() >= cc.chain.Len() {
		cc.chain = candidate
	}
	cc.utxo.ExtractUTXO(cc.chain.CommittedTransactions())
}

// BuildTransaction selects enough of utxo's spendable entries to cover
// amount+fee (oldest-first), pays recipient, returns any excess to km's own
// address as change, and signs the result. fee is left unassigned to any
// output — it becomes the difference between input and output value a miner
// collects into its coinbase (see Transaction.Fee). It returns the entries
// it selected so the caller can retire them from utxo's bookkeeping once the
// transaction has actually been submitted.
func BuildTransaction(km *core.KeyManager, utxo *core.UTXOManager, recipient string, amount, fee int64) (core.Transaction, []core.UTXOEntry, error) {
	if amount <= 0 {
		return core.Transaction{}, nil, errors.New("node: amount must be positive")
	}
	if fee < 0 {
		return core.Transaction{}, nil, errors.New("node: fee must not be negative")
	}

	need := amount + fee
	var selected []core.UTXOEntry
	var total int64
	for _, e := range utxo.UTXOTxs {
		selected = append(selected, e)
		total += e.Transaction.Outputs[e.OutputIndex].Value
		if total >= need {
			break
		}
	}
	if total < need {
		return core.Transaction{}, nil, errors.New("node: insufficient balance")
	}

	tx := core.NewTransaction()
	for _, e := range selected {
		tx.Inputs = append(tx.Inputs, core.TransactionInput{Transaction: e.Transaction, OutputIndex: e.OutputIndex})
	}
	tx.Outputs = append(tx.Outputs, core.TransactionOutput{Recipient: recipient, Value: amount})
	if change := total - need; change > 0 {
		tx.Outputs = append(tx.Outputs, core.TransactionOutput{Recipient: km.MyAddress(), Value: change})
	}

	preimage, err := tx.SigningPreimage()
	if err != nil {
		return core.Transaction{}, nil, err
	}
	sig, err := km.Sign(preimage)
	if err != nil {
		return core.Transaction{}, nil, err
	}
	tx.Signature = sig

	return tx, selected, nil
}

func indexOfUTXOEntry(entries []core.UTXOEntry, target core.UTXOEntry) int {
	for i, e := range entries {
		if e.OutputIndex == target.OutputIndex && e.Transaction.Equal(target.Transaction) {
			return i
		}
	}
	return -1
}
