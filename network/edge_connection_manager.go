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

package network

import (
	"errors"
	"sync"

	"blockchain-rs-go/internal/log"
	"blockchain-rs-go/protocol"
)

// EdgeConnectionManager is the membership layer for an edge wallet: it
// holds one upstream core connection and a set of known alternates it can
// fail over to.
type EdgeConnectionManager struct {
	MyIP   string
	MyPort string

	mu          sync.Mutex
	upstreamIP  string
	upstreamPrt string
	coreSet     map[peerKey]bool
}

// NewEdgeConnectionManager returns a manager whose only known core peer is
// the given bootstrap core.
func NewEdgeConnectionManager(myIP, myPort, coreIP, corePort string) *EdgeConnectionManager {
	ecm := &EdgeConnectionManager{
		MyIP:        myIP,
		MyPort:      myPort,
		upstreamIP:  coreIP,
		upstreamPrt: corePort,
		coreSet:     make(map[peerKey]bool),
	}
	ecm.coreSet[key(coreIP, corePort)] = true
	return ecm
}

// Upstream returns the current upstream core's (ip, port).
func (ecm *EdgeConnectionManager) Upstream() (string, string) {
	ecm.mu.Lock()
	defer ecm.mu.Unlock()
	return ecm.upstreamIP, ecm.upstreamPrt
}

// HandleMessage handles the small subset of membership messages an edge
// cares about: PING (no-op) and CORE_LIST (refresh failover candidates).
func (ecm *EdgeConnectionManager) HandleMessage(msg protocol.ParseResult) bool {
	if !protocol.ClassifyMsg(msg.MsgType) {
		return false
	}
	switch msg.MsgType {
	case protocol.Ping:
	case protocol.CoreList:
		peers, err := decodeCoreList(msg.Payload)
		if err != nil {
			log.L().Warnw("edge: failed to decode core list", "err", err)
			return true
		}
		ecm.mu.Lock()
		ecm.coreSet = make(map[peerKey]bool, len(peers))
		for _, p := range peers {
			ecm.coreSet[peerKey(p)] = true
		}
		ecm.mu.Unlock()
	}
	return true
}

// SendMsg tries the current upstream; on failure it rotates to any other
// known core and retries once per alternate. It fails only once every
// known core has been tried.
func (ecm *EdgeConnectionManager) SendMsg(envelope string) error {
	ecm.mu.Lock()
	ip, port := ecm.upstreamIP, ecm.upstreamPrt
	alternates := make([]peerKey, 0, len(ecm.coreSet))
	for p := range ecm.coreSet {
		if p != key(ip, port) {
			alternates = append(alternates, p)
		}
	}
	ecm.mu.Unlock()

	if err := SendMsg(ip, port, envelope); err == nil {
		return nil
	}

	for _, alt := range alternates {
		altIP, altPort, err := splitPeer(string(alt))
		if err != nil {
			continue
		}
		if SendMsg(altIP, altPort, envelope) == nil {
			ecm.mu.Lock()
			ecm.upstreamIP, ecm.upstreamPrt = altIP, altPort
			ecm.mu.Unlock()
			return nil
		}
	}
	return errors.New("network: no reachable core node")
}

// CheckUpstreamLiveness rotates to another known core if the current
// upstream fails a liveness probe.
func (ecm *EdgeConnectionManager) CheckUpstreamLiveness() {
	ip, port := ecm.Upstream()
	if isAlive(ip, port) {
		return
	}

	ecm.mu.Lock()
	defer ecm.mu.Unlock()
	for p := range ecm.coreSet {
		if p == key(ip, port) {
			continue
		}
		altIP, altPort, err := splitPeer(string(p))
		if err != nil {
			continue
		}
		if isAlive(altIP, altPort) {
			ecm.upstreamIP, ecm.upstreamPrt = altIP, altPort
			return
		}
	}
}
