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

// Package network owns peer membership and TCP delivery for both core nodes
// (ConnectionManager, a full mesh participant) and edge wallets
// (EdgeConnectionManager, a single-upstream client with failover).
package network

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"blockchain-rs-go/internal/log"
	"blockchain-rs-go/protocol"
)

// LivenessTimeout bounds every liveness probe and outbound send. The
// reference implementation's is_alive check never bounded this, which let a
// single unresponsive peer stall the whole sweep; this module always dials
// with a deadline.
const LivenessTimeout = 2 * time.Second

type peerKey string

func key(ip, port string) peerKey {
	return peerKey(ip + ":" + port)
}

// ConnectionManager tracks the mesh of core nodes (CoreSet, self included)
// and the edge wallets subscribed to this node (EdgeSet).
type ConnectionManager struct {
	MyIP   string
	MyPort string

	mu      sync.Mutex
	coreSet map[peerKey]bool
	edgeSet map[peerKey]bool
}

// NewConnectionManager returns a manager whose core set contains only self.
func NewConnectionManager(myIP, myPort string) *ConnectionManager {
	cm := &ConnectionManager{
		MyIP:    myIP,
		MyPort:  myPort,
		coreSet: make(map[peerKey]bool),
		edgeSet: make(map[peerKey]bool),
	}
	cm.coreSet[key(myIP, myPort)] = true
	return cm
}

// IsCore reports whether (ip, port) is a known core peer.
func (cm *ConnectionManager) IsCore(ip, port string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.coreSet[key(ip, port)]
}

// CoreList returns a snapshot of known core peers as "ip:port" strings.
func (cm *ConnectionManager) CoreList() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]string, 0, len(cm.coreSet))
	for k := range cm.coreSet {
		out = append(out, string(k))
	}
	return out
}

func (cm *ConnectionManager) addCore(ip, port string) {
	cm.mu.Lock()
	cm.coreSet[key(ip, port)] = true
	cm.mu.Unlock()
}

func (cm *ConnectionManager) removeCore(ip, port string) {
	cm.mu.Lock()
	delete(cm.coreSet, key(ip, port))
	cm.mu.Unlock()
}

func (cm *ConnectionManager) replaceCoreSet(peers []string) {
	cm.mu.Lock()
	cm.coreSet = make(map[peerKey]bool, len(peers))
	for _, p := range peers {
		cm.coreSet[peerKey(p)] = true
	}
	cm.mu.Unlock()
}

func (cm *ConnectionManager) addEdge(ip, port string) {
	cm.mu.Lock()
	cm.edgeSet[key(ip, port)] = true
	cm.mu.Unlock()
}

func (cm *ConnectionManager) removeEdge(ip, port string) {
	cm.mu.Lock()
	delete(cm.edgeSet, key(ip, port))
	cm.mu.Unlock()
}

// HandleMessage processes a membership-layer message. It reports whether it
// consumed msg (true for every msg_type <= RemoveEdge; the caller should
// offer anything else to the application layer).
func (cm *ConnectionManager) HandleMessage(msg protocol.ParseResult) bool {
	if !protocol.ClassifyMsg(msg.MsgType) {
		return false
	}

	switch msg.MsgType {
	case protocol.Add:
		if !(msg.IP == cm.MyIP && msg.Port == cm.MyPort) {
			cm.addCore(msg.IP, msg.Port)
			cm.broadcastCoreList()
		}
	case protocol.Remove:
		cm.removeCore(msg.IP, msg.Port)
		cm.broadcastCoreList()
	case protocol.Ping:
		// presence is proven by the TCP connect itself; nothing to do.
	case protocol.RequestCoreList:
		cm.unicastCoreList(msg.IP, msg.Port)
	case protocol.AddAsEdge:
		cm.addEdge(msg.IP, msg.Port)
		cm.unicastCoreList(msg.IP, msg.Port)
	case protocol.RemoveEdge:
		cm.removeEdge(msg.IP, msg.Port)
	case protocol.CoreList:
		peers, err := decodeCoreList(msg.Payload)
		if err != nil {
			log.L().Warnw("failed to decode core list payload", "err", err)
			return true
		}
		cm.replaceCoreSet(peers)
	}
	return true
}

func (cm *ConnectionManager) broadcastCoreList() {
	payload := encodeCoreList(cm.CoreList())
	cm.SendToAllPeer(protocol.CoreList, payload)
}

func (cm *ConnectionManager) unicastCoreList(ip, port string) {
	payload := encodeCoreList(cm.CoreList())
	env, err := protocol.Build(protocol.CoreList, cm.MyIP, cm.MyPort, payload)
	if err != nil {
		log.L().Errorw("failed to build core_list envelope", "err", err)
		return
	}
	SendMsg(ip, port, env)
}

// SendToAllPeer broadcasts msgType/payload to every known core peer except
// self. A peer that cannot be reached is logged and skipped — it does not
// abort the rest of the broadcast.
func (cm *ConnectionManager) SendToAllPeer(msgType int, payload string) {
	env, err := protocol.Build(msgType, cm.MyIP, cm.MyPort, payload)
	if err != nil {
		log.L().Errorw("failed to build broadcast envelope", "err", err)
		return
	}
	for _, peer := range cm.CoreList() {
		if peer == string(key(cm.MyIP, cm.MyPort)) {
			continue
		}
		ip, port, err := splitPeer(peer)
		if err != nil {
			continue
		}
		SendMsg(ip, port, env)
	}
}

// SendRawToAllPeer broadcasts an already-built envelope verbatim to every
// known core peer except self, instead of wrapping payload in a fresh one.
// SEND_ALL_PEER messages carry exactly such a pre-built envelope as their
// payload, so the mining worker's NEW_BLOCK_TO_ALL reaches every peer
// unmodified rather than nested one level deeper each hop.
func (cm *ConnectionManager) SendRawToAllPeer(raw string) {
	for _, peer := range cm.CoreList() {
		if peer == string(key(cm.MyIP, cm.MyPort)) {
			continue
		}
		ip, port, err := splitPeer(peer)
		if err != nil {
			continue
		}
		SendMsg(ip, port, raw)
	}
}

// CheckPeersConnection rebuilds the core set by probing every known peer
// with a bounded TCP connect (self is always retained). If the set shrinks,
// the refreshed core_list is broadcast to the survivors.
func (cm *ConnectionManager) CheckPeersConnection() {
	before := cm.CoreList()
	var alive []string
	for _, peer := range before {
		if peer == string(key(cm.MyIP, cm.MyPort)) {
			alive = append(alive, peer)
			continue
		}
		ip, port, err := splitPeer(peer)
		if err != nil {
			continue
		}
		if isAlive(ip, port) {
			alive = append(alive, peer)
		}
	}

	if len(alive) < len(before) {
		cm.replaceCoreSet(alive)
		cm.broadcastCoreList()
	}
}

// isAlive reports whether a bare TCP connect to ip:port succeeds within
// LivenessTimeout.
func isAlive(ip, port string) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%s", ip, port), LivenessTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// SendMsg opens one TCP connection to ip:port, writes envelope followed by a
// newline, then closes. Failure is logged, never fatal to the caller.
func SendMsg(ip, port, envelope string) error {
	addr := fmt.Sprintf("%s:%s", ip, port)
	conn, err := net.DialTimeout("tcp", addr, LivenessTimeout)
	if err != nil {
		log.L().Warnw("peer unreachable", "addr", addr, "err", err)
		return err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(LivenessTimeout))
	_, err = fmt.Fprintln(conn, envelope)
	if err != nil {
		log.L().Warnw("failed to write to peer", "addr", addr, "err", err)
	}
	return err
}

// ReadOneLine reads a single newline-terminated line from conn. Used by the
// per-connection reader goroutine the main loop spawns on accept.
func ReadOneLine(conn net.Conn) (string, error) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}

func splitPeer(peer string) (ip, port string, err error) {
	h, p, err := net.SplitHostPort(peer)
	if err != nil {
		return "", "", err
	}
	return h, p, nil
}
