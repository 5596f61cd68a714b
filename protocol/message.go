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

// Package protocol defines the wire envelope exchanged between nodes: a
// single JSON object per TCP connection, newline-terminated, carrying a
// numeric message type and an optional nested payload.
package protocol

import "encoding/json"

// ProtocolName and Version are compared verbatim against every inbound
// envelope; a mismatch on either is treated as a foreign or incompatible peer.
const (
	ProtocolName = "blockchain-rs_protocol"
	Version      = "0.1.0"
)

// Message types. Types <= RemoveEdge belong to the membership layer and are
// consumed by the ConnectionManager; the rest belong to the application
// layer and are consumed by ServerCore.
const (
	Add = iota
	Remove
	CoreList
	RequestCoreList
	Ping
	AddAsEdge
	RemoveEdge
	NewTx
	NewBlock
	NewBlockToAll
	RequestFullChain
	RspFullChain
	Enhanced
	Unlocked
	SendAllPeer
)

// Parse outcome codes.
const (
	ErrProtocolUnmatch = iota
	ErrVersionUnmatch
	OKWithPayload
	OKWithoutPayload
)

// Result values returned alongside a Reason.
const (
	ResultError = iota
	ResultOK
)

// payloadCarryingTypes lists message types whose payload field is meaningful.
var payloadCarryingTypes = map[int]bool{
	CoreList:      true,
	NewTx:         true,
	NewBlock:      true,
	NewBlockToAll: true,
	RspFullChain:  true,
	Enhanced:      true,
}

// Envelope is the single message shape exchanged over the wire.
type Envelope struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
	MsgType  int    `json:"msg_type"`
	IP       string `json:"ip"`
	Port     string `json:"port"`
	Payload  string `json:"payload"`
}

// Build constructs the JSON-encoded wire form of an envelope with the given
// type, sender address and payload.
func Build(msgType int, ip, port, payload string) (string, error) {
	env := Envelope{
		Protocol: ProtocolName,
		Version:  Version,
		MsgType:  msgType,
		IP:       ip,
		Port:     port,
		Payload:  payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseResult is the outcome of parsing a raw envelope line.
type ParseResult struct {
	Result  int
	Reason  int
	MsgType int
	IP      string
	Port    string
	Payload string
}

// Parse decodes a raw envelope line and classifies it. A protocol or version
// mismatch is reported through Reason rather than a Go error, matching the
// drop-with-log disposition mandated for this error class.
func Parse(raw string) (ParseResult, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return ParseResult{}, err
	}

	if env.Protocol != ProtocolName {
		return ParseResult{Result: ResultError, Reason: ErrProtocolUnmatch}, nil
	}
	if env.Version != Version {
		return ParseResult{Result: ResultError, Reason: ErrVersionUnmatch}, nil
	}

	if payloadCarryingTypes[env.MsgType] {
		return ParseResult{
			Result:  ResultOK,
			Reason:  OKWithPayload,
			MsgType: env.MsgType,
			IP:      env.IP,
			Port:    env.Port,
			Payload: env.Payload,
		}, nil
	}
	return ParseResult{
		Result:  ResultOK,
		Reason:  OKWithoutPayload,
		MsgType: env.MsgType,
		IP:      env.IP,
		Port:    env.Port,
	}, nil
}

// ClassifyMsg reports whether msgType belongs to the membership layer
// (ConnectionManager) as opposed to the application layer (ServerCore).
func ClassifyMsg(msgType int) bool {
	return msgType <= RemoveEdge
}
