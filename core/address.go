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
	"crypto/sha256"
	"errors"

	"blockchain-rs-go/utils"
)

const addrVersion = byte(0x00)
const addrCheckSumLen = 4

// DeriveAddress returns the printable (base58) address for an Ed25519
// public key: version byte + raw public key + checksum, base58 encoded.
// Unlike the teacher's Bitcoin-style wallet addresses, the public key is
// carried in full rather than hashed away: a peer verifying a transaction
// signature recovers the signer's public key directly from the recipient
// address on the spent output (see PubKeyFromAddress), exactly as
// client_server_core.rs's verify_sbc_transaction_sig reads the signer's key
// straight out of the referenced output's recipient field. The encoding
// itself — base58 over a version+payload+checksum envelope — is kept
// unchanged from the teacher's own address scheme.
func DeriveAddress(pubKey []byte) string {
	versioned := append([]byte{addrVersion}, pubKey...)
	checksum := addrChecksum(versioned)
	full := append(versioned, checksum...)
	return string(utils.Base58Encoding(full))
}

// PubKeyFromAddress recovers the raw Ed25519 public key embedded in addr,
// validating its checksum first.
func PubKeyFromAddress(addr string) ([]byte, error) {
	full := utils.Base58Decoding([]byte(addr))
	if len(full) <= addrCheckSumLen+1 {
		return nil, errors.New("core: address too short")
	}
	version := full[0]
	pubKey := full[1 : len(full)-addrCheckSumLen]
	checksum := full[len(full)-addrCheckSumLen:]

	want := addrChecksum(append([]byte{version}, pubKey...))
	if !bytesEqual(want, checksum) {
		return nil, errors.New("core: address checksum mismatch")
	}
	return pubKey, nil
}

// ValidateAddress reports whether addr carries a checksum consistent with
// its payload — a tamper check, not a key-existence check.
func ValidateAddress(addr string) bool {
	_, err := PubKeyFromAddress(addr)
	return err == nil
}

func addrChecksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:addrCheckSumLen]
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
