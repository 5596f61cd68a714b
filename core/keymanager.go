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

// This file manages the private_key and public_key, and it computes a
// digital signature using those keys.
package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const (
	scryptN    = 1 << 15
	scryptR    = 8
	scryptP    = 1
	scryptKey  = 32
	saltLen    = 16
	nonceLen   = 24
)

// KeyManager owns an Ed25519 keypair whose private seed is sealed in memory
// under a password-derived key, never stored or transmitted in the clear.
type KeyManager struct {
	publicKey []byte
	sealedKey []byte // secretbox-sealed Ed25519 seed
	salt      []byte
	nonce     [nonceLen]byte
	password  string
}

// NewKeyManager generates an Ed25519 keypair and a randomLen-character
// ASCII password drawn from [A-Za-z0-9], then seals the private seed under
// a key scrypt-derives from that password.
func NewKeyManager(randomLen int) (*KeyManager, error) {
	password, err := genPassword(randomLen)
	if err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	km := &KeyManager{publicKey: pub, salt: salt, password: password}
	if _, err := rand.Read(km.nonce[:]); err != nil {
		return nil, err
	}

	derived, err := km.deriveKey()
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], derived)

	seed := priv.Seed()
	km.sealedKey = secretbox.Seal(nil, seed, &km.nonce, &key)
	return km, nil
}

// MyAddress returns the manager's printable address.
func (km *KeyManager) MyAddress() string {
	return DeriveAddress(km.publicKey)
}

// PublicKey returns the manager's raw Ed25519 public key bytes.
func (km *KeyManager) PublicKey() []byte {
	return km.publicKey
}

// Sign unseals the private key under the manager's password and produces a
// base64-printable detached Ed25519 signature over msg.
func (km *KeyManager) Sign(msg string) (string, error) {
	seed, err := km.unseal()
	if err != nil {
		return "", err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	sig := ed25519.Sign(priv, []byte(msg))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether sig is a valid Ed25519 signature over msg produced
// by the holder of peerAddr. The public key is recovered directly from the
// address rather than carried alongside it, since an address already is a
// printable encoding of the signer's public key (see PubKeyFromAddress).
// Verify never panics or returns a Go error for a malformed signature or
// address — any failure mode yields false.
func Verify(msg, sig, peerAddr string) bool {
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	pubBytes, err := PubKeyFromAddress(peerAddr)
	if err != nil {
		return false
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false
	}
	defer func() { recover() }()
	return ed25519.Verify(ed25519.PublicKey(pubBytes), []byte(msg), sigBytes)
}

func (km *KeyManager) deriveKey() ([]byte, error) {
	return scrypt.Key([]byte(km.password), km.salt, scryptN, scryptR, scryptP, scryptKey)
}

func (km *KeyManager) unseal() ([]byte, error) {
	derived, err := km.deriveKey()
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], derived)

	seed, ok := secretbox.Open(nil, km.sealedKey, &km.nonce, &key)
	if !ok {
		return nil, errors.New("core: failed to unseal private key (wrong password or corrupted box)")
	}
	return seed, nil
}

func genPassword(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("core: password length must be positive")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(out), nil
}
