// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec implements the anonymous identifier codec. An AID is a
// single AES-128 block encrypting the sender's UID followed by an 8-byte
// random nonce. The whole message is one block, so no chaining mode and no
// padding are involved; freshness comes from the nonce, and forgery
// resistance from the sparseness of the match test: a random block decrypts
// to a given 8-byte UID with probability 2^-64.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Augustin-Zidek/bellrock/ids"
)

// KeyLen is the length of a device secret key in bytes (AES-128).
const KeyLen = 16

// cipherCacheSize bounds the decrypt cipher memoization map. Key schedule
// setup dominates per-attempt cost for single-block messages, so resolved
// fleets should fit entirely in the cache.
const cipherCacheSize = 65536

var (
	// EmptyKey is a useful all-zero key to use as a placeholder.
	EmptyKey = Key{}

	errWrongKeyLen = errors.New("wrong key length")
)

// Key is a device's long-lived secret key, shared only between the device
// and the server.
type Key [KeyLen]byte

// KeyFromBytes returns a Key from [b]. An error is returned if [b] is not
// exactly KeyLen bytes.
func KeyFromBytes(b []byte) (Key, error) {
	if len(b) != KeyLen {
		return EmptyKey, fmt.Errorf("%w: expected %d bytes but got %d", errWrongKeyLen, KeyLen, len(b))
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// GenerateKey returns a new secret key drawn from a cryptographically
// secure source.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return EmptyKey, err
	}
	return k, nil
}

func (k Key) Bytes() []byte {
	return k[:]
}

// Codec anonymizes UIDs and trial-decrypts AIDs. It memoizes decrypt-mode
// ciphers per key; the cache is safe for concurrent use.
type Codec struct {
	decrypters *lru.Cache[Key, cipher.Block]
}

// New returns a codec with an empty cipher cache.
func New() (*Codec, error) {
	decrypters, err := lru.New[Key, cipher.Block](cipherCacheSize)
	if err != nil {
		return nil, err
	}
	return &Codec{decrypters: decrypters}, nil
}

// Anonymize produces a fresh AID for [uid] under [key]. Each call draws a
// new 8-byte nonce, so two results for the same inputs collide with
// probability 2^-64.
func (c *Codec) Anonymize(uid ids.UID, key Key) (ids.AID, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return ids.EmptyAID, err
	}

	var plaintext [ids.AIDLen]byte
	copy(plaintext[:ids.UIDLen], uid[:])
	if _, err := rand.Read(plaintext[ids.UIDLen:]); err != nil {
		return ids.EmptyAID, err
	}

	var aid ids.AID
	block.Encrypt(aid[:], plaintext[:])
	return aid, nil
}

// TrialDecrypt decrypts [aid] under [key]. It never fails for well-formed
// inputs; a cipher that refuses the key is reported as an all-zero
// plaintext, which the match test rejects for every UID except the
// all-zero one. aes.NewCipher accepts every KeyLen-byte key, so that path
// is not taken for a Key.
func (c *Codec) TrialDecrypt(aid ids.AID, key Key) [ids.AIDLen]byte {
	var plaintext [ids.AIDLen]byte
	block, ok := c.decrypters.Get(key)
	if !ok {
		var err error
		block, err = aes.NewCipher(key[:])
		if err != nil {
			return plaintext
		}
		c.decrypters.Add(key, block)
	}
	block.Decrypt(plaintext[:], aid[:])
	return plaintext
}

// Matches reports whether [plaintext] carries [uid]. Only the first
// ids.UIDLen bytes participate; the rest is the decrypted nonce and is
// discarded.
func (c *Codec) Matches(plaintext [ids.AIDLen]byte, uid ids.UID) bool {
	return [ids.UIDLen]byte(plaintext[:ids.UIDLen]) == [ids.UIDLen]byte(uid)
}

// Resolves reports whether [aid] was produced for [uid] under [key].
func (c *Codec) Resolves(aid ids.AID, uid ids.UID, key Key) bool {
	return c.Matches(c.TrialDecrypt(aid, key), uid)
}
