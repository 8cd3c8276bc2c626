// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Augustin-Zidek/bellrock/ids"
)

func TestRoundTrip(t *testing.T) {
	require := require.New(t)

	c, err := New()
	require.NoError(err)

	for i := 0; i < 32; i++ {
		uid, err := ids.GenerateUID()
		require.NoError(err)
		key, err := GenerateKey()
		require.NoError(err)

		aid, err := c.Anonymize(uid, key)
		require.NoError(err)
		require.True(c.Resolves(aid, uid, key))
	}
}

func TestFreshness(t *testing.T) {
	require := require.New(t)

	c, err := New()
	require.NoError(err)

	uid, err := ids.GenerateUID()
	require.NoError(err)
	key, err := GenerateKey()
	require.NoError(err)

	seen := make(map[ids.AID]struct{})
	for i := 0; i < 256; i++ {
		aid, err := c.Anonymize(uid, key)
		require.NoError(err)
		_, ok := seen[aid]
		require.False(ok)
		seen[aid] = struct{}{}

		// Every fresh AID still resolves to the same sender.
		require.True(c.Resolves(aid, uid, key))
	}
}

func TestUnlinkabilityUnderUnknownKey(t *testing.T) {
	require := require.New(t)

	c, err := New()
	require.NoError(err)

	uid, err := ids.GenerateUID()
	require.NoError(err)
	key, err := GenerateKey()
	require.NoError(err)

	aid, err := c.Anonymize(uid, key)
	require.NoError(err)

	for i := 0; i < 64; i++ {
		otherUID, err := ids.GenerateUID()
		require.NoError(err)
		otherKey, err := GenerateKey()
		require.NoError(err)

		require.False(c.Resolves(aid, otherUID, otherKey))
		require.False(c.Resolves(aid, uid, otherKey))
	}
}

func TestMatchesChecksPrefixOnly(t *testing.T) {
	require := require.New(t)

	c, err := New()
	require.NoError(err)

	uid := ids.UID{1, 2, 3, 4, 5, 6, 7, 8}
	var plaintext [ids.AIDLen]byte
	copy(plaintext[:ids.UIDLen], uid[:])
	// The nonce half must not participate in the match.
	for i := ids.UIDLen; i < ids.AIDLen; i++ {
		plaintext[i] = 0xFF
	}
	require.True(c.Matches(plaintext, uid))

	plaintext[0] ^= 1
	require.False(c.Matches(plaintext, uid))
}

func TestCipherCacheReuse(t *testing.T) {
	require := require.New(t)

	c, err := New()
	require.NoError(err)

	uid, err := ids.GenerateUID()
	require.NoError(err)
	key, err := GenerateKey()
	require.NoError(err)

	aid, err := c.Anonymize(uid, key)
	require.NoError(err)

	require.Zero(c.decrypters.Len())
	require.True(c.Resolves(aid, uid, key))
	require.Equal(1, c.decrypters.Len())

	// Repeated attempts under the same key reuse the cached cipher.
	require.True(c.Resolves(aid, uid, key))
	require.Equal(1, c.decrypters.Len())
}

func BenchmarkTrialDecrypt(b *testing.B) {
	c, err := New()
	if err != nil {
		b.Fatal(err)
	}
	uid, _ := ids.GenerateUID()
	key, _ := GenerateKey()
	aid, err := c.Anonymize(uid, key)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !c.Resolves(aid, uid, key) {
			b.Fatal("failed to resolve")
		}
	}
}
