// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUIDFromBytes(t *testing.T) {
	require := require.New(t)

	b := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	u, err := UIDFromBytes(b)
	require.NoError(err)
	require.Equal(b, u.Bytes())

	_, err = UIDFromBytes(b[:7])
	require.ErrorIs(err, errWrongUIDLen)

	_, err = UIDFromBytes(append(b, 8))
	require.ErrorIs(err, errWrongUIDLen)
}

func TestAIDFromBytes(t *testing.T) {
	require := require.New(t)

	b := make([]byte, AIDLen)
	for i := range b {
		b[i] = byte(i)
	}
	a, err := AIDFromBytes(b)
	require.NoError(err)
	require.Equal(b, a.Bytes())

	_, err = AIDFromBytes(b[:15])
	require.ErrorIs(err, errWrongAIDLen)
}

func TestGenerateUID(t *testing.T) {
	require := require.New(t)

	seen := make(map[UID]struct{})
	for i := 0; i < 64; i++ {
		u, err := GenerateUID()
		require.NoError(err)
		_, ok := seen[u]
		require.False(ok)
		seen[u] = struct{}{}
	}
}

func TestUIDCompare(t *testing.T) {
	require := require.New(t)

	a := UID{0: 1}
	b := UID{0: 2}
	require.Equal(-1, a.Compare(b))
	require.Equal(1, b.Compare(a))
	require.Zero(a.Compare(a))
}
