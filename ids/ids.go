// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ids

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// UIDLen is the length of a user identifier in bytes.
	UIDLen = 8
	// AIDLen is the length of an anonymous identifier in bytes.
	AIDLen = 16
)

var (
	// EmptyUID is a useful all-zero UID to use as a placeholder.
	EmptyUID = UID{}
	// EmptyAID is a useful all-zero AID to use as a placeholder.
	EmptyAID = AID{}

	errWrongUIDLen = errors.New("wrong UID length")
	errWrongAIDLen = errors.New("wrong AID length")
)

// UID is the long-lived unique identifier of a registered device. Only the
// server can link a UID to the anonymous identifiers the device broadcasts.
type UID [UIDLen]byte

// UIDFromBytes returns a UID from [b]. An error is returned if [b] is not
// exactly UIDLen bytes.
func UIDFromBytes(b []byte) (UID, error) {
	if len(b) != UIDLen {
		return EmptyUID, fmt.Errorf("%w: expected %d bytes but got %d", errWrongUIDLen, UIDLen, len(b))
	}
	var u UID
	copy(u[:], b)
	return u, nil
}

// GenerateUID returns a new UID drawn from a cryptographically secure source.
func GenerateUID() (UID, error) {
	var u UID
	if _, err := rand.Read(u[:]); err != nil {
		return EmptyUID, err
	}
	return u, nil
}

func (u UID) Bytes() []byte {
	return u[:]
}

func (u UID) String() string {
	return hex.EncodeToString(u[:])
}

// Compare returns -1, 0, or 1 based on byte-wise ordering.
func (u UID) Compare(o UID) int {
	return bytes.Compare(u[:], o[:])
}

// AID is the ephemeral anonymous identifier a device broadcasts. It is a
// single cipher block; successive AIDs of one device are unlinkable without
// the device's key.
type AID [AIDLen]byte

// AIDFromBytes returns an AID from [b]. An error is returned if [b] is not
// exactly AIDLen bytes.
func AIDFromBytes(b []byte) (AID, error) {
	if len(b) != AIDLen {
		return EmptyAID, fmt.Errorf("%w: expected %d bytes but got %d", errWrongAIDLen, AIDLen, len(b))
	}
	var a AID
	copy(a[:], b)
	return a, nil
}

func (a AID) Bytes() []byte {
	return a[:]
}

func (a AID) String() string {
	return hex.EncodeToString(a[:])
}
