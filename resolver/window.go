// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resolver

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Augustin-Zidek/bellrock/ids"
)

// DefaultWindowSize is the default recent-acquaintance capacity per
// observer.
const DefaultWindowSize = 1000

// Window is one observer's recent-acquaintance set: the last K users the
// observer resolved, most recent first, no duplicates. It lives in memory
// only and is rebuilt organically after a restart.
//
// A window is owned by its observer's session state; concurrent batches for
// the same observer must be serialized by the caller.
type Window struct {
	cache *lru.Cache[ids.UID, struct{}]
}

// NewWindow returns a window holding at most [capacity] users.
func NewWindow(capacity int) (*Window, error) {
	cache, err := lru.New[ids.UID, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &Window{cache: cache}, nil
}

// Touch moves [uid] to the head of the window, inserting it if absent and
// evicting the least recently touched user if the window is full.
func (w *Window) Touch(uid ids.UID) {
	w.cache.Add(uid, struct{}{})
}

// Remove drops [uid] from the window.
func (w *Window) Remove(uid ids.UID) {
	w.cache.Remove(uid)
}

// Candidates returns a snapshot of the window, most recently touched
// first.
func (w *Window) Candidates() []ids.UID {
	keys := w.cache.Keys() // least recent first
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// Len returns the number of users currently in the window.
func (w *Window) Len() int {
	return w.cache.Len()
}
