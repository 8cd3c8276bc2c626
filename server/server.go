// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package server is the ingest facade: user registration and key renewal,
// peer management, location sync, and observation submission. It owns the
// per-observer recent-acquaintance windows and serializes batches per
// observer, as the resolver requires.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/log"

	"github.com/Augustin-Zidek/bellrock/celltower"
	"github.com/Augustin-Zidek/bellrock/codec"
	"github.com/Augustin-Zidek/bellrock/config"
	"github.com/Augustin-Zidek/bellrock/ids"
	"github.com/Augustin-Zidek/bellrock/resolver"
	"github.com/Augustin-Zidek/bellrock/store"
)

var errUnsortedBatch = errors.New("observations must be chronological")

// registerRetries bounds the search for an unused UID. Collisions on
// 8 random bytes are vanishingly rare; hitting the bound means the RNG is
// broken or the fleet is beyond any supported size.
const registerRetries = 8

// Credentials is what a freshly registered device takes home.
type Credentials struct {
	UID ids.UID
	Key codec.Key
}

// observerState is one observer's in-memory session. The mutex serializes
// batches for that observer; the window is rebuilt from scratch after a
// process restart.
type observerState struct {
	mu     sync.Mutex
	window *resolver.Window
}

// Server wires the store, codec, resolver, and cell tower map together
// behind the ingest API. Safe for concurrent use.
type Server struct {
	log      log.Logger
	config   config.Config
	store    *store.Store
	codec    *codec.Codec
	resolver *resolver.Resolver
	towers   *celltower.Map

	mu        sync.Mutex
	observers map[ids.UID]*observerState
}

// New assembles a server from its collaborators. [towers] may be nil when
// no cell tower snapshot is configured.
func New(
	logger log.Logger,
	reg prometheus.Registerer,
	cfg config.Config,
	st *store.Store,
	towers *celltower.Map,
) (*Server, error) {
	cdc, err := codec.New()
	if err != nil {
		return nil, err
	}

	res, err := resolver.New(logger, reg, st, cdc, resolver.Config{
		ParallelThreshold: cfg.ParallelThreshold,
		Parallelism:       cfg.Parallelism,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		log:       logger,
		config:    cfg,
		store:     st,
		codec:     cdc,
		resolver:  res,
		towers:    towers,
		observers: make(map[ids.UID]*observerState),
	}, nil
}

// Codec exposes the AID codec, primarily for clients embedded in the same
// process (simulations and tests).
func (s *Server) Codec() *codec.Codec {
	return s.codec
}

// RegisterUser creates a new user with a fresh UID and secret key.
func (s *Server) RegisterUser() (Credentials, error) {
	for i := 0; i < registerRetries; i++ {
		uid, err := ids.GenerateUID()
		if err != nil {
			return Credentials{}, err
		}
		key, err := codec.GenerateKey()
		if err != nil {
			return Credentials{}, err
		}

		err = s.store.AddUser(uid, key)
		if errors.Is(err, store.ErrDuplicateUser) {
			continue
		}
		if err != nil {
			return Credentials{}, err
		}

		s.log.Debug("registered user",
			zap.Stringer("uid", uid),
		)
		return Credentials{UID: uid, Key: key}, nil
	}
	return Credentials{}, fmt.Errorf("could not find an unused UID after %d attempts", registerRetries)
}

// RegisterUsers creates [n] users. On failure the users created so far are
// kept; the caller decides whether to retry.
func (s *Server) RegisterUsers(n int) ([]Credentials, error) {
	creds := make([]Credentials, 0, n)
	for i := 0; i < n; i++ {
		c, err := s.RegisterUser()
		if err != nil {
			return creds, err
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// RenewKey replaces the secret key of [uid] and returns the new key. AIDs
// minted with the old key become unresolvable.
func (s *Server) RenewKey(uid ids.UID) (codec.Key, error) {
	key, err := codec.GenerateKey()
	if err != nil {
		return codec.EmptyKey, err
	}
	if err := s.store.RenewKey(uid, key); err != nil {
		return codec.EmptyKey, err
	}
	return key, nil
}

// DeleteUser removes [uid] and everything that references it, including
// its in-memory session state.
func (s *Server) DeleteUser(uid ids.UID) error {
	if err := s.store.DeleteUser(uid); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.observers, uid)
	// The deleted user may still sit in other observers' windows; stale
	// entries are skipped at resolution time because their key is gone.
	s.mu.Unlock()
	return nil
}

// AddPeer declares the symmetric peer edge {a, b}.
func (s *Server) AddPeer(a, b ids.UID) error {
	return s.store.AddPeer(a, b)
}

// DeletePeer removes the peer edge {a, b}.
func (s *Server) DeletePeer(a, b ids.UID) error {
	return s.store.DeletePeer(a, b)
}

// AddLocation records one location interval for [uid].
func (s *Server) AddLocation(l store.UserLocation) error {
	return s.store.AddLocation(l)
}

// AddLocations records a batch of location intervals.
func (s *Server) AddLocations(locations []store.UserLocation) error {
	return s.store.AddLocations(locations)
}

// LocateCell resolves a packed cell tower identifier to its coarse
// location, when a snapshot is loaded.
func (s *Server) LocateCell(id celltower.PackedID) (celltower.CoarseLocation, bool) {
	if s.towers == nil {
		return celltower.CoarseLocation{}, false
	}
	return s.towers.Get(id)
}

// SubmitObservations resolves and persists a chronological batch of
// observations from one observer. Returns the number of observations
// resolved to a sender.
func (s *Server) SubmitObservations(ctx context.Context, batch resolver.Batch) (int, error) {
	has, err := s.store.HasUser(batch.Observer)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, fmt.Errorf("%w: observer %s", store.ErrNotFound, batch.Observer)
	}

	var last time.Time
	for i := range batch.Observations {
		t := batch.Observations[i].Time
		if t.Before(last) {
			return 0, errUnsortedBatch
		}
		last = t
	}

	state, err := s.observerState(batch.Observer)
	if err != nil {
		return 0, err
	}

	// One batch at a time per observer; the window is not safe for
	// concurrent mutation.
	state.mu.Lock()
	defer state.mu.Unlock()
	return s.resolver.Resolve(ctx, state.window, batch)
}

func (s *Server) observerState(uid ids.UID) (*observerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.observers[uid]
	if !ok {
		window, err := resolver.NewWindow(s.config.WindowSize)
		if err != nil {
			return nil, err
		}
		state = &observerState{window: window}
		s.observers[uid] = state
	}
	return state, nil
}
