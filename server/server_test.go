// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"

	"github.com/Augustin-Zidek/bellrock/celltower"
	"github.com/Augustin-Zidek/bellrock/codec"
	"github.com/Augustin-Zidek/bellrock/config"
	"github.com/Augustin-Zidek/bellrock/ids"
	"github.com/Augustin-Zidek/bellrock/resolver"
	"github.com/Augustin-Zidek/bellrock/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	require := require.New(t)

	cfg := config.Default()
	cfg.DatabasePath = t.TempDir()
	cfg.KeyDatabasePath = t.TempDir()
	cfg.MasterKey = "test master key"

	st, err := store.New(
		log.NewNoOpLogger(),
		prometheus.NewRegistry(),
		memdb.New(),
		memdb.New(),
		[]byte(cfg.MasterKey),
		store.Config{
			CommitBufferRows: cfg.CommitBufferRows,
			CommitInterval:   time.Hour,
		},
	)
	require.NoError(err)
	t.Cleanup(func() {
		require.NoError(st.Close())
	})

	s, err := New(log.NewNoOpLogger(), prometheus.NewRegistry(), cfg, st, nil)
	require.NoError(err)
	return s
}

func observationOf(s *Server, t *testing.T, subject Credentials, at time.Time, lat, lon float64) store.Observation {
	t.Helper()
	aid, err := s.Codec().Anonymize(subject.UID, subject.Key)
	require.NoError(t, err)
	return store.Observation{AID: aid, Time: at, Lat: lat, Lon: lon}
}

func TestRegisterUsers(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	creds, err := s.RegisterUsers(16)
	require.NoError(err)
	require.Len(creds, 16)

	seen := make(map[ids.UID]struct{}, len(creds))
	for _, c := range creds {
		_, dup := seen[c.UID]
		require.False(dup)
		seen[c.UID] = struct{}{}

		has, err := s.store.HasUser(c.UID)
		require.NoError(err)
		require.True(has)

		key, err := s.store.GetKey(c.UID)
		require.NoError(err)
		require.Equal(c.Key, key)
	}
}

// Two-party resolution via the declared peer edge.
func TestResolveViaPeerEdge(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	a, err := s.RegisterUser()
	require.NoError(err)
	b, err := s.RegisterUser()
	require.NoError(err)
	require.NoError(s.AddPeer(a.UID, b.UID))

	now := time.Now().Truncate(time.Millisecond).UTC()
	n, err := s.SubmitObservations(context.Background(), resolver.Batch{
		Observer:     a.UID,
		Observations: []store.Observation{observationOf(s, t, b, now, 52.21, 0.09)},
	})
	require.NoError(err)
	require.Equal(1, n)

	stored, err := s.store.ObservationsByObserver(a.UID)
	require.NoError(err)
	require.Len(stored, 1)
	require.True(stored[0].Resolved)
	require.Equal(b.UID, stored[0].ResolvedUID)
}

// A stranger at the same place resolves through co-location history.
func TestResolveStrangerAtSamePlace(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	a, err := s.RegisterUser()
	require.NoError(err)
	stranger, err := s.RegisterUser()
	require.NoError(err)

	now := time.Now().Truncate(time.Millisecond).UTC()
	coarse := celltower.CoarseOf(52.21, 0.09)
	cell, err := celltower.Pack(234, 15, 1, 1)
	require.NoError(err)

	require.NoError(s.AddLocations([]store.UserLocation{
		{UID: a.UID, Start: now.Add(-time.Hour), End: now.Add(time.Hour), Coarse: coarse, Cell: cell},
		{UID: stranger.UID, Start: now.Add(-time.Hour), End: now.Add(time.Hour), Coarse: coarse, Cell: cell},
	}))

	n, err := s.SubmitObservations(context.Background(), resolver.Batch{
		Observer:     a.UID,
		Observations: []store.Observation{observationOf(s, t, stranger, now, 52.21, 0.09)},
	})
	require.NoError(err)
	require.Equal(1, n)

	stored, err := s.store.ObservationsByObserver(a.UID)
	require.NoError(err)
	require.Equal(stranger.UID, stored[0].ResolvedUID)
}

// Once resolved, a user is found through the recent-acquaintance window
// even after the peer edge is gone.
func TestWindowSurvivesPeerDeletion(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	a, err := s.RegisterUser()
	require.NoError(err)
	b, err := s.RegisterUser()
	require.NoError(err)
	require.NoError(s.AddPeer(a.UID, b.UID))

	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond).UTC()

	n, err := s.SubmitObservations(ctx, resolver.Batch{
		Observer:     a.UID,
		Observations: []store.Observation{observationOf(s, t, b, now, 52.21, 0.09)},
	})
	require.NoError(err)
	require.Equal(1, n)

	require.NoError(s.DeletePeer(a.UID, b.UID))

	n, err = s.SubmitObservations(ctx, resolver.Batch{
		Observer:     a.UID,
		Observations: []store.Observation{observationOf(s, t, b, now.Add(time.Second), 52.21, 0.09)},
	})
	require.NoError(err)
	require.Equal(1, n)
}

// An AID under an unknown key stays stored, unresolved.
func TestUnresolvedObservationStored(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	a, err := s.RegisterUser()
	require.NoError(err)

	ghostUID, err := ids.GenerateUID()
	require.NoError(err)
	ghostKey, err := codec.GenerateKey()
	require.NoError(err)
	aid, err := s.Codec().Anonymize(ghostUID, ghostKey)
	require.NoError(err)

	now := time.Now().Truncate(time.Millisecond).UTC()
	n, err := s.SubmitObservations(context.Background(), resolver.Batch{
		Observer:     a.UID,
		Observations: []store.Observation{{AID: aid, Time: now}},
	})
	require.NoError(err)
	require.Zero(n)

	stored, err := s.store.ObservationsByObserver(a.UID)
	require.NoError(err)
	require.Len(stored, 1)
	require.False(stored[0].Resolved)
}

// Deleting a user cascades through peers and observations.
func TestDeleteUserCascades(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	a, err := s.RegisterUser()
	require.NoError(err)
	b, err := s.RegisterUser()
	require.NoError(err)
	require.NoError(s.AddPeer(a.UID, b.UID))

	now := time.Now().Truncate(time.Millisecond).UTC()
	n, err := s.SubmitObservations(context.Background(), resolver.Batch{
		Observer:     a.UID,
		Observations: []store.Observation{observationOf(s, t, b, now, 52.21, 0.09)},
	})
	require.NoError(err)
	require.Equal(1, n)

	require.NoError(s.DeleteUser(b.UID))

	peers, err := s.store.Peers(a.UID)
	require.NoError(err)
	require.Empty(peers)

	stored, err := s.store.ObservationsByObserver(a.UID)
	require.NoError(err)
	require.Empty(stored)

	stored, err = s.store.ObservationsByObserver(b.UID)
	require.NoError(err)
	require.Empty(stored)
}

// After renewal, old-key AIDs stop resolving and new-key AIDs work.
func TestRenewKey(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	a, err := s.RegisterUser()
	require.NoError(err)
	b, err := s.RegisterUser()
	require.NoError(err)
	require.NoError(s.AddPeer(a.UID, b.UID))

	staleAID, err := s.Codec().Anonymize(b.UID, b.Key)
	require.NoError(err)

	newKey, err := s.RenewKey(b.UID)
	require.NoError(err)
	require.NotEqual(b.Key, newKey)

	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond).UTC()

	n, err := s.SubmitObservations(ctx, resolver.Batch{
		Observer:     a.UID,
		Observations: []store.Observation{{AID: staleAID, Time: now}},
	})
	require.NoError(err)
	require.Zero(n)

	freshAID, err := s.Codec().Anonymize(b.UID, newKey)
	require.NoError(err)
	n, err = s.SubmitObservations(ctx, resolver.Batch{
		Observer:     a.UID,
		Observations: []store.Observation{{AID: freshAID, Time: now.Add(time.Second)}},
	})
	require.NoError(err)
	require.Equal(1, n)
}

func TestSubmitRejectsUnknownObserver(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	unknown, err := ids.GenerateUID()
	require.NoError(err)
	_, err = s.SubmitObservations(context.Background(), resolver.Batch{Observer: unknown})
	require.ErrorIs(err, store.ErrNotFound)
}

func TestSubmitRejectsUnsortedBatch(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	a, err := s.RegisterUser()
	require.NoError(err)
	b, err := s.RegisterUser()
	require.NoError(err)

	now := time.Now().Truncate(time.Millisecond).UTC()
	_, err = s.SubmitObservations(context.Background(), resolver.Batch{
		Observer: a.UID,
		Observations: []store.Observation{
			observationOf(s, t, b, now, 0, 0),
			observationOf(s, t, b, now.Add(-time.Minute), 0, 0),
		},
	})
	require.ErrorIs(err, errUnsortedBatch)
}

// Batches from different observers may run concurrently; batches from the
// same observer serialize on the observer's window.
func TestConcurrentSubmissions(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	creds, err := s.RegisterUsers(8)
	require.NoError(err)
	for i := 1; i < len(creds); i++ {
		require.NoError(s.AddPeer(creds[0].UID, creds[i].UID))
	}

	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond).UTC()

	batches := make([]resolver.Batch, 0, len(creds)-1)
	for i := 1; i < len(creds); i++ {
		batches = append(batches, resolver.Batch{
			Observer:     creds[i].UID,
			Observations: []store.Observation{observationOf(s, t, creds[0], now, 52.21, 0.09)},
		})
	}

	var wg sync.WaitGroup
	results := make([]int, len(batches))
	for i, batch := range batches {
		wg.Add(1)
		go func(i int, batch resolver.Batch) {
			defer wg.Done()
			n, err := s.SubmitObservations(ctx, batch)
			if err == nil {
				results[i] = n
			}
		}(i, batch)
	}
	wg.Wait()

	// Every observer is a declared peer of the subject, so every batch
	// resolves.
	for _, n := range results {
		require.Equal(1, n)
	}
}
