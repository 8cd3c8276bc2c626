// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api binds the ingest surface to JSON over HTTP. The binding is a
// thin shell over the server facade; identifiers and keys travel as hex
// strings, timestamps as unix milliseconds. Transport encryption and client
// authentication are deliberately absent and belong in front of this
// listener.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luxfi/log"

	"github.com/Augustin-Zidek/bellrock/celltower"
	"github.com/Augustin-Zidek/bellrock/ids"
	"github.com/Augustin-Zidek/bellrock/resolver"
	"github.com/Augustin-Zidek/bellrock/server"
	"github.com/Augustin-Zidek/bellrock/store"
)

// Handler serves the ingest API.
type Handler struct {
	log    log.Logger
	server *server.Server
	router chi.Router
}

// New returns an http.Handler exposing [srv]. When [gatherer] is non-nil,
// its metrics are served on /metrics.
func New(logger log.Logger, srv *server.Server, gatherer prometheus.Gatherer) *Handler {
	h := &Handler{
		log:    logger,
		server: srv,
	}

	r := chi.NewRouter()
	r.Post("/v1/users", h.registerUser)
	r.Post("/v1/users/batch", h.registerUsers)
	r.Post("/v1/users/{uid}/renew", h.renewKey)
	r.Delete("/v1/users/{uid}", h.deleteUser)
	r.Put("/v1/peers", h.addPeer)
	r.Delete("/v1/peers", h.deletePeer)
	r.Post("/v1/locations", h.addLocations)
	r.Post("/v1/observations", h.submitObservations)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type credentialsReply struct {
	UID string `json:"uid"`
	Key string `json:"key"`
}

type peerRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

type locationRequest struct {
	UID       string  `json:"uid"`
	StartMS   int64   `json:"start"`
	EndMS     int64   `json:"end"`
	Lat       float32 `json:"lat"`
	Lon       float32 `json:"lon"`
	CellTower uint64  `json:"cellTower"`
}

type observationRequest struct {
	AID    string  `json:"aid"`
	TimeMS int64   `json:"time"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Name   string  `json:"name,omitempty"`
}

type submitRequest struct {
	Observer     string               `json:"observer"`
	Observations []observationRequest `json:"observations"`
}

type submitReply struct {
	Resolved int `json:"resolved"`
}

func (h *Handler) registerUser(w http.ResponseWriter, r *http.Request) {
	creds, err := h.server.RegisterUser()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, credentialsReply{
		UID: creds.UID.String(),
		Key: hex.EncodeToString(creds.Key.Bytes()),
	})
}

func (h *Handler) registerUsers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, err)
		return
	}
	if req.Count < 1 {
		h.badRequest(w, errors.New("count must be >= 1"))
		return
	}

	creds, err := h.server.RegisterUsers(req.Count)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	replies := make([]credentialsReply, len(creds))
	for i, c := range creds {
		replies[i] = credentialsReply{
			UID: c.UID.String(),
			Key: hex.EncodeToString(c.Key.Bytes()),
		}
	}
	h.reply(w, replies)
}

func (h *Handler) renewKey(w http.ResponseWriter, r *http.Request) {
	uid, err := uidParam(r, "uid")
	if err != nil {
		h.badRequest(w, err)
		return
	}

	key, err := h.server.RenewKey(uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, credentialsReply{
		UID: uid.String(),
		Key: hex.EncodeToString(key.Bytes()),
	})
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	uid, err := uidParam(r, "uid")
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.server.DeleteUser(uid); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addPeer(w http.ResponseWriter, r *http.Request) {
	h.peerEdge(w, r, h.server.AddPeer)
}

func (h *Handler) deletePeer(w http.ResponseWriter, r *http.Request) {
	h.peerEdge(w, r, h.server.DeletePeer)
}

func (h *Handler) peerEdge(w http.ResponseWriter, r *http.Request, op func(a, b ids.UID) error) {
	var req peerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, err)
		return
	}
	a, err := parseUID(req.A)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	b, err := parseUID(req.B)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if err := op(a, b); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addLocations(w http.ResponseWriter, r *http.Request) {
	var reqs []locationRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.badRequest(w, err)
		return
	}

	locations := make([]store.UserLocation, len(reqs))
	for i, req := range reqs {
		uid, err := parseUID(req.UID)
		if err != nil {
			h.badRequest(w, err)
			return
		}
		locations[i] = store.UserLocation{
			UID:    uid,
			Start:  time.UnixMilli(req.StartMS).UTC(),
			End:    time.UnixMilli(req.EndMS).UTC(),
			Coarse: celltower.CoarseLocation{Lat: req.Lat, Lon: req.Lon},
			Cell:   celltower.PackedID(req.CellTower),
		}
	}
	if err := h.server.AddLocations(locations); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submitObservations(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, err)
		return
	}
	observer, err := parseUID(req.Observer)
	if err != nil {
		h.badRequest(w, err)
		return
	}

	observations := make([]store.Observation, len(req.Observations))
	for i, o := range req.Observations {
		raw, err := hex.DecodeString(o.AID)
		if err != nil {
			h.badRequest(w, err)
			return
		}
		aid, err := ids.AIDFromBytes(raw)
		if err != nil {
			h.badRequest(w, err)
			return
		}
		observations[i] = store.Observation{
			AID:          aid,
			Time:         time.UnixMilli(o.TimeMS).UTC(),
			Lat:          o.Lat,
			Lon:          o.Lon,
			LocationName: o.Name,
		}
	}

	resolved, err := h.server.SubmitObservations(r.Context(), resolver.Batch{
		Observer:     observer,
		Observations: observations,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, submitReply{Resolved: resolved})
}

func (h *Handler) reply(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Debug("failed writing response",
			zap.Error(err),
		)
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateUser),
		errors.Is(err, store.ErrSelfPeer):
		status = http.StatusConflict
	}
	h.log.Debug("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	http.Error(w, err.Error(), status)
}

func uidParam(r *http.Request, name string) (ids.UID, error) {
	return parseUID(chi.URLParam(r, name))
}

func parseUID(s string) (ids.UID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ids.EmptyUID, err
	}
	return ids.UIDFromBytes(raw)
}
