// Package rest implements the HTTP admission engine: GET/PUT on
// /{editor_public_key_base64}, composing the container codec, crypto
// verifier, and store with the replacement policy from spec.md §4.5.
package rest

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/graffiti-garden/link-service/internal/container"
	"github.com/graffiti-garden/link-service/internal/crypto"
	"github.com/graffiti-garden/link-service/internal/store"
)

// Metrics receives admission outcomes. Satisfied by *metrics.Metrics;
// declared locally so this package doesn't need to import metrics (and
// its Prometheus dependency) just to accept an optional reporter.
type Metrics interface {
	ContainerInserted()
	ContainerReplaced()
	ContainerRejected(reason string)
}

// Handlers implements the PUT/GET admission engine against a Store.
type Handlers struct {
	Store   store.Store
	Logger  zerolog.Logger
	Metrics Metrics // optional; nil is valid and reports nothing
}

func (h *Handlers) record(outcome store.UpsertOutcome) {
	if h.Metrics == nil {
		return
	}
	switch outcome {
	case store.Inserted:
		h.Metrics.ContainerInserted()
	case store.Replaced:
		h.Metrics.ContainerReplaced()
	case store.RejectedCounter:
		h.Metrics.ContainerRejected("counter must increase")
	case store.RejectedExpiration:
		h.Metrics.ContainerRejected("expiration cannot decrease")
	}
}

const serviceName = "Graffiti Link Server"

// ServiceInfo backs GET /.
func (h *Handlers) ServiceInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":        serviceName,
		"description": "An end-to-end encrypted link server",
	})
}

// Health backs GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if pinger, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func decodeEditorPublicKey(r *http.Request) ([32]byte, error) {
	var key [32]byte
	raw := mux.Vars(r)["editor_public_key_base64"]

	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return key, errBadBase64
	}
	if len(decoded) != 32 {
		return key, errBadKeyLength
	}
	copy(key[:], decoded)
	return key, nil
}

var (
	errBadBase64    = errors.New("public key is not correctly base 64 encoded")
	errBadKeyLength = errors.New("public key must be exactly 32 bytes long")
)

// Get implements GET /{editor_public_key_base64}.
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	editorKey, err := decodeEditorPublicKey(r)
	if err != nil {
		writeText(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	rec, err := h.Store.Get(r.Context(), editorKey)
	if errors.Is(err, store.ErrNotFound) {
		writeText(w, http.StatusNotFound, "link not found")
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Msg("store get failed")
		writeText(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.ContainerSigned)
}

// Put implements PUT /{editor_public_key_base64}, following the fixed
// processing order in spec.md §4.5.
func (h *Handlers) Put(w http.ResponseWriter, r *http.Request) {
	editorKey, err := decodeEditorPublicKey(r)
	if err != nil {
		writeText(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeText(w, http.StatusUnprocessableEntity, "not enough data")
		return
	}

	unpacked, err := container.Unpack(body)
	switch {
	case errors.Is(err, container.ErrTooShort):
		writeText(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, container.ErrTooLong):
		writeText(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	if unpacked.Version != container.VersionZero {
		writeText(w, http.StatusBadRequest, "this is version zero")
		return
	}

	if err := crypto.VerifySignature(editorKey, unpacked.SignedPortion, unpacked.Signature); err != nil {
		writeText(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if err := crypto.VerifyProofOfKnowledge(unpacked.InfoHash, editorKey, unpacked.ProofOfKnowledge); err != nil {
		writeText(w, http.StatusUnauthorized, "invalid proof of knowledge")
		return
	}

	result, err := h.Store.UpsertIfMonotonic(r.Context(), store.Record{
		EditorPublicKey: editorKey,
		InfoHash:        unpacked.InfoHash,
		Counter:         unpacked.Counter,
		Expiration:      unpacked.Expiration,
		ContainerSigned: body,
	})
	if err != nil {
		h.Logger.Error().Err(err).Msg("store upsert failed")
		writeText(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.record(result.Outcome)

	switch result.Outcome {
	case store.Inserted:
		w.WriteHeader(http.StatusOK)
	case store.Replaced:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Previous.ContainerSigned)
	case store.RejectedCounter:
		writeText(w, http.StatusConflict, "counter must increase")
	case store.RejectedExpiration:
		writeText(w, http.StatusConflict, "expiration cannot decrease")
	}
}
