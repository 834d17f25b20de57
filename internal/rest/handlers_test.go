package rest

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/graffiti-garden/link-service/internal/container"
	"github.com/graffiti-garden/link-service/internal/store"
)

type builtContainer struct {
	editorPub ed25519.PublicKey
	raw       []byte
}

func buildContainer(t *testing.T, counter, expiration int64, payload []byte) builtContainer {
	t.Helper()

	infoPub, infoPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate info key: %v", err)
	}
	editorPub, editorPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate editor key: %v", err)
	}

	pok := ed25519.Sign(infoPriv, editorPub)

	var counterBuf, expBuf [8]byte
	binary.BigEndian.PutUint64(counterBuf[:], uint64(counter))
	binary.BigEndian.PutUint64(expBuf[:], uint64(expiration))

	signedPortion := make([]byte, 0, container.MetadataLen+len(payload))
	signedPortion = append(signedPortion, container.VersionZero)
	signedPortion = append(signedPortion, infoPub...)
	signedPortion = append(signedPortion, pok...)
	signedPortion = append(signedPortion, counterBuf[:]...)
	signedPortion = append(signedPortion, expBuf[:]...)
	signedPortion = append(signedPortion, payload...)

	sig := ed25519.Sign(editorPriv, signedPortion)
	raw := append(append([]byte{}, signedPortion...), sig...)

	return builtContainer{editorPub: editorPub, raw: raw}
}

func newTestRouter() (http.Handler, store.Store) {
	st := store.NewMemoryStore()
	h := &Handlers{Store: st, Logger: zerolog.Nop()}
	return NewRouter(h), st
}

func doRequest(t *testing.T, router http.Handler, method, pathKey string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/"+pathKey, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func keyPath(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

func TestPutThenGetRoundTrip(t *testing.T) {
	router, _ := newTestRouter()
	c := buildContainer(t, 0, nowPlus(100), []byte("hello"))

	rec := doRequest(t, router, http.MethodPut, keyPath(c.editorPub), c.raw)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: want 200 got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, keyPath(c.editorPub), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: want 200 got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), c.raw) {
		t.Fatalf("get returned different bytes than were put")
	}
}

func TestGetNotFound(t *testing.T) {
	router, _ := newTestRouter()
	randomPub, _, _ := ed25519.GenerateKey(nil)
	rec := doRequest(t, router, http.MethodGet, base64.RawURLEncoding.EncodeToString(randomPub), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}
	if rec.Body.String() != "link not found" {
		t.Fatalf("want 'link not found', got %q", rec.Body.String())
	}
}

func TestGetBadBase64(t *testing.T) {
	router, _ := newTestRouter()
	rec := doRequest(t, router, http.MethodGet, "not-valid-base64!!!", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGetWrongKeyLength(t *testing.T) {
	router, _ := newTestRouter()
	short := base64.RawURLEncoding.EncodeToString([]byte("short"))
	rec := doRequest(t, router, http.MethodGet, short, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d", rec.Code)
	}
	if rec.Body.String() != "public key must be exactly 32 bytes long" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestPutTooShort(t *testing.T) {
	router, _ := newTestRouter()
	pub, _, _ := ed25519.GenerateKey(nil)
	rec := doRequest(t, router, http.MethodPut, keyPath(pub), []byte{1, 2, 3})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d", rec.Code)
	}
}

func TestPutPayloadTooLarge(t *testing.T) {
	router, _ := newTestRouter()
	c := buildContainer(t, 0, nowPlus(100), bytes.Repeat([]byte{1}, container.PayloadMaxLen+1))
	rec := doRequest(t, router, http.MethodPut, keyPath(c.editorPub), c.raw)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}
}

func TestPutWrongVersion(t *testing.T) {
	router, _ := newTestRouter()
	c := buildContainer(t, 0, nowPlus(100), nil)
	c.raw[0] = 1 // corrupt version byte
	rec := doRequest(t, router, http.MethodPut, keyPath(c.editorPub), c.raw)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestPutInvalidSignature(t *testing.T) {
	router, _ := newTestRouter()
	c := buildContainer(t, 0, nowPlus(100), []byte("x"))
	c.raw[len(c.raw)-1] ^= 0xFF // corrupt signature
	rec := doRequest(t, router, http.MethodPut, keyPath(c.editorPub), c.raw)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "invalid signature" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestPutReplaceMonotonicity(t *testing.T) {
	router, _ := newTestRouter()
	infoPub, infoPriv, _ := ed25519.GenerateKey(nil)
	editorPub, editorPriv, _ := ed25519.GenerateKey(nil)

	build := func(counter, expiration int64) []byte {
		pok := ed25519.Sign(infoPriv, editorPub)
		var counterBuf, expBuf [8]byte
		binary.BigEndian.PutUint64(counterBuf[:], uint64(counter))
		binary.BigEndian.PutUint64(expBuf[:], uint64(expiration))
		signed := append([]byte{container.VersionZero}, infoPub...)
		signed = append(signed, pok...)
		signed = append(signed, counterBuf[:]...)
		signed = append(signed, expBuf[:]...)
		sig := ed25519.Sign(editorPriv, signed)
		return append(signed, sig...)
	}

	first := build(0, nowPlus(100))
	rec := doRequest(t, router, http.MethodPut, keyPath(editorPub), first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first put: want 200 got %d", rec.Code)
	}

	// Counter not increasing -> 409.
	same := build(0, nowPlus(200))
	rec = doRequest(t, router, http.MethodPut, keyPath(editorPub), same)
	if rec.Code != http.StatusConflict || rec.Body.String() != "counter must increase" {
		t.Fatalf("want 409 'counter must increase', got %d %q", rec.Code, rec.Body.String())
	}

	// Expiration decreasing -> 409.
	decExp := build(1, nowPlus(50))
	rec = doRequest(t, router, http.MethodPut, keyPath(editorPub), decExp)
	if rec.Code != http.StatusConflict || rec.Body.String() != "expiration cannot decrease" {
		t.Fatalf("want 409 'expiration cannot decrease', got %d %q", rec.Code, rec.Body.String())
	}

	// Valid replace: counter increases, expiration equal -> 200 with old container.
	second := build(1, nowPlus(100))
	rec = doRequest(t, router, http.MethodPut, keyPath(editorPub), second)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace: want 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), first) {
		t.Fatalf("replace response should be the previous container")
	}

	getRec := doRequest(t, router, http.MethodGet, keyPath(editorPub), nil)
	if !bytes.Equal(getRec.Body.Bytes(), second) {
		t.Fatalf("GET should return the latest container")
	}
}

func nowPlus(seconds int64) int64 {
	return time.Now().Add(time.Duration(seconds) * time.Second).Unix()
}
