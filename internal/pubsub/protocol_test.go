package pubsub

import (
	"bytes"
	"errors"
	"testing"
)

func buildRequestFrame(version, requestByte byte, id messageID, hashes ...[32]byte) []byte {
	frame := make([]byte, 0, requestHeaderLen+len(hashes)*infoHashLen)
	frame = append(frame, version, requestByte)
	frame = append(frame, id[:]...)
	for _, h := range hashes {
		frame = append(frame, h[:]...)
	}
	return frame
}

func TestParseRequestValidSubscribe(t *testing.T) {
	var id messageID
	id[0] = 0xAB
	var hash [32]byte
	hash[0] = 1

	req, err := parseRequest(buildRequestFrame(0, 1, id, hash))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.subscribe {
		t.Fatalf("expected subscribe request")
	}
	if req.id != id {
		t.Fatalf("message id mismatch")
	}
	if len(req.hashes) != 1 || req.hashes[0] != hash {
		t.Fatalf("hash mismatch")
	}
}

func TestParseRequestValidUnsubscribe(t *testing.T) {
	var id messageID
	var hash [32]byte
	req, err := parseRequest(buildRequestFrame(0, 0, id, hash))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.subscribe {
		t.Fatalf("expected unsubscribe request")
	}
}

func TestParseRequestTooShort(t *testing.T) {
	_, err := parseRequest(make([]byte, 17))
	if !errors.Is(err, errFrameTooShort) {
		t.Fatalf("want errFrameTooShort, got %v", err)
	}
}

func TestParseRequestWrongVersion(t *testing.T) {
	var id messageID
	var hash [32]byte
	_, err := parseRequest(buildRequestFrame(7, 1, id, hash))
	if !errors.Is(err, errWrongVersion) {
		t.Fatalf("want errWrongVersion, got %v", err)
	}
}

func TestParseRequestNoInfoHash(t *testing.T) {
	var id messageID
	_, err := parseRequest(buildRequestFrame(0, 1, id))
	if !errors.Is(err, errNoInfoHash) {
		t.Fatalf("want errNoInfoHash, got %v", err)
	}
}

func TestParseRequestMisalignedHashes(t *testing.T) {
	var id messageID
	raw := buildRequestFrame(0, 1, id)
	raw = append(raw, make([]byte, 20)...) // not a multiple of 32
	_, err := parseRequest(raw)
	if !errors.Is(err, errMisalignedHashes) {
		t.Fatalf("want errMisalignedHashes, got %v", err)
	}
}

func TestParseRequestInvalidRequestByte(t *testing.T) {
	var id messageID
	var hash [32]byte
	_, err := parseRequest(buildRequestFrame(0, 9, id, hash))
	if !errors.Is(err, errInvalidRequest) {
		t.Fatalf("want errInvalidRequest, got %v", err)
	}
}

func TestEncodeSuccess(t *testing.T) {
	var id messageID
	id[0] = 0x42
	frame := encodeSuccess(id)
	if frame[0] != kindSuccess {
		t.Fatalf("want kindSuccess header byte")
	}
	if !bytes.Equal(frame[1:], id[:]) {
		t.Fatalf("message id not echoed")
	}
}

func TestEncodeAnnounceEmptyContainerDenotesExpiration(t *testing.T) {
	var editor [32]byte
	editor[0] = 9
	frame := encodeAnnounce(editor, nil)
	if frame[0] != kindAnnounce {
		t.Fatalf("want kindAnnounce header byte")
	}
	if len(frame) != 1+32 {
		t.Fatalf("want header+editor key only for empty container, got %d bytes", len(frame))
	}
}

func TestEncodeErrorWithID(t *testing.T) {
	var id messageID
	id[1] = 7
	frame := encodeErrorWithID(id, "boom")
	if frame[0] != kindErrorWithID {
		t.Fatalf("want kindErrorWithID header byte")
	}
	if string(frame[17:]) != "boom" {
		t.Fatalf("want message body 'boom', got %q", frame[17:])
	}
}

func TestEncodeErrorWithoutID(t *testing.T) {
	frame := encodeErrorWithoutID("expecting bytes")
	if frame[0] != kindErrorWithoutID {
		t.Fatalf("want kindErrorWithoutID header byte")
	}
	if string(frame[1:]) != "expecting bytes" {
		t.Fatalf("unexpected body: %q", frame[1:])
	}
}
