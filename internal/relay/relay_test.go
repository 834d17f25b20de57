package relay

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var editorKey [32]byte
	copy(editorKey[:], bytes.Repeat([]byte{0x11}, 32))
	containerSigned := []byte("signed-container-bytes")

	gotKey, gotContainer, err := decode(encode(editorKey, containerSigned))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotKey != editorKey {
		t.Fatalf("editor key mismatch")
	}
	if !bytes.Equal(gotContainer, containerSigned) {
		t.Fatalf("container mismatch: got %q", gotContainer)
	}
}

func TestEncodeDecodeEmptyContainer(t *testing.T) {
	var editorKey [32]byte
	_, gotContainer, err := decode(encode(editorKey, nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gotContainer) != 0 {
		t.Fatalf("expected empty container, got %d bytes", len(gotContainer))
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	if _, _, err := decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error decoding a frame shorter than the editor key")
	}
	if _, _, err := decode(nil); err == nil {
		t.Fatalf("expected error decoding an empty frame")
	}
}

func TestSubjectRoundTripsHash(t *testing.T) {
	var h [32]byte
	copy(h[:], bytes.Repeat([]byte{0xab}, 32))

	got, err := hashFromSubject(subject(h))
	if err != nil {
		t.Fatalf("hashFromSubject: %v", err)
	}
	if got != h {
		t.Fatalf("hash mismatch after subject round trip")
	}
}

func TestHashFromSubjectRejectsBadInput(t *testing.T) {
	if _, err := hashFromSubject("wrong.prefix.deadbeef"); err == nil {
		t.Fatalf("expected error for subject missing the announce prefix")
	}
	if _, err := hashFromSubject(subjectPrefix + "not-hex"); err == nil {
		t.Fatalf("expected error for non-hex subject suffix")
	}
	if _, err := hashFromSubject(subjectPrefix + "deadbeef"); err == nil {
		t.Fatalf("expected error for subject suffix shorter than 32 bytes")
	}
}
