// Package container packs and unpacks the fixed-prefix binary container
// layout shared by the REST admission engine and the store. It holds no
// cryptographic or persistence logic of its own — it is the single source
// of truth for byte offsets, mirroring the teacher's approach of keeping
// wire-format concerns in one small, pure package.
package container

import (
	"encoding/binary"
	"errors"
)

const (
	// VersionZero is the only container version this server accepts.
	VersionZero = 0

	infoHashLen  = 32
	pokLen       = 64
	counterLen   = 8
	expirationLen = 8

	// MetadataLen is the length, in bytes, of the fixed prefix:
	// version(1) + info_hash(32) + pok(64) + counter(8) + expiration(8).
	MetadataLen = 1 + infoHashLen + pokLen + counterLen + expirationLen

	// SignatureLen is the trailing ed25519 signature length.
	SignatureLen = 64

	// PayloadMaxLen bounds the variable-length payload between the
	// metadata prefix and the signature.
	PayloadMaxLen = 256

	// MinContainerLen is the smallest legal container: metadata prefix
	// plus signature, zero-length payload.
	MinContainerLen = MetadataLen + SignatureLen

	// MaxContainerLen is the largest legal container.
	MaxContainerLen = MinContainerLen + PayloadMaxLen
)

// ErrTooShort and ErrTooLong describe length-constraint failures surfaced
// by the admission engine as 422/413.
var (
	ErrTooShort = errors.New("not enough data")
	ErrTooLong  = errors.New("payload cannot exceed 256 bytes")
)

// Metadata is the parsed fixed-size prefix of a container.
type Metadata struct {
	Version    uint8
	InfoHash   [32]byte
	ProofOfKnowledge [64]byte
	Counter    int64
	Expiration int64
}

// Unpacked is a fully parsed container: its metadata, payload, and trailing
// signature, plus the original bytes minus the signature (the span the
// editor's signature covers).
type Unpacked struct {
	Metadata
	Payload          []byte
	Signature        []byte
	SignedPortion    []byte // container bytes excluding the trailing signature
}

// Unpack validates length constraints and splits a raw container into its
// metadata, payload, and signature. It does not verify any cryptography —
// that is the crypto package's job.
func Unpack(raw []byte) (*Unpacked, error) {
	if len(raw) < MinContainerLen {
		return nil, ErrTooShort
	}
	if len(raw) > MaxContainerLen {
		return nil, ErrTooLong
	}

	signedPortion := raw[:len(raw)-SignatureLen]
	signature := raw[len(raw)-SignatureLen:]

	meta := Metadata{}
	meta.Version = signedPortion[0]
	offset := 1
	copy(meta.InfoHash[:], signedPortion[offset:offset+infoHashLen])
	offset += infoHashLen
	copy(meta.ProofOfKnowledge[:], signedPortion[offset:offset+pokLen])
	offset += pokLen
	meta.Counter = int64(binary.BigEndian.Uint64(signedPortion[offset : offset+counterLen]))
	offset += counterLen
	meta.Expiration = int64(binary.BigEndian.Uint64(signedPortion[offset : offset+expirationLen]))
	offset += expirationLen

	payload := signedPortion[offset:]

	return &Unpacked{
		Metadata:      meta,
		Payload:       payload,
		Signature:     signature,
		SignedPortion: signedPortion,
	}, nil
}

// Pack reassembles a container from its parts. It is the inverse of Unpack
// and exists mainly so round-trip (`pack . unpack = id`) is testable and so
// the store/dispatcher can reconstruct a raw container if ever needed.
func Pack(meta Metadata, payload, signature []byte) []byte {
	out := make([]byte, 0, MetadataLen+len(payload)+SignatureLen)
	out = append(out, meta.Version)
	out = append(out, meta.InfoHash[:]...)
	out = append(out, meta.ProofOfKnowledge[:]...)

	var counterBuf, expirationBuf [8]byte
	binary.BigEndian.PutUint64(counterBuf[:], uint64(meta.Counter))
	binary.BigEndian.PutUint64(expirationBuf[:], uint64(meta.Expiration))
	out = append(out, counterBuf[:]...)
	out = append(out, expirationBuf[:]...)

	out = append(out, payload...)
	out = append(out, signature...)
	return out
}
