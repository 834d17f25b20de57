// Package crypto implements the two ed25519 checks the admission engine
// requires. It is deliberately tiny and stateless: both operations take
// their inputs by value and return a sentinel error, so the admission
// engine can translate failures into specific HTTP status codes without
// this package knowing anything about HTTP.
package crypto

import (
	"crypto/ed25519"
	"errors"
)

// ErrInvalidSignature is returned when the editor's signature over the
// container does not verify against the editor's public key.
var ErrInvalidSignature = errors.New("invalid signature")

// ErrInvalidProofOfKnowledge is returned when the proof-of-knowledge
// signature does not verify against the info_hash-as-public-key.
var ErrInvalidProofOfKnowledge = errors.New("invalid proof of knowledge")

// VerifySignature checks that signature is a valid ed25519 signature by
// editorPublicKey over signedPortion (the container bytes excluding the
// trailing signature itself).
func VerifySignature(editorPublicKey [32]byte, signedPortion, signature []byte) error {
	if !ed25519.Verify(editorPublicKey[:], signedPortion, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyProofOfKnowledge checks that pok is a valid ed25519 signature,
// under the private key whose public counterpart is infoHash, over
// editorPublicKey. This demonstrates the submitter knows the pre-image
// (the "URI") that info_hash was derived from.
func VerifyProofOfKnowledge(infoHash [32]byte, editorPublicKey [32]byte, pok [64]byte) error {
	if !ed25519.Verify(infoHash[:], editorPublicKey[:], pok[:]) {
		return ErrInvalidProofOfKnowledge
	}
	return nil
}
