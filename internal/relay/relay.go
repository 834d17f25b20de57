// Package relay implements an optional cross-instance announce relay
// over NATS, adapted from the teacher's pkg/nats client and its
// internal/multi shard fan-out pattern. It exists for deployments running
// more than one link server process behind a load balancer: each
// process's dispatcher only fans out to sockets held in its own, local
// subscription index, so a socket connected to instance B would otherwise
// never hear about a change admitted through instance A.
//
// Every locally dispatched announce is republished onto a NATS subject
// named after the info_hash it concerns; every instance subscribes to
// the wildcard and re-delivers received announces to its own local
// subscribers of that hash. The local change feed already handles
// same-process delivery, so only the republished copy is consumed here.
package relay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	subjectPrefix   = "linkserver.announce."
	subjectWildcard = subjectPrefix + "*"
)

// subject returns the NATS subject an announce about hash is published to.
func subject(hash [32]byte) string {
	return subjectPrefix + hex.EncodeToString(hash[:])
}

// Relay publishes and receives announce events across link server
// instances. The zero value is not usable; construct with Connect.
type Relay struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials url with reconnect settings mirroring the teacher's NATS
// client defaults.
func Connect(url string, logger zerolog.Logger) (*Relay, error) {
	conn, err := nats.Connect(url,
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("relay connected to nats")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("relay disconnected from nats")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("relay reconnected to nats")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Relay{conn: conn, logger: logger}, nil
}

// Close closes the underlying NATS connection without draining it.
func (r *Relay) Close() {
	r.conn.Close()
}

// Publish relays an announce to every other connected instance, once per
// info_hash it concerns. It satisfies pubsub.Relayer.
func (r *Relay) Publish(editorKey [32]byte, containerSigned []byte, hashes [][32]byte) error {
	frame := encode(editorKey, containerSigned)
	for _, h := range hashes {
		if err := r.conn.Publish(subject(h), frame); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers handler to run for every announce published by
// another instance, with the single info_hash carried in the subject it
// arrived on. The returned func unsubscribes.
func (r *Relay) Subscribe(handler func(editorKey [32]byte, containerSigned []byte, hashes [][32]byte)) (func() error, error) {
	sub, err := r.conn.Subscribe(subjectWildcard, func(msg *nats.Msg) {
		hash, err := hashFromSubject(msg.Subject)
		if err != nil {
			r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping relay announce on malformed subject")
			return
		}
		editorKey, containerSigned, err := decode(msg.Data)
		if err != nil {
			r.logger.Warn().Err(err).Msg("dropping malformed relay announce")
			return
		}
		handler(editorKey, containerSigned, [][32]byte{hash})
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func hashFromSubject(subj string) ([32]byte, error) {
	var hash [32]byte
	suffix := strings.TrimPrefix(subj, subjectPrefix)
	if suffix == subj {
		return hash, fmt.Errorf("subject %q missing prefix %q", subj, subjectPrefix)
	}
	raw, err := hex.DecodeString(suffix)
	if err != nil || len(raw) != 32 {
		return hash, fmt.Errorf("subject %q does not encode a 32-byte hash", subj)
	}
	copy(hash[:], raw)
	return hash, nil
}

var errMalformed = errors.New("malformed relay announce")

// encode serializes an announce's payload as: editor_public_key(32B) |
// container_signed(rest). The info_hash travels in the subject, not the
// body, so it is not repeated here.
func encode(editorKey [32]byte, containerSigned []byte) []byte {
	out := make([]byte, 0, 32+len(containerSigned))
	out = append(out, editorKey[:]...)
	out = append(out, containerSigned...)
	return out
}

func decode(raw []byte) (editorKey [32]byte, containerSigned []byte, err error) {
	if len(raw) < 32 {
		return editorKey, nil, errMalformed
	}
	copy(editorKey[:], raw[:32])
	containerSigned = append([]byte{}, raw[32:]...)
	return editorKey, containerSigned, nil
}
