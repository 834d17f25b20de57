package pubsub

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/graffiti-garden/link-service/internal/store"
)

// Relayer publishes announces to other link server instances. Satisfied
// by *relay.Relay; kept as an interface here so pubsub doesn't import
// the relay package (and its NATS dependency) when relaying is disabled.
type Relayer interface {
	Publish(editorKey [32]byte, containerSigned []byte, hashes [][32]byte) error
}

// Metrics receives dispatch outcomes. Satisfied by *metrics.Metrics.
type Metrics interface {
	AnnounceSent()
}

// Dispatcher consumes the store's change feed and announces before/after
// states to interested sockets, adapted from the teacher's Broadcast()
// but driven by change events instead of a Kafka topic and targeting up
// to two info-hashes per event instead of one channel.
type Dispatcher struct {
	store   store.Store
	index   *Index
	relay   Relayer
	metrics Metrics
	logger  zerolog.Logger
}

// NewDispatcher constructs a Dispatcher wired to st and idx.
func NewDispatcher(st store.Store, idx *Index, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: st, index: idx, logger: logger}
}

// WithRelay attaches a cross-instance relay. Every locally observed
// change is published to it in addition to being fanned out to this
// instance's own subscribers.
func (d *Dispatcher) WithRelay(r Relayer) *Dispatcher {
	d.relay = r
	return d
}

// WithMetrics attaches an optional metrics reporter.
func (d *Dispatcher) WithMetrics(m Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Run subscribes to the change feed and dispatches until ctx is canceled
// or the feed closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, err := d.store.ChangeFeed(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			d.dispatch(event)
		}
	}
}

// dispatch implements the content and fan-out rules in spec.md §4.8.
func (d *Dispatcher) dispatch(event store.ChangeEvent) {
	editorKey, containerSigned, ok := announceContent(event)
	if !ok {
		return
	}

	hashes := interestedHashes(event)
	if len(hashes) == 0 {
		return
	}

	d.deliverLocal(editorKey, containerSigned, hashes)

	if d.relay != nil {
		if err := d.relay.Publish(editorKey, containerSigned, hashes); err != nil {
			d.logger.Warn().Err(err).Msg("failed to publish announce to relay")
		}
	}
}

// deliverLocal fans an announce out to this instance's own subscribers
// of hashes. Exported via DeliverRemote for announces arriving over the
// relay from other instances.
func (d *Dispatcher) deliverLocal(editorKey [32]byte, containerSigned []byte, hashes [][32]byte) {
	targets := d.index.Union(hashes...)
	if len(targets) == 0 {
		return
	}

	frame := encodeAnnounce(editorKey, containerSigned)
	for _, sock := range targets {
		// Best-effort: a failed send is swallowed here, the socket's
		// own 3-strike bookkeeping (trySend/cancel) already handles
		// disconnecting the offending recipient.
		sock.trySend(frame)
		if d.metrics != nil {
			d.metrics.AnnounceSent()
		}
	}
}

// DeliverRemote fans out an announce received over the relay to this
// instance's local subscribers, without re-publishing it.
func (d *Dispatcher) DeliverRemote(editorKey [32]byte, containerSigned []byte, hashes [][32]byte) {
	d.deliverLocal(editorKey, containerSigned, hashes)
}

// announceContent derives the editor_public_key and payload to announce
// from a change event, or reports ok=false when the event carries
// nothing announceable.
func announceContent(event store.ChangeEvent) (editorKey [32]byte, containerSigned []byte, ok bool) {
	now := time.Now()

	if event.After != nil && event.After.Live(now) {
		return event.After.EditorPublicKey, event.After.ContainerSigned, true
	}

	// Either a delete, or a replacement whose new expiration has
	// already passed: announce expiration with an empty payload,
	// sourcing the editor key from whichever image is present.
	switch {
	case event.After != nil:
		return event.After.EditorPublicKey, nil, true
	case event.Before != nil:
		return event.Before.EditorPublicKey, nil, true
	default:
		return editorKey, nil, false
	}
}

// interestedHashes returns the deduplicated info-hashes subscribers
// should be notified against: the pre-image's and the post-image's, so
// that a record whose info_hash changes still reaches subscribers of
// either the old or new topic.
func interestedHashes(event store.ChangeEvent) [][32]byte {
	var hashes [][32]byte
	if event.Before != nil {
		hashes = append(hashes, event.Before.InfoHash)
	}
	if event.After != nil && (len(hashes) == 0 || event.After.InfoHash != hashes[0]) {
		hashes = append(hashes, event.After.InfoHash)
	}
	return hashes
}
