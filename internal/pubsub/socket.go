package pubsub

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/graffiti-garden/link-service/internal/store"
)

var socketIDCounter int64

// SocketMetrics receives per-socket lifecycle events. Satisfied by
// *metrics.Metrics.
type SocketMetrics interface {
	SlowSocketDisconnected()
}

// Socket is one live websocket connection: its outbound queue, its set
// of info_hash subscriptions, and the cancellation scope that bounds its
// backlog-scan children. Per spec.md §5 a socket's frames are handled
// strictly in order by a single goroutine (readLoop); subscribed is only
// ever touched while that goroutine (or a backlog scan it spawned) holds
// the index's write lock via Subscribe/Unsubscribe/UnsubscribeAll, so it
// needs no lock of its own.
type Socket struct {
	id     int64
	conn   net.Conn
	send   chan []byte
	index  *Index
	store  store.Store
	logger zerolog.Logger

	subscribed map[[32]byte]struct{}
	metrics    SocketMetrics

	// sendAttempts counts consecutive full-buffer send failures; strikes
	// is the threshold at which the socket is disconnected for being too
	// slow. slowClientWarned CAS-guards the one-time warning log on the
	// first failure, mirroring the teacher's broadcast() strike policy.
	sendAttempts    int32
	slowClientWarned int32
	strikes         int32

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// pingPeriod and writeWait mirror the teacher's keepalive cadence.
const (
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
)

// Handle runs the full lifecycle of one websocket connection: it starts
// the write pump, runs the read loop on the calling goroutine until the
// connection closes or errors, then guarantees unsubscribe_all and
// connection close on every exit path (spec.md §4.6, §5).
func Handle(ctx context.Context, conn net.Conn, idx *Index, st store.Store, sendBuffer int, strikes int, logger zerolog.Logger, m SocketMetrics) {
	if strikes < 1 {
		strikes = 1
	}
	sockCtx, cancel := context.WithCancel(ctx)
	id := atomic.AddInt64(&socketIDCounter, 1)
	sock := &Socket{
		id:         id,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		index:      idx,
		store:      st,
		logger:     logger.With().Int64("socket_id", id).Logger(),
		subscribed: make(map[[32]byte]struct{}),
		metrics:    m,
		strikes:    int32(strikes),
		ctx:        sockCtx,
		cancel:     cancel,
	}

	// readLoop blocks in wsutil.ReadClientData, which only returns on a
	// read error, a read-deadline expiry, or the connection closing. It
	// does not itself watch sockCtx, so closing the connection on
	// cancellation (e.g. server shutdown) is what unblocks it promptly
	// instead of waiting out the next read deadline.
	go func() {
		<-sockCtx.Done()
		sock.closeConn()
	}()

	defer func() {
		sock.cancel()
		sock.wg.Wait()
		idx.UnsubscribeAll(sock)
		sock.closeConn()
	}()

	go sock.writeLoop()
	sock.readLoop()
}

func (s *Socket) readLoop() {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		data, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if op == ws.OpClose {
			return
		}
		if op != ws.OpBinary {
			if !s.trySend(encodeErrorWithoutID("expecting bytes")) {
				return
			}
			continue
		}

		req, err := parseRequest(data)
		switch {
		case errors.Is(err, errFrameTooShort):
			s.trySend(encodeErrorWithoutID(err.Error()))
			return

		case errors.Is(err, errWrongVersion),
			errors.Is(err, errNoInfoHash),
			errors.Is(err, errMisalignedHashes),
			errors.Is(err, errInvalidRequest):
			if !s.trySend(encodeErrorWithID(req.id, err.Error())) {
				return
			}
			continue
		}

		if req.subscribe {
			s.index.Subscribe(s, req.hashes)
			if !s.trySend(encodeSuccess(req.id)) {
				return
			}
			s.scheduleBacklog(req.hashes)
		} else {
			s.index.Unsubscribe(s, req.hashes)
			if !s.trySend(encodeSuccess(req.id)) {
				return
			}
		}
	}
}

// scheduleBacklog runs the one-shot backlog scan for a subscribe request
// as a structured-concurrency child of the socket: scoped to s.ctx so
// socket close cancels it deterministically, and ordered within itself
// even though it runs concurrently with further incoming frames.
func (s *Socket) scheduleBacklog(hashes [][32]byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		now := time.Now()
		err := s.store.FindByInfoHashLive(s.ctx, hashes, now, func(rec store.Record) error {
			if !s.trySend(encodeAnnounce(rec.EditorPublicKey, rec.ContainerSigned)) {
				return errBacklogSendFailed
			}
			return nil
		})
		if err != nil && !errors.Is(err, errBacklogSendFailed) && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("backlog scan failed")
		}
		if errors.Is(err, errBacklogSendFailed) {
			s.cancel()
		}
	}()
}

var errBacklogSendFailed = errors.New("backlog send failed")

// trySend enqueues msg for the write pump, applying the teacher's
// broadcast() strike policy: a full buffer increments a consecutive-
// failure counter rather than disconnecting immediately, logs a
// one-time warning on the first failure (CAS-guarded to avoid log
// spam), and only tears the socket down — with a policy-violation
// close frame, same as the teacher — once s.strikes consecutive
// failures accumulate. A successful send resets the counter. Returns
// false only when the socket itself should be torn down (context
// canceled, or the strike threshold was just reached).
func (s *Socket) trySend(msg []byte) bool {
	select {
	case s.send <- msg:
		atomic.StoreInt32(&s.sendAttempts, 0)
		atomic.StoreInt32(&s.slowClientWarned, 0)
		return true
	case <-s.ctx.Done():
		return false
	default:
	}

	attempts := atomic.AddInt32(&s.sendAttempts, 1)
	if attempts == 1 && atomic.CompareAndSwapInt32(&s.slowClientWarned, 0, 1) {
		s.logger.Warn().Str("reason", "send_buffer_full").Msg("client is slow")
	}
	if attempts < s.strikes {
		return true
	}

	s.logger.Warn().Int32("consecutive_failures", attempts).Str("reason", "too_slow").Msg("disconnecting slow client")
	if s.metrics != nil {
		s.metrics.SlowSocketDisconnected()
	}
	s.sendCloseFrame()
	s.cancel()
	return false
}

// sendCloseFrame writes a policy-violation close frame directly to the
// connection, mirroring the teacher's own conn.Close()-adjacent
// ws.NewCloseFrameBody(ws.StatusPolicyViolation, ...) call in
// broadcast(). Best-effort: the socket is being torn down regardless.
func (s *Socket) sendCloseFrame() {
	closeMsg := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "client too slow to process messages")
	_ = ws.WriteFrame(s.conn, ws.NewCloseFrame(closeMsg))
}

func (s *Socket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerBinary(s.conn, msg); err != nil {
				s.cancel()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Socket) closeConn() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// noteSubscribed, noteUnsubscribed, subscribedHashes, and clearSubscribed
// are called exclusively by Index under idx.mu; see the Socket doc
// comment for why no additional locking is needed here.
func (s *Socket) noteSubscribed(hash [32]byte) {
	s.subscribed[hash] = struct{}{}
}

func (s *Socket) noteUnsubscribed(hash [32]byte) {
	delete(s.subscribed, hash)
}

func (s *Socket) subscribedHashes() [][32]byte {
	hashes := make([][32]byte, 0, len(s.subscribed))
	for hash := range s.subscribed {
		hashes = append(hashes, hash)
	}
	return hashes
}

func (s *Socket) clearSubscribed() {
	s.subscribed = make(map[[32]byte]struct{})
}
