// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package flowmux

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// ErrUnknownStream is returned when an operation names a stream id the
// engine has never seen, or one it no longer remembers.
type ErrUnknownStream struct{}

func (ErrUnknownStream) Error() string { return "unknown stream" }

// ErrBusyLoop is the failure reported when a stream repeatedly asks to
// write yet never makes progress while nothing blocks it.
type ErrBusyLoop struct{}

func (ErrBusyLoop) Error() string { return "stream busy looping" }

// Muxer coordinates a connection's streams: it owns the scheduler, the
// connection-scope windows and the stream table, and runs write passes
// against the transport. It is not safe for concurrent use; every method
// must be called from the goroutine driving the connection's event loop.
type Muxer struct {
	// OnFatal, when set, receives errors the engine cannot degrade from,
	// such as transport write failures. The engine stops writing after
	// the first one.
	OnFatal func(error)
	// OnStreamPending, when set, is called once for each stream id that
	// starts buffering receive state before the application materializes
	// it.
	OnStreamPending func(*PendingStream)
	// Metrics, when set, receives engine counters.
	Metrics *Metrics

	t     Transport
	grant GrantFunc
	tr    *Trace
	cfg   Settings

	sched   *GroupScheduler
	streams map[StreamID]*Stream
	pending map[StreamID]*PendingStream
	zombies map[StreamID]*Stream
	closed  *lru.Cache[StreamID, StreamState]

	connRecv      *Window
	connSendLimit int64 // peer credit as an absolute offset
	connSent      int64 // new-data bytes charged against connSendLimit

	controlQueue []func() bool
	retransQueue []*Stream

	currentWriter StreamID // nonzero while a stream's writeStep runs
	failed        bool
	serialNumber  uint32
}

var muxerNextSerialNumber uint32

func (mux *Muxer) String() string {
	return fmt.Sprintf("[Muxer %x]", mux.serialNumber)
}

// NewMuxer creates a Muxer with default settings.
func NewMuxer(t Transport, grant GrantFunc) *Muxer {
	mux, err := NewMuxerSettings(t, grant, DefaultSettings(), nil)
	if err != nil {
		panic(fmt.Sprint("flowmux: default settings rejected: ", err))
	}
	return mux
}

// NewMuxerSettings creates a Muxer. grant may be nil for a passive engine
// that never emits flow-control grants, and tr may be nil.
func NewMuxerSettings(t Transport, grant GrantFunc, cfg Settings, tr *Trace) (mux *Muxer, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	closed, err := lru.New[StreamID, StreamState](cfg.ClosedStreamMemory)
	if err != nil {
		return
	}
	mux = &Muxer{
		t:             t,
		grant:         grant,
		tr:            traceOrNop(tr),
		cfg:           cfg,
		sched:         NewGroupScheduler(tr),
		streams:       make(map[StreamID]*Stream),
		pending:       make(map[StreamID]*PendingStream),
		zombies:       make(map[StreamID]*Stream),
		closed:        closed,
		connSendLimit: cfg.ConnSendQuota,
		serialNumber:  atomic.AddUint32(&muxerNextSerialNumber, 1),
	}
	mux.connRecv = NewWindow(cfg.ConnWindowLimit, func(delta int64) {
		mux.Metrics.grantSent("conn", delta)
		if mux.grant != nil {
			mux.grant(ConnectionID, delta)
		}
	})
	mux.connRecv.ShouldNotify = cfg.windowPolicy()
	mux.connRecv.DeferCredit = cfg.DeferGrantCredit
	mux.connRecv.Trace = mux.tr
	return
}

// CreateStream materializes a stream at the given rank, promoting any
// buffered pending state for the id. A static stream is exempt from
// connection-level flow control and scheduled above every regular rank.
func (mux *Muxer) CreateStream(id StreamID, rank Rank, static bool) (s *Stream, err error) {
	if err = mux.checkNewStreamID(id); err != nil {
		return
	}
	if err = mux.sched.Register(id, rank, static); err != nil {
		return
	}
	s = mux.materialize(id, static)
	return
}

// CreateStreamInGroup materializes a stream inside a scheduling group.
// The group is created at groupRank on first use; members share its
// top-level slot and order among themselves by rank.
func (mux *Muxer) CreateStreamInGroup(id StreamID, rank Rank, group GroupID, groupRank Rank) (s *Stream, err error) {
	if err = mux.checkNewStreamID(id); err != nil {
		return
	}
	if err = mux.sched.RegisterInGroup(id, rank, group, groupRank); err != nil {
		return
	}
	s = mux.materialize(id, false)
	return
}

// AcceptStream materializes a pending stream with the given scheduling
// parameters.
func (mux *Muxer) AcceptStream(id StreamID, rank Rank, static bool) (s *Stream, err error) {
	if mux.pending[id] == nil {
		err = errors.Wrapf(ErrUnknownStream{}, "no pending stream %v", id)
		return
	}
	return mux.CreateStream(id, rank, static)
}

func (mux *Muxer) checkNewStreamID(id StreamID) (err error) {
	switch {
	case id == ConnectionID:
		err = errors.Wrapf(ErrAlreadyRegistered{}, "%v is reserved", id)
	case mux.streams[id] != nil || mux.zombies[id] != nil:
		err = errors.Wrapf(ErrAlreadyRegistered{}, "stream %v", id)
	case mux.closed.Contains(id):
		err = errors.Wrapf(ErrAlreadyRegistered{}, "stream %v already closed", id)
	}
	return
}

func (mux *Muxer) materialize(id StreamID, static bool) (s *Stream) {
	s = NewStream(mux, mux.tr, id, static, mux.cfg)
	mux.streams[id] = s
	if ps := mux.pending[id]; ps != nil {
		delete(mux.pending, id)
		ps.promote(s)
		mux.Metrics.streamPromoted()
	}
	mux.Metrics.streamOpened()
	mux.updateGauges()
	return
}

// GetStream returns the live stream for id, or nil.
func (mux *Muxer) GetStream(id StreamID) *Stream {
	return mux.streams[id]
}

// StreamState reports what the engine knows about id. Truly forgotten ids,
// including closed ones evicted from the bounded history, report false.
func (mux *Muxer) StreamState(id StreamID) (state StreamState, known bool) {
	switch {
	case mux.streams[id] != nil:
		return StreamOpen, true
	case mux.zombies[id] != nil:
		return StreamZombie, true
	case mux.pending[id] != nil:
		return StreamPending, true
	case mux.closed.Contains(id):
		return StreamClosed, true
	}
	return
}

// UpdatePriority moves a live stream to a new rank. Its position among
// same-priority entries is kept. For a pending id the rank is buffered and
// applied when the stream materializes implicitly.
func (mux *Muxer) UpdatePriority(id StreamID, rank Rank) (err error) {
	if err = mux.sched.UpdatePriority(id, rank); err != nil {
		if ps := mux.pending[id]; ps != nil && errors.Cause(err) == (ErrNotRegistered{}) {
			if !validRank(rank) {
				return errors.WithStack(ErrRankRange{})
			}
			ps.rank, ps.hasRank = rank, true
			err = nil
		}
	}
	return
}

// AddToReady marks a live stream ready without new data being queued.
func (mux *Muxer) AddToReady(id StreamID) (err error) {
	return mux.sched.Schedule(id)
}

// ShouldYield reports whether the stream should defer writing because some
// other ready stream has priority at least as high. The stream currently
// inside a write pass never yields to itself.
func (mux *Muxer) ShouldYield(id StreamID) (bool, error) {
	if id == mux.currentWriter {
		return false, nil
	}
	return mux.sched.ShouldYield(id)
}

// QueueControl queues fn to run at the start of the next write pass,
// before any stream data moves. fn reports whether it completed; returning
// false must leave nothing consumed, and keeps it queued for the next
// pass.
func (mux *Muxer) QueueControl(fn func() bool) {
	mux.controlQueue = append(mux.controlQueue, fn)
}

// OnDataReceived records length bytes of stream id arriving at offset. An
// unknown id starts buffering as a pending stream, capped by
// MaxPendingStreams and, in bytes, by the stream window limit. Data for
// closed ids still in the history is ignored.
func (mux *Muxer) OnDataReceived(id StreamID, offset, length int64, fin bool) (err error) {
	if offset < 0 || length < 0 {
		return errors.WithStack(ErrNegativeCount{})
	}
	if id == ConnectionID {
		return errors.Wrapf(ErrUnknownStream{}, "%v carries no stream data", id)
	}
	if s := mux.lookupStream(id); s != nil {
		var newBytes int64
		if newBytes, err = s.OnDataReceived(offset, length, fin); err == nil && newBytes > 0 {
			mux.connRecv.MarkDataBuffered(newBytes)
		}
		return
	}
	if mux.closed.Contains(id) {
		return
	}
	if offset+length > mux.cfg.StreamWindowLimit {
		return errors.Wrapf(ErrWindowExceeded{}, "stream %v", id)
	}
	ps := mux.pending[id]
	if ps == nil {
		if len(mux.pending) >= mux.cfg.MaxPendingStreams {
			return errors.Wrapf(ErrTooManyPending{}, "stream %v", id)
		}
		ps = &PendingStream{ID: id, Created: mux.tr.Clock.Now()}
		mux.pending[id] = ps
		mux.updateGauges()
		if mux.OnStreamPending != nil {
			defer func() {
				if err == nil {
					mux.OnStreamPending(ps)
				}
			}()
		}
	}
	var newBytes int64
	if newBytes, err = ps.onDataReceived(offset, length, fin); err == nil && newBytes > 0 {
		mux.connRecv.MarkDataBuffered(newBytes)
	}
	return
}

// OnDataConsumed records the application consuming n bytes of stream id,
// freeing stream and connection receive quota. Consuming from a pending id
// materializes it, at the rank buffered for it or DefaultRank.
func (mux *Muxer) OnDataConsumed(id StreamID, n int64) (err error) {
	if n < 0 {
		return errors.WithStack(ErrNegativeCount{})
	}
	s := mux.lookupStream(id)
	if s == nil {
		if mux.closed.Contains(id) {
			return
		}
		ps := mux.pending[id]
		if ps == nil {
			return errors.Wrapf(ErrUnknownStream{}, "stream %v", id)
		}
		if s, err = mux.CreateStream(id, ps.Rank(), false); err != nil {
			return
		}
	}
	var accepted int64
	if accepted, err = s.OnDataConsumed(n); err == nil && accepted > 0 {
		mux.connRecv.MarkDataFlushed(accepted)
	}
	return
}

// OnCreditUpdate raises send credit for a stream, or for the connection
// when id is ConnectionID. Credit never shrinks.
func (mux *Muxer) OnCreditUpdate(id StreamID, limit int64) (err error) {
	if limit < 0 {
		return errors.WithStack(ErrNegativeCount{})
	}
	if id == ConnectionID {
		if limit > mux.connSendLimit {
			mux.connSendLimit = limit
		}
		return
	}
	if s := mux.lookupStream(id); s != nil {
		s.OnCreditUpdate(limit)
		return
	}
	if ps := mux.pending[id]; ps != nil {
		if limit > ps.sendLimit {
			ps.sendLimit = limit
		}
		return
	}
	if mux.closed.Contains(id) {
		return
	}
	return errors.Wrapf(ErrUnknownStream{}, "stream %v", id)
}

// OnStreamReset handles the peer resetting a stream: both sides close
// immediately and the declared final offset is reconciled against the
// connection window, including bytes claimed but never received. A reset
// can be the first and last the engine hears of an id.
func (mux *Muxer) OnStreamReset(id StreamID, finalOffset int64) (err error) {
	if finalOffset < 0 {
		return errors.WithStack(ErrNegativeCount{})
	}
	if id == ConnectionID {
		return errors.Wrapf(ErrUnknownStream{}, "%v cannot be reset", id)
	}
	if s := mux.lookupStream(id); s != nil {
		return mux.resetStream(s, finalOffset)
	}
	if ps := mux.pending[id]; ps != nil {
		if finalOffset < ps.highestRecv || (ps.finReceived && ps.finalOffset != finalOffset) {
			return errors.WithStack(ErrFinalOffset{})
		}
		delete(mux.pending, id)
		if ps.highestRecv > 0 {
			mux.connRecv.MarkDataFlushed(ps.highestRecv)
		}
		if unseen := finalOffset - ps.highestRecv; unseen > 0 {
			mux.connRecv.MarkWindowConsumed(unseen)
		}
		mux.closed.Add(id, StreamClosed)
		mux.updateGauges()
		return
	}
	if mux.closed.Contains(id) {
		return
	}
	if finalOffset > 0 {
		mux.connRecv.MarkWindowConsumed(finalOffset)
	}
	mux.closed.Add(id, StreamClosed)
	return
}

// AbortStream drops a stream locally, reconciling its receive accounting
// the same way a peer reset would. Ranges already handed to the transport
// are kept until acknowledged or abandoned; aborting a zombie abandons
// them immediately.
func (mux *Muxer) AbortStream(id StreamID) (err error) {
	if s := mux.lookupStream(id); s != nil {
		if s.state == StreamZombie {
			s.OnRangeAbandoned(0, s.bytesSent)
			return
		}
		final := s.highestRecv
		if s.finReceived {
			final = s.finalOffset
		}
		return mux.resetStream(s, final)
	}
	if ps := mux.pending[id]; ps != nil {
		delete(mux.pending, id)
		if ps.highestRecv > 0 {
			mux.connRecv.MarkDataFlushed(ps.highestRecv)
		}
		mux.closed.Add(id, StreamClosed)
		mux.updateGauges()
		return
	}
	if mux.closed.Contains(id) {
		return
	}
	return errors.Wrapf(ErrUnknownStream{}, "stream %v", id)
}

func (mux *Muxer) resetStream(s *Stream, finalOffset int64) (err error) {
	var release, unseen int64
	if release, unseen, err = s.reset(finalOffset); err != nil {
		return
	}
	if release > 0 {
		mux.connRecv.MarkDataFlushed(release)
	}
	if unseen > 0 {
		mux.connRecv.MarkWindowConsumed(unseen)
	}
	return
}

// OnRangeAcked resolves [start,end) of stream id as delivered.
func (mux *Muxer) OnRangeAcked(id StreamID, start, end int64) (err error) {
	var s *Stream
	if s, err = mux.lookupRangeTarget(id, start, end); s != nil {
		s.OnRangeAcked(start, end)
	}
	return
}

// OnRangeLost marks [start,end) of stream id for resend.
func (mux *Muxer) OnRangeLost(id StreamID, start, end int64) (err error) {
	var s *Stream
	if s, err = mux.lookupRangeTarget(id, start, end); s != nil {
		s.OnRangeLost(start, end)
	}
	return
}

// OnRangeAbandoned resolves [start,end) of stream id as given up on.
func (mux *Muxer) OnRangeAbandoned(id StreamID, start, end int64) (err error) {
	var s *Stream
	if s, err = mux.lookupRangeTarget(id, start, end); s != nil {
		s.OnRangeAbandoned(start, end)
	}
	return
}

func (mux *Muxer) lookupRangeTarget(id StreamID, start, end int64) (s *Stream, err error) {
	if start < 0 || end < start {
		err = errors.WithStack(ErrNegativeCount{})
		return
	}
	if s = mux.lookupStream(id); s == nil && !mux.closed.Contains(id) {
		err = errors.Wrapf(ErrUnknownStream{}, "stream %v", id)
	}
	return
}

func (mux *Muxer) lookupStream(id StreamID) (s *Stream) {
	if s = mux.streams[id]; s == nil {
		s = mux.zombies[id]
	}
	return
}

// ConnRecvWindow exposes the connection-scope receive window.
func (mux *Muxer) ConnRecvWindow() *Window {
	return mux.connRecv
}

// ConnSendAvail returns the connection-level send quota still unused.
// Resends and static streams do not draw from it.
func (mux *Muxer) ConnSendAvail() int64 {
	return mux.connSendLimit - mux.connSent
}

// NumActiveStreams returns the number of live streams.
func (mux *Muxer) NumActiveStreams() int { return len(mux.streams) }

// NumPendingStreams returns the number of ids buffering before
// materialization.
func (mux *Muxer) NumPendingStreams() int { return len(mux.pending) }

// NumZombieStreams returns the number of closed streams retained for
// acknowledgment bookkeeping.
func (mux *Muxer) NumZombieStreams() int { return len(mux.zombies) }

// NumScheduled returns the number of streams ready to write.
func (mux *Muxer) NumScheduled() int { return mux.sched.NumScheduled() }

// Failed reports whether the engine has hit a fatal error and stopped.
func (mux *Muxer) Failed() bool { return mux.failed }

// WillingAndAbleToWrite reports whether a write pass would move any bytes
// right now.
func (mux *Muxer) WillingAndAbleToWrite() bool {
	if mux.failed {
		return false
	}
	if len(mux.controlQueue) > 0 || mux.t.HasQueuedPackets() {
		return true
	}
	for _, s := range mux.retransQueue {
		if s.state == StreamOpen && !s.retransmit.empty() {
			return true
		}
	}
	if !mux.sched.HasScheduled() {
		return false
	}
	return mux.ConnSendAvail() > 0 || mux.sched.NumScheduledStatic() > 0
}

// OnWritable runs one write pass: queued control work first, then
// lost-range resends, then scheduled streams. The number of scheduled pops
// is fixed at the start of the pass so streams rescheduling themselves
// cannot monopolize the event loop; when connection send quota is
// exhausted only static streams are served.
func (mux *Muxer) OnWritable() {
	if mux.failed {
		return
	}
	var wrote int64
	defer func() { mux.Metrics.writePass(wrote) }()
	if !mux.writeControls() {
		return
	}
	if !mux.writeResends() {
		return
	}

	numWrites := mux.sched.NumScheduled()
	if mux.ConnSendAvail() <= 0 {
		numWrites = mux.sched.NumScheduledStatic()
	}
	for i := 0; i < numWrites && mux.t.CanWrite(); i++ {
		id, err := mux.sched.PopFront()
		if err != nil {
			if errors.Cause(err) != (ErrSchedulerEmpty{}) {
				mux.fatal(err)
			}
			break
		}
		s := mux.streams[id]
		if s == nil {
			mux.fatal(errors.Wrapf(ErrUnknownStream{}, "scheduler produced %v", id))
			return
		}
		prevSent, prevFin := s.bytesSent, s.finSent
		mux.currentWriter = id
		newData, werr := s.writeStep(mux.t, mux.ConnSendAvail())
		mux.currentWriter = ConnectionID
		if werr != nil {
			mux.fatal(errors.Wrapf(werr, "write %v", s))
			return
		}
		if !s.static {
			mux.connSent += newData
		}
		wrote += newData
		mux.checkStreamWriteBlocked(s)
		if !mux.checkStreamNotBusyLooping(s, prevSent, prevFin) {
			return
		}
	}
}

func (mux *Muxer) writeControls() bool {
	for len(mux.controlQueue) > 0 {
		if !mux.t.CanWrite() {
			return false
		}
		if !mux.controlQueue[0]() {
			return false
		}
		mux.controlQueue = mux.controlQueue[1:]
	}
	return true
}

func (mux *Muxer) writeResends() bool {
	for len(mux.retransQueue) > 0 {
		if !mux.t.CanWrite() {
			return false
		}
		s := mux.retransQueue[0]
		mux.retransQueue = mux.retransQueue[1:]
		s.inRetransQueue = false
		if s.state != StreamOpen || s.retransmit.empty() {
			continue
		}
		if err := s.writeRetrans(mux.t); err != nil {
			mux.fatal(errors.Wrapf(err, "resend %v", s))
			return false
		}
		if !s.retransmit.empty() {
			s.inRetransQueue = true
			mux.retransQueue = append([]*Stream{s}, mux.retransQueue...)
			return false
		}
	}
	return true
}

// checkStreamWriteBlocked verifies a stream that still has unblocked work
// after writing put itself back in the ready set.
func (mux *Muxer) checkStreamWriteBlocked(s *Stream) {
	if s.state == StreamOpen && s.hasWork() && !s.IsFlowBlocked() && !mux.sched.IsScheduled(s.ID) {
		mux.tr.broken("muxer", fmt.Sprintf("%v has work but is not scheduled", s))
	}
}

// checkStreamNotBusyLooping catches streams that keep getting served yet
// never move. Streams stalled on flow control do not count against the
// limit. A busy static stream is fatal; a regular one is aborted.
func (mux *Muxer) checkStreamNotBusyLooping(s *Stream, prevSent int64, prevFin bool) bool {
	if s.bytesSent != prevSent || s.finSent != prevFin {
		s.busyCount = 0
		return true
	}
	if s.IsFlowBlocked() || (!s.static && mux.ConnSendAvail() <= 0) {
		return true
	}
	s.busyCount++
	if s.busyCount <= mux.cfg.BusyLoopLimit {
		return true
	}
	mux.Metrics.busyLoopBreak()
	if s.static {
		mux.fatal(errors.Wrapf(ErrBusyLoop{}, "static %v", s))
		return false
	}
	mux.tr.Logger.Error().Str("stream", s.String()).Msg("busy looping, aborting")
	if err := mux.AbortStream(s.ID); err != nil {
		mux.fatal(err)
		return false
	}
	return true
}

func (mux *Muxer) fatal(err error) {
	if mux.failed {
		return
	}
	mux.failed = true
	mux.tr.Logger.Error().Err(err).Msg("engine failure")
	if mux.OnFatal != nil {
		mux.OnFatal(err)
	}
}

func (mux *Muxer) streamReady(s *Stream) {
	if err := mux.sched.Schedule(s.ID); err != nil {
		mux.tr.broken("muxer", fmt.Sprintf("cannot schedule %v: %v", s, err))
	}
	if !s.retransmit.empty() && !s.inRetransQueue {
		s.inRetransQueue = true
		mux.retransQueue = append(mux.retransQueue, s)
	}
}

func (mux *Muxer) streamGrant(s *Stream, delta int64) {
	mux.Metrics.grantSent("stream", delta)
	if mux.grant != nil {
		mux.grant(s.ID, delta)
	}
}

func (mux *Muxer) streamZombie(s *Stream) {
	delete(mux.streams, s.ID)
	mux.zombies[s.ID] = s
	if err := mux.sched.Unregister(s.ID); err != nil {
		mux.tr.broken("muxer", fmt.Sprintf("%v zombied but not registered", s))
	}
	mux.updateGauges()
}

func (mux *Muxer) streamDone(s *Stream) {
	if mux.streams[s.ID] != nil {
		delete(mux.streams, s.ID)
		if err := mux.sched.Unregister(s.ID); err != nil {
			mux.tr.broken("muxer", fmt.Sprintf("%v done but not registered", s))
		}
	} else {
		delete(mux.zombies, s.ID)
	}
	mux.closed.Add(s.ID, StreamClosed)
	mux.Metrics.streamClosed()
	mux.updateGauges()
}

func (mux *Muxer) updateGauges() {
	mux.Metrics.setStreamGauges(len(mux.streams), len(mux.pending), len(mux.zombies))
}
