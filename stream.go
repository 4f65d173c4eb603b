// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package flowmux

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// ErrWriteClosed is returned when queueing data or a fin on a stream whose
// write side has already closed.
type ErrWriteClosed struct{}

func (ErrWriteClosed) Error() string { return "write side closed" }

// ErrFinalOffset is returned when received data extends past a stream's
// declared final offset, or a second fin names a different one.
type ErrFinalOffset struct{}

func (ErrFinalOffset) Error() string { return "final offset violated" }

// ErrNegativeCount is returned when a byte count argument is negative.
type ErrNegativeCount struct{}

func (ErrNegativeCount) Error() string { return "negative byte count" }

// StreamState is the coarse lifecycle state of a stream id.
type StreamState int32

const (
	// StreamPending means activity was seen for the id but no stream has
	// been materialized yet.
	StreamPending = StreamState(0)
	// StreamOpen is a live stream; one or both directions may still have
	// closed individually.
	StreamOpen = StreamState(1)
	// StreamClosed means both sides closed and every sent byte resolved.
	StreamClosed = StreamState(2)
	// StreamZombie means both sides closed with sent bytes still awaiting
	// acknowledgment; the stream is retained for bookkeeping only.
	StreamZombie = StreamState(3)
)

var streamStateTexts = map[StreamState]string{
	StreamPending: "PEND",
	StreamOpen:    "OPEN",
	StreamClosed:  "CLSD",
	StreamZombie:  "ZOMB",
}

func getStreamStateText(state StreamState) string {
	if state < StreamPending || state > StreamZombie {
		return strconv.FormatInt(int64(state), 10)
	}
	return streamStateTexts[state]
}

// streamMuxer is the owner surface a Stream calls back into. The Muxer
// implements it; tests substitute their own.
type streamMuxer interface {
	// streamReady asks the owner to schedule the stream for writing.
	streamReady(s *Stream)
	// streamGrant asks the owner to emit a quota grant for the stream.
	streamGrant(s *Stream, delta int64)
	// streamZombie tells the owner both sides closed with ranges unresolved.
	streamZombie(s *Stream)
	// streamDone tells the owner the stream is fully resolved and removable.
	streamDone(s *Stream)
}

// Stream tracks one logical stream's lifecycle and byte accounting. The
// engine never sees payload bytes: the application reports how much it has
// queued or consumed, the transport reports how much it accepted, and the
// Stream keeps the offsets, quotas and acknowledgment ranges consistent.
//
// All methods must be called from the goroutine that owns the Muxer.
type Stream struct {
	ID StreamID

	mux streamMuxer
	tr  *Trace

	state       StreamState
	readClosed  bool
	writeClosed bool
	static      bool

	// send side
	bytesQueued int64 // bytes the application has queued
	bytesSent   int64 // bytes handed to the transport
	sendLimit   int64 // peer credit as an absolute offset
	finQueued   bool
	finSent     bool
	outstanding rangeSet // sent, not yet acknowledged
	retransmit  rangeSet // lost, waiting to be resent

	// receive side
	recvWindow    *Window
	highestRecv   int64 // high-water mark of received offsets
	bytesConsumed int64
	finReceived   bool
	finalOffset   int64

	busyCount      int
	inRetransQueue bool
}

// NewStream returns an open stream owned by mux. Settings supply the
// receive window limit, the initial send quota and the grant policy.
func NewStream(mux streamMuxer, tr *Trace, id StreamID, static bool, cfg Settings) (s *Stream) {
	s = &Stream{
		ID:        id,
		mux:       mux,
		tr:        traceOrNop(tr),
		state:     StreamOpen,
		static:    static,
		sendLimit: cfg.StreamSendQuota,
	}
	s.recvWindow = NewWindow(cfg.StreamWindowLimit, func(delta int64) {
		mux.streamGrant(s, delta)
	})
	s.recvWindow.ShouldNotify = cfg.windowPolicy()
	s.recvWindow.DeferCredit = cfg.DeferGrantCredit
	s.recvWindow.Trace = s.tr
	return
}

func (s *Stream) String() string {
	flags := ""
	if s.readClosed {
		flags += "R"
	}
	if s.writeClosed {
		flags += "W"
	}
	if s.static {
		flags += "S"
	}
	if flags == "" {
		flags = "-"
	}
	return fmt.Sprintf("[Stream %04x %s %s q=%d s=%d c=%d]",
		uint64(s.ID), getStreamStateText(s.state), flags, s.bytesQueued, s.bytesSent, s.bytesConsumed)
}

// State returns the coarse lifecycle state.
func (s *Stream) State() StreamState { return s.state }

// IsStatic reports whether the stream is exempt from connection-level flow
// control.
func (s *Stream) IsStatic() bool { return s.static }

// BytesQueued returns the bytes queued by the application so far.
func (s *Stream) BytesQueued() int64 { return s.bytesQueued }

// BytesSent returns the bytes handed to the transport so far.
func (s *Stream) BytesSent() int64 { return s.bytesSent }

// BytesOutstanding returns the sent bytes not yet acknowledged.
func (s *Stream) BytesOutstanding() int64 {
	return s.outstanding.size() + s.retransmit.size()
}

// FinSent reports whether the end-of-stream has been handed to the
// transport.
func (s *Stream) FinSent() bool { return s.finSent }

// RecvWindow exposes the stream's receive-side window.
func (s *Stream) RecvWindow() *Window { return s.recvWindow }

// QueueData records n more payload bytes queued by the application. The
// bytes themselves stay with the caller; the engine only schedules and
// meters them.
func (s *Stream) QueueData(n int64) (err error) {
	if n < 0 {
		return errors.WithStack(ErrNegativeCount{})
	}
	if s.finQueued || s.writeClosed {
		return errors.WithStack(ErrWriteClosed{})
	}
	s.bytesQueued += n
	if s.wantsSchedule() {
		s.mux.streamReady(s)
	}
	return
}

// QueueFin records the application's end-of-stream. It is sent once every
// queued byte has been handed to the transport.
func (s *Stream) QueueFin() (err error) {
	if s.finQueued || s.writeClosed {
		return errors.WithStack(ErrWriteClosed{})
	}
	s.finQueued = true
	if s.wantsSchedule() {
		s.mux.streamReady(s)
	}
	return
}

// OnCreditUpdate raises the peer's send credit to limit. Lower values are
// ignored; credit never shrinks.
func (s *Stream) OnCreditUpdate(limit int64) {
	if limit > s.sendLimit {
		s.sendLimit = limit
		if s.wantsSchedule() {
			s.mux.streamReady(s)
		}
	}
}

// IsFlowBlocked reports whether the stream has queued data it cannot send
// for lack of stream-level credit. Lost-range resends carry their own
// credit and are never blocked.
func (s *Stream) IsFlowBlocked() bool {
	return s.retransmit.empty() && s.bytesSent < s.bytesQueued && s.bytesSent >= s.sendLimit
}

// hasWork reports whether any send-side work remains.
func (s *Stream) hasWork() bool {
	return !s.retransmit.empty() || s.bytesSent < s.bytesQueued || (s.finQueued && !s.finSent)
}

// wantsSchedule reports whether a write opportunity would be useful right
// now. Zombies never reschedule; their remaining ranges resolve through
// acknowledgment or abandonment.
func (s *Stream) wantsSchedule() bool {
	if s.state != StreamOpen {
		return false
	}
	if !s.retransmit.empty() {
		return true
	}
	if s.writeClosed {
		return false
	}
	if s.bytesSent < s.bytesQueued && s.bytesSent < s.sendLimit {
		return true
	}
	return s.finQueued && !s.finSent && s.bytesSent == s.bytesQueued
}

// writeRetrans resends lost ranges. They already hold flow-control credit,
// so neither the stream nor the connection quota applies.
func (s *Stream) writeRetrans(t Transport) (err error) {
	for t.CanWrite() {
		r, ok := s.retransmit.first()
		if !ok {
			break
		}
		var m int64
		if m, err = t.WriteStreamData(s.ID, r.start, r.size()); err != nil {
			return
		}
		s.retransmit.remove(r.start, r.start+m)
		s.outstanding.add(r.start, r.start+m)
		if m < r.size() {
			return
		}
	}
	return
}

// writeStep hands the transport as much pending work as fits. Lost ranges
// go first; new data is capped by the stream's own credit and, unless the
// stream is static, by connAvail. It returns the new-data bytes consumed
// so the owner can debit connection-level quota.
func (s *Stream) writeStep(t Transport, connAvail int64) (newData int64, err error) {
	if err = s.writeRetrans(t); err != nil {
		return
	}
	if t.CanWrite() {
		avail := s.bytesQueued - s.bytesSent
		if quota := s.sendLimit - s.bytesSent; quota < avail {
			avail = quota
		}
		if !s.static && connAvail < avail {
			avail = connAvail
		}
		if avail > 0 {
			var m int64
			if m, err = t.WriteStreamData(s.ID, s.bytesSent, avail); err != nil {
				return
			}
			s.outstanding.add(s.bytesSent, s.bytesSent+m)
			s.bytesSent += m
			newData = m
		}
	}
	if s.finQueued && !s.finSent && s.bytesSent == s.bytesQueued && t.CanWrite() {
		s.finSent = true
		s.writeClosed = true
		s.maybeFinish()
	}
	if s.wantsSchedule() {
		s.mux.streamReady(s)
	}
	return
}

// OnDataReceived records length bytes arriving at offset. Only bytes above
// the high-water mark count against the receive windows, so retransmitted
// and overlapping ranges are never double charged. It returns that newly
// counted amount for connection-level accounting.
func (s *Stream) OnDataReceived(offset, length int64, fin bool) (newBytes int64, err error) {
	if offset < 0 || length < 0 {
		err = errors.WithStack(ErrNegativeCount{})
		return
	}
	end := offset + length
	if s.finReceived && end > s.finalOffset {
		err = errors.WithStack(ErrFinalOffset{})
		return
	}
	if s.readClosed {
		// the read side settled at the final offset when it closed, so a
		// straggling record below it carries no new accounting
		return
	}
	if fin {
		if end < s.highestRecv || (s.finReceived && s.finalOffset != end) {
			err = errors.WithStack(ErrFinalOffset{})
			return
		}
		s.finReceived = true
		s.finalOffset = end
	}
	if end > s.highestRecv {
		newBytes = end - s.highestRecv
		s.highestRecv = end
		s.recvWindow.MarkDataBuffered(newBytes)
	}
	s.maybeCloseRead()
	return
}

// OnDataConsumed records the application consuming n received bytes,
// freeing receive-side quota. It returns the amount actually accepted,
// which is n clamped to what has been received, so the owner can free the
// same amount of connection-level quota. A consume arriving after the read
// side closed accepts nothing.
func (s *Stream) OnDataConsumed(n int64) (accepted int64, err error) {
	if n < 0 {
		err = errors.WithStack(ErrNegativeCount{})
		return
	}
	if s.readClosed {
		return
	}
	if s.bytesConsumed+n > s.highestRecv {
		s.tr.broken("stream", fmt.Sprintf("%v consuming %d beyond received %d", s, n, s.highestRecv))
		n = s.highestRecv - s.bytesConsumed
	}
	accepted = n
	s.bytesConsumed += n
	s.recvWindow.MarkDataFlushed(n)
	s.maybeCloseRead()
	return
}

// OnRangeAcked resolves [start,end) as delivered. Acknowledgment of a
// range marked lost cancels its resend.
func (s *Stream) OnRangeAcked(start, end int64) {
	s.outstanding.remove(start, end)
	s.retransmit.remove(start, end)
	s.maybeFinish()
}

// OnRangeLost marks the still-outstanding parts of [start,end) for resend.
func (s *Stream) OnRangeLost(start, end int64) {
	for _, hit := range s.outstanding.overlap(start, end) {
		s.outstanding.remove(hit.start, hit.end)
		s.retransmit.add(hit.start, hit.end)
	}
	if s.wantsSchedule() {
		s.mux.streamReady(s)
	}
}

// OnRangeAbandoned resolves [start,end) as permanently given up on, as
// when the transport stops caring about data below a new retransmission
// cutoff.
func (s *Stream) OnRangeAbandoned(start, end int64) {
	s.outstanding.remove(start, end)
	s.retransmit.remove(start, end)
	s.maybeFinish()
}

// reset forces both sides closed and records the peer-declared final
// offset. It returns the connection-level receive adjustments the owner
// must apply: release is received-but-unconsumed bytes to flush, unseen is
// bytes the final offset claims beyond what ever arrived, to mark
// consumed. Unsent queued data and pending resends are dropped; already
// outstanding ranges are kept for acknowledgment bookkeeping.
func (s *Stream) reset(finalOffset int64) (release, unseen int64, err error) {
	if finalOffset < s.highestRecv || (s.finReceived && s.finalOffset != finalOffset) {
		err = errors.WithStack(ErrFinalOffset{})
		return
	}
	release = s.highestRecv - s.bytesConsumed
	unseen = finalOffset - s.highestRecv
	s.finReceived = true
	s.finalOffset = finalOffset
	s.bytesConsumed = s.highestRecv
	s.readClosed = true
	s.bytesQueued = s.bytesSent
	s.finQueued = true
	s.finSent = true
	s.writeClosed = true
	s.retransmit = rangeSet{}
	s.maybeFinish()
	return
}

// maybeCloseRead closes the read side once the fin arrived and everything
// up to it has been consumed.
func (s *Stream) maybeCloseRead() {
	if !s.readClosed && s.finReceived && s.bytesConsumed == s.finalOffset && s.highestRecv == s.finalOffset {
		s.readClosed = true
		s.maybeFinish()
	}
}

// maybeFinish settles a stream whose both sides have closed: CLOSED and
// removed when every sent byte is resolved, ZOMBIE otherwise, resolving
// later as acknowledgments or abandonments arrive.
func (s *Stream) maybeFinish() {
	if !s.readClosed || !s.writeClosed {
		return
	}
	resolved := s.outstanding.empty() && s.retransmit.empty()
	switch s.state {
	case StreamOpen:
		if resolved {
			s.state = StreamClosed
			s.mux.streamDone(s)
		} else {
			s.state = StreamZombie
			s.mux.streamZombie(s)
		}
	case StreamZombie:
		if resolved {
			s.state = StreamClosed
			s.mux.streamDone(s)
		}
	}
}
