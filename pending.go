package flowmux

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrTooManyPending is returned when activity on an unknown stream id
// would exceed the pending-stream cap.
type ErrTooManyPending struct{}

func (ErrTooManyPending) Error() string { return "too many pending streams" }

// ErrWindowExceeded is returned when received data for a pending stream
// extends past the receive quota the stream could be granted, so promotion
// could never account for it.
type ErrWindowExceeded struct{}

func (ErrWindowExceeded) Error() string { return "receive window exceeded" }

// PendingStream tracks receive activity for a stream id the application
// has not materialized yet. Only offsets are kept; the received bytes are
// charged against the connection window until the stream is promoted or
// discarded.
type PendingStream struct {
	ID      StreamID
	Created time.Time

	rank        Rank
	hasRank     bool
	highestRecv int64
	finReceived bool
	finalOffset int64
	sendLimit   int64 // credit granted by the peer before materialization
}

func (ps *PendingStream) String() string {
	fin := ""
	if ps.finReceived {
		fin = fmt.Sprintf(" fin=%d", ps.finalOffset)
	}
	return fmt.Sprintf("[Pending %04x recv=%d%s]", uint64(ps.ID), ps.highestRecv, fin)
}

// Rank returns the rank buffered for the stream before materialization,
// or DefaultRank when none arrived.
func (ps *PendingStream) Rank() Rank {
	if ps.hasRank {
		return ps.rank
	}
	return DefaultRank
}

// HighestReceived returns the high-water mark of received offsets.
func (ps *PendingStream) HighestReceived() int64 { return ps.highestRecv }

// FinReceived reports whether the peer ended the stream, and at what
// offset.
func (ps *PendingStream) FinReceived() (bool, int64) {
	return ps.finReceived, ps.finalOffset
}

// onDataReceived mirrors Stream.OnDataReceived for a not-yet-materialized
// id, returning the bytes newly counted above the high-water mark.
func (ps *PendingStream) onDataReceived(offset, length int64, fin bool) (newBytes int64, err error) {
	if offset < 0 || length < 0 {
		err = errors.WithStack(ErrNegativeCount{})
		return
	}
	end := offset + length
	if ps.finReceived && end > ps.finalOffset {
		err = errors.WithStack(ErrFinalOffset{})
		return
	}
	if fin {
		if end < ps.highestRecv || (ps.finReceived && ps.finalOffset != end) {
			err = errors.WithStack(ErrFinalOffset{})
			return
		}
		ps.finReceived = true
		ps.finalOffset = end
	}
	if end > ps.highestRecv {
		newBytes = end - ps.highestRecv
		ps.highestRecv = end
	}
	return
}

// promote transfers the buffered state into a freshly materialized stream.
// The new stream's window is charged for the bytes already received so
// later grants stay correct, and credit granted early is applied.
func (ps *PendingStream) promote(s *Stream) {
	s.highestRecv = ps.highestRecv
	s.finReceived = ps.finReceived
	s.finalOffset = ps.finalOffset
	if ps.sendLimit > s.sendLimit {
		s.sendLimit = ps.sendLimit
	}
	if ps.highestRecv > 0 {
		s.recvWindow.MarkDataBuffered(ps.highestRecv)
	}
	s.maybeCloseRead()
}
