// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package flowmux

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type streamTester struct {
	t       *testing.T
	cfg     Settings
	s       *Stream
	ready   int
	grants  []int64
	zombied bool
	done    bool
}

func newStreamTester(t *testing.T) *streamTester {
	return &streamTester{t: t, cfg: DefaultSettings()}
}

func (st *streamTester) open(id StreamID, static bool) *Stream {
	st.s = NewStream(st, nil, id, static, st.cfg)
	return st.s
}

func (st *streamTester) streamReady(s *Stream) { st.ready++ }

func (st *streamTester) streamGrant(s *Stream, delta int64) {
	st.grants = append(st.grants, delta)
}

func (st *streamTester) streamZombie(s *Stream) { st.zombied = true }

func (st *streamTester) streamDone(s *Stream) { st.done = true }

type errTransport struct{ err error }

func (et errTransport) CanWrite() bool         { return true }
func (et errTransport) HasQueuedPackets() bool { return false }

func (et errTransport) WriteStreamData(StreamID, int64, int64) (int64, error) {
	return 0, et.err
}

func Test_Stream_String(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(3, true)
	assert.Equal(t, "[Stream 0003 OPEN S q=0 s=0 c=0]", s.String())
	assert.NoError(t, s.QueueData(10))
	assert.Equal(t, "[Stream 0003 OPEN S q=10 s=0 c=0]", s.String())
}

func Test_Stream_QueueDataSchedules(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(100))
	assert.Equal(t, 1, st.ready)
	assert.Equal(t, int64(100), s.BytesQueued())
	assert.NoError(t, s.QueueData(0))
	assert.Equal(t, 2, st.ready)
}

func Test_Stream_QueueAfterFinFails(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueFin())
	assert.Equal(t, ErrWriteClosed{}, errors.Cause(s.QueueData(1)))
	assert.Equal(t, ErrWriteClosed{}, errors.Cause(s.QueueFin()))
}

func Test_Stream_NegativeCounts(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.Equal(t, ErrNegativeCount{}, errors.Cause(s.QueueData(-1)))
	_, err := s.OnDataConsumed(-1)
	assert.Equal(t, ErrNegativeCount{}, errors.Cause(err))
	_, err = s.OnDataReceived(-1, 10, false)
	assert.Equal(t, ErrNegativeCount{}, errors.Cause(err))
	_, err = s.OnDataReceived(0, -10, false)
	assert.Equal(t, ErrNegativeCount{}, errors.Cause(err))
}

func Test_Stream_WriteStepSendsQueuedData(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(100))
	pt := NewPipeTransport(0)
	newData, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), newData)
	assert.Equal(t, int64(100), s.BytesSent())
	assert.Equal(t, int64(100), s.BytesOutstanding())
	assert.Equal(t, []WriteRecord{{ID: 1, Offset: 0, Length: 100}}, pt.Records())
}

func Test_Stream_WriteStepRespectsQuota(t *testing.T) {
	st := newStreamTester(t)
	st.cfg.StreamSendQuota = 60
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(100))
	pt := NewPipeTransport(0)
	newData, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)
	assert.Equal(t, int64(60), newData)
	assert.True(t, s.IsFlowBlocked())
	assert.False(t, s.wantsSchedule())

	// lower or equal credit is ignored
	s.OnCreditUpdate(50)
	assert.True(t, s.IsFlowBlocked())

	ready := st.ready
	s.OnCreditUpdate(100)
	assert.Equal(t, ready+1, st.ready)
	newData, err = s.writeStep(pt, 1<<30)
	assert.NoError(t, err)
	assert.Equal(t, int64(40), newData)
	assert.Equal(t, int64(100), s.BytesSent())
}

func Test_Stream_WriteStepRespectsConnAvail(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(100))
	pt := NewPipeTransport(0)
	newData, err := s.writeStep(pt, 30)
	assert.NoError(t, err)
	assert.Equal(t, int64(30), newData)
	assert.False(t, s.IsFlowBlocked())

	// exhausted connection quota stops new data but keeps the stream keen
	ready := st.ready
	newData, err = s.writeStep(pt, 0)
	assert.NoError(t, err)
	assert.Zero(t, newData)
	assert.Equal(t, ready+1, st.ready)
}

func Test_Stream_StaticIgnoresConnAvail(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(2, true)
	assert.True(t, s.IsStatic())
	assert.NoError(t, s.QueueData(100))
	pt := NewPipeTransport(0)
	newData, err := s.writeStep(pt, 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), newData)
}

func Test_Stream_FinAfterDrain(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(50))
	assert.NoError(t, s.QueueFin())
	pt := NewPipeTransport(20)
	for i := 0; i < 3; i++ {
		_, err := s.writeStep(pt, 1<<30)
		assert.NoError(t, err)
		pt.ResetPass()
	}
	assert.Equal(t, []WriteRecord{
		{ID: 1, Offset: 0, Length: 20},
		{ID: 1, Offset: 20, Length: 20},
		{ID: 1, Offset: 40, Length: 10},
	}, pt.Records())
	assert.True(t, s.finSent)
	assert.True(t, s.writeClosed)
	assert.Equal(t, StreamOpen, s.State())
}

func Test_Stream_BareFinClosesWriteSide(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueFin())
	assert.Equal(t, 1, st.ready)
	pt := NewPipeTransport(0)
	newData, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)
	assert.Zero(t, newData)
	assert.True(t, s.writeClosed)
	assert.False(t, st.done)
	assert.Empty(t, pt.Records())
}

func Test_Stream_RetransmitGoesFirst(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(100))
	pt := NewPipeTransport(0)
	_, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)

	ready := st.ready
	s.OnRangeLost(20, 50)
	assert.Equal(t, ready+1, st.ready)
	assert.NoError(t, s.QueueData(50))

	newData, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)
	// resent bytes are not charged against connection quota again
	assert.Equal(t, int64(50), newData)
	assert.Equal(t, []WriteRecord{
		{ID: 1, Offset: 0, Length: 100},
		{ID: 1, Offset: 20, Length: 30},
		{ID: 1, Offset: 100, Length: 50},
	}, pt.Records())
	assert.Equal(t, int64(150), s.BytesOutstanding())
}

func Test_Stream_RetransmitNotFlowLimited(t *testing.T) {
	st := newStreamTester(t)
	st.cfg.StreamSendQuota = 100
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(200))
	pt := NewPipeTransport(0)
	_, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)
	assert.True(t, s.IsFlowBlocked())

	s.OnRangeLost(0, 100)
	assert.False(t, s.IsFlowBlocked())
	newData, err := s.writeStep(pt, 0)
	assert.NoError(t, err)
	assert.Zero(t, newData)
	assert.Equal(t, WriteRecord{ID: 1, Offset: 0, Length: 100}, pt.Records()[1])
}

func Test_Stream_AckResolvesAndCloses(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(100))
	assert.NoError(t, s.QueueFin())
	pt := NewPipeTransport(0)
	_, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)

	_, err = s.OnDataReceived(0, 10, true)
	assert.NoError(t, err)
	_, err = s.OnDataConsumed(10)
	assert.NoError(t, err)
	assert.True(t, st.zombied)
	assert.Equal(t, StreamZombie, s.State())
	assert.False(t, st.done)

	s.OnRangeAcked(0, 40)
	assert.False(t, st.done)
	s.OnRangeAcked(40, 100)
	assert.True(t, st.done)
	assert.Equal(t, StreamClosed, s.State())
	assert.Zero(t, s.BytesOutstanding())
}

func Test_Stream_ZombieDoesNotReschedule(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(100))
	assert.NoError(t, s.QueueFin())
	pt := NewPipeTransport(0)
	_, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)
	_, err = s.OnDataReceived(0, 0, true)
	assert.NoError(t, err)
	assert.Equal(t, StreamZombie, s.State())

	ready := st.ready
	s.OnRangeLost(0, 100)
	assert.Equal(t, ready, st.ready)
	assert.False(t, s.wantsSchedule())

	s.OnRangeAbandoned(0, 100)
	assert.True(t, st.done)
	assert.Equal(t, StreamClosed, s.State())
}

func Test_Stream_ReceiveCountsAboveHighWaterOnly(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	newBytes, err := s.OnDataReceived(0, 100, false)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), newBytes)
	newBytes, err = s.OnDataReceived(50, 100, false)
	assert.NoError(t, err)
	assert.Equal(t, int64(50), newBytes)
	newBytes, err = s.OnDataReceived(0, 50, false)
	assert.NoError(t, err)
	assert.Zero(t, newBytes)
	assert.Equal(t, int64(150), s.RecvWindow().Buffered())
}

func Test_Stream_ConsumeGrants(t *testing.T) {
	st := newStreamTester(t)
	st.cfg.StreamWindowLimit = 100
	s := st.open(1, false)
	_, err := s.OnDataReceived(0, 100, false)
	assert.NoError(t, err)
	assert.Empty(t, st.grants)
	accepted, err := s.OnDataConsumed(40)
	assert.NoError(t, err)
	assert.Equal(t, int64(40), accepted)
	assert.Equal(t, []int64{40}, st.grants)
}

func Test_Stream_FinalOffsetViolations(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	_, err := s.OnDataReceived(0, 50, true)
	assert.NoError(t, err)
	_, err = s.OnDataReceived(50, 10, false)
	assert.Equal(t, ErrFinalOffset{}, errors.Cause(err))
	_, err = s.OnDataReceived(0, 40, true)
	assert.Equal(t, ErrFinalOffset{}, errors.Cause(err))

	s2 := newStreamTester(t).open(2, false)
	_, err = s2.OnDataReceived(0, 50, false)
	assert.NoError(t, err)
	_, err = s2.OnDataReceived(0, 30, true)
	assert.Equal(t, ErrFinalOffset{}, errors.Cause(err))
}

func Test_Stream_ReadClosesOnFinConsumed(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	_, err := s.OnDataReceived(0, 10, true)
	assert.NoError(t, err)
	assert.False(t, s.readClosed)
	_, err = s.OnDataConsumed(10)
	assert.NoError(t, err)
	assert.True(t, s.readClosed)
	assert.Equal(t, StreamOpen, s.State())

	assert.NoError(t, s.QueueFin())
	_, err = s.writeStep(NewPipeTransport(0), 1<<30)
	assert.NoError(t, err)
	assert.True(t, st.done)
	assert.False(t, st.zombied)
	assert.Equal(t, StreamClosed, s.State())
}

func Test_Stream_ConsumeBeyondReceived(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	_, err := s.OnDataReceived(0, 10, false)
	assert.NoError(t, err)
	if strictMode {
		assert.Panics(t, func() { _, _ = s.OnDataConsumed(20) })
		return
	}
	accepted, err := s.OnDataConsumed(20)
	assert.NoError(t, err)
	assert.Equal(t, int64(10), accepted)
	assert.Equal(t, int64(10), s.bytesConsumed)
}

func Test_Stream_ResetAccounting(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(100))
	pt := NewPipeTransport(50)
	_, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)
	_, err = s.OnDataReceived(0, 40, false)
	assert.NoError(t, err)
	_, err = s.OnDataConsumed(10)
	assert.NoError(t, err)

	release, unseen, err := s.reset(70)
	assert.NoError(t, err)
	assert.Equal(t, int64(30), release)
	assert.Equal(t, int64(30), unseen)
	assert.True(t, s.readClosed)
	assert.True(t, s.writeClosed)
	assert.Equal(t, StreamZombie, s.State())
	assert.False(t, s.wantsSchedule())
	assert.Equal(t, ErrWriteClosed{}, errors.Cause(s.QueueData(1)))

	s.OnRangeAcked(0, 50)
	assert.True(t, st.done)
}

func Test_Stream_ResetDropsPendingResends(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(100))
	pt := NewPipeTransport(0)
	_, err := s.writeStep(pt, 1<<30)
	assert.NoError(t, err)
	s.OnRangeLost(0, 100)
	assert.Equal(t, int64(100), s.BytesOutstanding())

	_, _, err = s.reset(0)
	assert.NoError(t, err)
	assert.Zero(t, s.BytesOutstanding())
	assert.True(t, st.done)
	assert.Equal(t, StreamClosed, s.State())
}

func Test_Stream_LateDataAfterResetDropped(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	_, err := s.OnDataReceived(0, 40, false)
	assert.NoError(t, err)
	_, _, err = s.reset(70)
	assert.NoError(t, err)
	buffered := s.RecvWindow().Buffered()

	// a straggler below the declared final offset is dropped without
	// charging the window again
	newBytes, err := s.OnDataReceived(40, 30, false)
	assert.NoError(t, err)
	assert.Zero(t, newBytes)
	assert.Equal(t, buffered, s.RecvWindow().Buffered())

	// past the final offset it is still a protocol violation
	_, err = s.OnDataReceived(60, 20, false)
	assert.Equal(t, ErrFinalOffset{}, errors.Cause(err))

	// a late consume accepts nothing and frees nothing
	accepted, err := s.OnDataConsumed(5)
	assert.NoError(t, err)
	assert.Zero(t, accepted)
	assert.Equal(t, buffered, s.RecvWindow().Buffered())
}

func Test_Stream_ResetBelowHighWaterFails(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	_, err := s.OnDataReceived(0, 50, false)
	assert.NoError(t, err)
	_, _, err = s.reset(40)
	assert.Equal(t, ErrFinalOffset{}, errors.Cause(err))
	assert.Equal(t, StreamOpen, s.State())
}

func Test_Stream_WriteStepTransportError(t *testing.T) {
	st := newStreamTester(t)
	s := st.open(1, false)
	assert.NoError(t, s.QueueData(10))
	_, err := s.writeStep(errTransport{io.ErrClosedPipe}, 1<<30)
	assert.Equal(t, io.ErrClosedPipe, errors.Cause(err))

	s2 := newStreamTester(t).open(2, false)
	assert.NoError(t, s2.QueueData(10))
	_, err = s2.writeStep(NewPipeTransport(0), 1<<30)
	assert.NoError(t, err)
	s2.OnRangeLost(0, 10)
	_, err = s2.writeStep(errTransport{io.ErrClosedPipe}, 1<<30)
	assert.Equal(t, io.ErrClosedPipe, errors.Cause(err))
}

func Test_Pending_String(t *testing.T) {
	ps := &PendingStream{ID: 9}
	assert.Equal(t, "[Pending 0009 recv=0]", ps.String())
	_, err := ps.onDataReceived(0, 80, true)
	assert.NoError(t, err)
	assert.Equal(t, "[Pending 0009 recv=80 fin=80]", ps.String())
}

func Test_Pending_ReceiveAndPromote(t *testing.T) {
	ps := &PendingStream{ID: 9}
	newBytes, err := ps.onDataReceived(0, 80, false)
	assert.NoError(t, err)
	assert.Equal(t, int64(80), newBytes)
	newBytes, err = ps.onDataReceived(40, 40, true)
	assert.NoError(t, err)
	assert.Zero(t, newBytes)
	fin, at := ps.FinReceived()
	assert.True(t, fin)
	assert.Equal(t, int64(80), at)

	st := newStreamTester(t)
	st.cfg.StreamWindowLimit = 100
	s := st.open(9, false)
	ps.promote(s)
	assert.Equal(t, int64(80), s.RecvWindow().Buffered())
	assert.False(t, s.readClosed)
	_, err = s.OnDataConsumed(80)
	assert.NoError(t, err)
	assert.True(t, s.readClosed)
}

func Test_Pending_BareFinPromotesReadClosed(t *testing.T) {
	ps := &PendingStream{ID: 5}
	_, err := ps.onDataReceived(0, 0, true)
	assert.NoError(t, err)
	st := newStreamTester(t)
	s := st.open(5, false)
	ps.promote(s)
	assert.True(t, s.readClosed)
	assert.Zero(t, s.RecvWindow().Buffered())
}

func Test_Pending_FinalOffsetViolation(t *testing.T) {
	ps := &PendingStream{ID: 5}
	_, err := ps.onDataReceived(0, 20, true)
	assert.NoError(t, err)
	_, err = ps.onDataReceived(20, 5, false)
	assert.Equal(t, ErrFinalOffset{}, errors.Cause(err))
}
