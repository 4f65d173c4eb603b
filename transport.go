// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package flowmux

import "fmt"

// Transport is the engine's only outbound surface. The Muxer calls it
// synchronously during a write pass; implementations report how many bytes
// they accepted and must never block.
type Transport interface {
	// WriteStreamData asks the transport to move length bytes of the
	// stream starting at offset. It returns how many bytes it actually
	// consumed, which may be less than length when the transport is
	// nearly full.
	WriteStreamData(id StreamID, offset, length int64) (consumed int64, err error)
	// CanWrite reports whether the transport would accept more data
	// right now.
	CanWrite() bool
	// HasQueuedPackets reports whether the transport holds accepted data
	// it has not yet put on the wire. The engine asks for another write
	// opportunity while it does.
	HasQueuedPackets() bool
}

// GrantFunc receives flow-control grants to forward to the peer. Stream
// grants carry the stream id; connection-scope grants use ConnectionID.
type GrantFunc func(id StreamID, delta int64)

// WriteRecord is one WriteStreamData call captured by a PipeTransport.
type WriteRecord struct {
	ID     StreamID
	Offset int64
	Length int64
}

// PipeTransport is an in-memory Transport with a per-pass byte budget. It
// records every write it accepts, which makes scheduling order visible to
// tests and benchmarks.
type PipeTransport struct {
	Capacity int64 // bytes accepted per pass, unlimited when zero
	used     int64
	records  []WriteRecord
	failErr  error
}

// NewPipeTransport returns a PipeTransport accepting up to capacity bytes
// per pass.
func NewPipeTransport(capacity int64) *PipeTransport {
	return &PipeTransport{Capacity: capacity}
}

func (pt *PipeTransport) String() string {
	return fmt.Sprintf("[Pipe %v/%v]", pt.used, pt.Capacity)
}

func (pt *PipeTransport) CanWrite() bool {
	return pt.failErr == nil && (pt.Capacity == 0 || pt.used < pt.Capacity)
}

// HasQueuedPackets is always false: the pipe consumes writes synchronously.
func (pt *PipeTransport) HasQueuedPackets() bool { return false }

func (pt *PipeTransport) WriteStreamData(id StreamID, offset, length int64) (consumed int64, err error) {
	if pt.failErr != nil {
		return 0, pt.failErr
	}
	consumed = length
	if pt.Capacity > 0 {
		if left := pt.Capacity - pt.used; consumed > left {
			consumed = left
		}
	}
	if consumed > 0 {
		pt.used += consumed
		pt.records = append(pt.records, WriteRecord{ID: id, Offset: offset, Length: consumed})
	}
	return
}

// ResetPass starts a new pass with a fresh byte budget. Recorded writes
// are kept.
func (pt *PipeTransport) ResetPass() {
	pt.used = 0
}

// Fail makes every subsequent write return err.
func (pt *PipeTransport) Fail(err error) {
	pt.failErr = err
}

// Records returns every write accepted so far, in order.
func (pt *PipeTransport) Records() []WriteRecord {
	return pt.records
}

// Written returns the total bytes accepted across all passes.
func (pt *PipeTransport) Written() (n int64) {
	for _, r := range pt.records {
		n += r.Length
	}
	return
}
