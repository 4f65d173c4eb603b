package flowmux

import (
	"encoding/binary"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrBadWireRecord is returned when an inbound websocket message does not
// decode into whole records, or a record carries an unknown kind.
type ErrBadWireRecord struct{}

func (ErrBadWireRecord) Error() string { return "bad wire record" }

// Wire record kinds. Every record is wireRecordSize bytes: kind, stream id,
// and two big-endian operands whose meaning depends on the kind.
const (
	wireData  = byte(0x01) // operands: offset, length
	wireFin   = byte(0x02) // operands: final offset, unused
	wireGrant = byte(0x03) // operands: absolute credit limit, unused
	wireAck   = byte(0x04) // operands: range start, range end
	wireReset = byte(0x05) // operands: final offset, unused
)

const wireRecordSize = 1 + 8 + 8 + 8

// WSTransport adapts a gorilla websocket connection into a Transport. It
// ships the engine's accounting records, not payload bytes: data ranges
// travel as (id, offset, length) announcements, and grants, acks, fins and
// resets each have a record kind. Writes are collected into an outbound
// buffer and put on the wire by Flush, so the engine's write pass never
// blocks on the socket. Demo and benchmark quality; not part of the core
// contract.
//
// Like the Muxer it feeds, a WSTransport must be driven from a single
// goroutine.
type WSTransport struct {
	// MaxQueued bounds the outbound buffer; CanWrite reports false once
	// it is reached.
	MaxQueued int
	// StreamQuota and ConnQuota are the peer's initial send quotas, used
	// as the base when turning grant deltas into the absolute limits that
	// travel on the wire. Both ends must be configured with the same
	// Settings for the totals to line up.
	StreamQuota int64
	ConnQuota   int64

	ws      *websocket.Conn
	out     []byte
	granted map[StreamID]int64
	failErr error
}

// NewWSTransport returns a WSTransport on ws, with quota bases taken from
// DefaultSettings.
func NewWSTransport(ws *websocket.Conn) *WSTransport {
	cfg := DefaultSettings()
	return &WSTransport{
		MaxQueued:   64 << 10,
		StreamQuota: cfg.StreamSendQuota,
		ConnQuota:   cfg.ConnSendQuota,
		ws:          ws,
		granted:     make(map[StreamID]int64),
	}
}

func (wt *WSTransport) String() string {
	return fmt.Sprintf("[WSTransport %v/%v]", len(wt.out), wt.MaxQueued)
}

func (wt *WSTransport) CanWrite() bool {
	return wt.failErr == nil && len(wt.out) < wt.MaxQueued
}

// HasQueuedPackets reports whether records are buffered awaiting Flush.
func (wt *WSTransport) HasQueuedPackets() bool {
	return len(wt.out) > 0
}

func (wt *WSTransport) WriteStreamData(id StreamID, offset, length int64) (consumed int64, err error) {
	if wt.failErr != nil {
		return 0, wt.failErr
	}
	wt.sendRecord(wireData, id, offset, length)
	return length, nil
}

// Grant is a GrantFunc. Deltas are accumulated per id and sent as absolute
// limits, so a repeated or reordered grant record cannot shrink the peer's
// view of its credit.
func (wt *WSTransport) Grant(id StreamID, delta int64) {
	wt.granted[id] += delta
	base := wt.StreamQuota
	if id == ConnectionID {
		base = wt.ConnQuota
	}
	wt.sendRecord(wireGrant, id, base+wt.granted[id], 0)
}

// SendFin announces the write side of id finished at finalOffset.
func (wt *WSTransport) SendFin(id StreamID, finalOffset int64) {
	wt.sendRecord(wireFin, id, finalOffset, 0)
}

// SendReset announces id was reset with the given final offset.
func (wt *WSTransport) SendReset(id StreamID, finalOffset int64) {
	wt.sendRecord(wireReset, id, finalOffset, 0)
}

func (wt *WSTransport) sendRecord(kind byte, id StreamID, a, b int64) {
	wt.out = append(wt.out, kind)
	wt.out = binary.BigEndian.AppendUint64(wt.out, uint64(id))
	wt.out = binary.BigEndian.AppendUint64(wt.out, uint64(a))
	wt.out = binary.BigEndian.AppendUint64(wt.out, uint64(b))
}

// Flush writes the buffered records as one binary message. A no-op when
// nothing is buffered. Errors are sticky: after a failure CanWrite reports
// false and every write returns the error.
func (wt *WSTransport) Flush() (err error) {
	if wt.failErr != nil {
		return wt.failErr
	}
	if len(wt.out) == 0 {
		return
	}
	msg := wt.out
	wt.out = nil
	if err = wt.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		wt.failErr = errors.Wrap(err, "flush")
		err = wt.failErr
	}
	return
}

// ReadAndDispatch reads one websocket message and applies its records to
// mux. Data records are acknowledged on the spot; the acks go out with the
// next Flush. Blocks until a message arrives, so callers own the pacing.
func (wt *WSTransport) ReadAndDispatch(mux *Muxer) (err error) {
	if wt.failErr != nil {
		return wt.failErr
	}
	mt, msg, err := wt.ws.ReadMessage()
	if err != nil {
		wt.failErr = errors.Wrap(err, "read")
		return wt.failErr
	}
	if mt != websocket.BinaryMessage || len(msg)%wireRecordSize != 0 {
		return errors.Wrapf(ErrBadWireRecord{}, "message type %d length %d", mt, len(msg))
	}
	for len(msg) > 0 {
		kind := msg[0]
		id := StreamID(binary.BigEndian.Uint64(msg[1:]))
		a := int64(binary.BigEndian.Uint64(msg[9:]))
		b := int64(binary.BigEndian.Uint64(msg[17:]))
		msg = msg[wireRecordSize:]
		switch kind {
		case wireData:
			if err = mux.OnDataReceived(id, a, b, false); err == nil {
				wt.sendRecord(wireAck, id, a, a+b)
			}
		case wireFin:
			err = mux.OnDataReceived(id, a, 0, true)
		case wireGrant:
			err = mux.OnCreditUpdate(id, a)
		case wireAck:
			err = mux.OnRangeAcked(id, a, b)
		case wireReset:
			err = mux.OnStreamReset(id, a)
		default:
			err = errors.Wrapf(ErrBadWireRecord{}, "kind %#02x", kind)
		}
		if err != nil {
			return
		}
	}
	return
}
