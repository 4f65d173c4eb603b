// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package flowmux implements the stream scheduling and flow control core of a
multiplexed connection.

Many independent logical streams share one connection. On every write
opportunity the engine decides which stream sends next, enforces per-stream
and per-connection byte quotas in both directions, and tracks each stream
from its first byte to teardown. It never touches payload bytes: the
application reports byte counts and offsets, the engine keeps the
accounting straight and tells the transport which ranges to move.

A Muxer owns one connection's state and must be driven from one goroutine.
Streams are created explicitly, or materialize as pending streams when data
arrives for an unknown id. Scheduling uses ranks 0 through 7, highest
first, first-come first-served within a rank; streams may share a group
that competes for a single slot, and static streams occupy a reserved band
above every rank and are exempt from connection-level flow control.

Receive quota is tracked per stream and per connection by a Window. As the
application consumes data the engine emits grants through a callback; the
protocol on top decides how grants, acknowledgments and resets travel on
the wire. WSTransport is a small websocket-backed reference of that
plumbing; PipeTransport records write order for tests and benchmarks.

When both sides of a stream have closed it is removed, unless sent ranges
still await acknowledgment, in which case it lingers as a zombie doing
bookkeeping only. Recently closed ids are remembered in a bounded history
so late events for them are dropped instead of creating ghost streams.
*/
package flowmux
