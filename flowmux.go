// Package flowmux implements stream multiplexing and flow control.
package flowmux

import "fmt"

// StreamID identifies a logical stream within a connection. The zero value
// is reserved to mean the connection itself, so grant callbacks and logs can
// refer to connection-level quota without a separate type.
type StreamID uint64

// ConnectionID is the reserved StreamID used when a callback or log entry
// refers to the connection rather than one of its streams.
const ConnectionID = StreamID(0)

func (id StreamID) String() string {
	if id == ConnectionID {
		return "[Conn]"
	}
	return fmt.Sprintf("[Stream %04x]", uint64(id))
}

// GroupID identifies a scheduling group. By convention it is the id of the
// entity that owns the group, such as a session's control stream.
type GroupID uint64

func (id GroupID) String() string {
	return fmt.Sprintf("[Group %04x]", uint64(id))
}

// Priority orders ready scheduler entries. Higher values are served first;
// ties are broken first-in first-out by a sequence number assigned when the
// entry becomes ready.
type Priority int

// Rank is the nominal priority band exposed to callers. The grouped
// scheduler interleaves ranks for plain entries and groups so that neither
// kind starves the other at equal rank.
type Rank int

const (
	// MinRank is the least urgent rank accepted by the grouped scheduler.
	MinRank = Rank(0)
	// MaxRank is the most urgent rank accepted by the grouped scheduler.
	MaxRank = Rank(7)
	// DefaultRank is used when a stream is materialized implicitly, such
	// as by consuming data on a pending stream.
	DefaultRank = Rank(3)
	// staticRank is the reserved band above MaxRank used for entries that
	// are exempt from connection-level flow control.
	staticRank = MaxRank + 1
)

// remapRank converts a nominal rank to a top-level scheduler priority.
// Groups and plain entries at the same rank end up on adjacent priorities,
// with the plain entry winning the tie.
func remapRank(rank Rank, plain bool) (p Priority) {
	p = Priority(rank) * 2
	if plain {
		p++
	}
	return
}

// validRank reports whether rank may be passed by callers. The static band
// is reserved and selected with the static flag instead.
func validRank(rank Rank) bool {
	return rank >= MinRank && rank <= MaxRank
}
