package flowmux

import (
	"fmt"
	"sort"
	"strings"
)

// byteRange is a half-open interval of stream byte offsets.
type byteRange struct {
	start, end int64
}

func (r byteRange) size() int64 { return r.end - r.start }

func (r byteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.start, r.end)
}

// rangeSet is an ordered set of non-overlapping, non-adjacent half-open
// byte ranges. The zero value is an empty set ready for use.
type rangeSet struct {
	ranges []byteRange
}

func (rs *rangeSet) empty() bool { return len(rs.ranges) == 0 }

// size returns the total number of bytes covered.
func (rs *rangeSet) size() (n int64) {
	for _, r := range rs.ranges {
		n += r.size()
	}
	return
}

func (rs *rangeSet) String() string {
	var b strings.Builder
	for _, r := range rs.ranges {
		b.WriteString(r.String())
	}
	return b.String()
}

// add inserts [start,end), merging it with any ranges it overlaps or abuts.
func (rs *rangeSet) add(start, end int64) {
	if start >= end {
		return
	}
	rn := rs.ranges
	i := sort.Search(len(rn), func(k int) bool { return rn[k].end >= start })
	j := i
	for j < len(rn) && rn[j].start <= end {
		if rn[j].start < start {
			start = rn[j].start
		}
		if rn[j].end > end {
			end = rn[j].end
		}
		j++
	}
	if i == j {
		rn = append(rn, byteRange{})
		copy(rn[i+1:], rn[i:])
		rn[i] = byteRange{start, end}
	} else {
		rn[i] = byteRange{start, end}
		rn = append(rn[:i+1], rn[j:]...)
	}
	rs.ranges = rn
}

// remove deletes [start,end) from the set, splitting ranges that straddle
// a boundary.
func (rs *rangeSet) remove(start, end int64) {
	if start >= end || len(rs.ranges) == 0 {
		return
	}
	out := make([]byteRange, 0, len(rs.ranges)+1)
	for _, r := range rs.ranges {
		if r.end <= start || r.start >= end {
			out = append(out, r)
			continue
		}
		if r.start < start {
			out = append(out, byteRange{r.start, start})
		}
		if r.end > end {
			out = append(out, byteRange{end, r.end})
		}
	}
	rs.ranges = out
}

// overlap returns the intersections of the set with [start,end).
func (rs *rangeSet) overlap(start, end int64) (hits []byteRange) {
	for _, r := range rs.ranges {
		if r.end <= start || r.start >= end {
			continue
		}
		hit := r
		if hit.start < start {
			hit.start = start
		}
		if hit.end > end {
			hit.end = end
		}
		hits = append(hits, hit)
	}
	return
}

// first returns the lowest range without removing it.
func (rs *rangeSet) first() (r byteRange, ok bool) {
	if len(rs.ranges) > 0 {
		r, ok = rs.ranges[0], true
	}
	return
}

// popFront removes and returns up to max bytes from the lowest range. It
// returns a zero-size range when the set is empty or max is not positive.
func (rs *rangeSet) popFront(max int64) (r byteRange) {
	if len(rs.ranges) == 0 || max <= 0 {
		return
	}
	first := rs.ranges[0]
	take := first.size()
	if take > max {
		take = max
	}
	r = byteRange{first.start, first.start + take}
	if take == first.size() {
		rs.ranges = rs.ranges[1:]
	} else {
		rs.ranges[0].start += take
	}
	return
}
