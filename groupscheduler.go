package flowmux

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrRankRange is returned when a caller passes a rank outside
// MinRank..MaxRank.
type ErrRankRange struct{}

func (ErrRankRange) Error() string { return "rank out of range" }

// scheduleKey keeps plain entries and group slots apart in the top-level
// scheduler, so a stream id can never collide with a group id.
type scheduleKey struct {
	group bool
	id    uint64
}

func plainKey(id StreamID) scheduleKey { return scheduleKey{id: uint64(id)} }
func groupKey(id GroupID) scheduleKey  { return scheduleKey{group: true, id: uint64(id)} }

// streamGroup is the lazily created per-group state: a nested scheduler
// ordering the members, competing at the top level as a single slot.
type streamGroup struct {
	id      GroupID
	rank    Rank
	members *Scheduler[StreamID]
}

// groupMember records how one stream was registered.
type groupMember struct {
	rank    Rank
	static  bool
	group   GroupID
	inGroup bool
}

// GroupScheduler schedules streams on two levels. Plain streams compete
// directly at the top level; a stream registered in a group competes inside
// that group, and the group holds a single top-level slot at its own rank.
// Rank bands for groups and plain streams interleave (see remapRank) so
// neither kind starves the other at equal rank. Entries registered static
// are placed in a reserved band above MaxRank and are the only ones served
// while connection-level flow control is exhausted.
//
// Not safe for concurrent use; see Muxer for the ownership model.
type GroupScheduler struct {
	tr        *Trace
	top       *Scheduler[scheduleKey]
	groups    map[GroupID]*streamGroup
	streams   map[StreamID]*groupMember
	scheduled int // ready streams across both levels
}

// NewGroupScheduler returns an empty GroupScheduler. tr may be nil.
func NewGroupScheduler(tr *Trace) *GroupScheduler {
	return &GroupScheduler{
		tr:      traceOrNop(tr),
		top:     NewScheduler[scheduleKey](),
		groups:  make(map[GroupID]*streamGroup),
		streams: make(map[StreamID]*groupMember),
	}
}

// Register adds a plain top-level stream at the given rank. A static stream
// is placed in the reserved flow-control-exempt band and its rank argument
// only serves as bookkeeping.
func (g *GroupScheduler) Register(id StreamID, rank Rank, static bool) (err error) {
	if _, ok := g.streams[id]; ok {
		return errors.WithStack(ErrAlreadyRegistered{})
	}
	if !static && !validRank(rank) {
		return errors.WithStack(ErrRankRange{})
	}
	effective := rank
	if static {
		effective = staticRank
	}
	if err = g.top.Register(plainKey(id), remapRank(effective, true)); err != nil {
		return
	}
	g.streams[id] = &groupMember{rank: rank, static: static}
	return
}

// RegisterInGroup adds a stream as a member of group. The group and its
// nested scheduler are created when the first member registers; groupRank
// sets the group's top-level rank at that point and is ignored afterwards.
func (g *GroupScheduler) RegisterInGroup(id StreamID, rank Rank, group GroupID, groupRank Rank) (err error) {
	if _, ok := g.streams[id]; ok {
		return errors.WithStack(ErrAlreadyRegistered{})
	}
	if !validRank(rank) || !validRank(groupRank) {
		return errors.WithStack(ErrRankRange{})
	}
	grp := g.groups[group]
	if grp == nil {
		grp = &streamGroup{
			id:      group,
			rank:    groupRank,
			members: NewScheduler[StreamID](),
		}
		if err = g.top.Register(groupKey(group), remapRank(groupRank, false)); err != nil {
			return
		}
		g.groups[group] = grp
	}
	if err = grp.members.Register(id, Priority(rank)); err != nil {
		return
	}
	g.streams[id] = &groupMember{rank: rank, group: group, inGroup: true}
	return
}

// Unregister removes a stream from every scheduling level it appears on. A
// group is destroyed when its last member unregisters.
func (g *GroupScheduler) Unregister(id StreamID) (err error) {
	m, ok := g.streams[id]
	if !ok {
		return errors.WithStack(ErrNotRegistered{})
	}
	if !m.inGroup {
		if g.top.IsScheduled(plainKey(id)) {
			g.scheduled--
		}
		err = g.top.Unregister(plainKey(id))
	} else if grp := g.groups[m.group]; grp == nil {
		g.tr.broken("scheduler", fmt.Sprintf("%v registered in missing %v", id, m.group))
	} else {
		if grp.members.IsScheduled(id) {
			g.scheduled--
		}
		if err = grp.members.Unregister(id); err == nil {
			if grp.members.NumRegistered() == 0 {
				err = g.top.Unregister(groupKey(m.group))
				delete(g.groups, m.group)
			} else if !grp.members.HasScheduled() {
				g.top.unschedule(groupKey(m.group))
			}
		}
	}
	delete(g.streams, id)
	return
}

// UpdatePriority changes a stream's rank. Ready streams keep their place in
// line among peers of the new rank. A static stream keeps scheduling in the
// reserved band; only its recorded rank changes.
func (g *GroupScheduler) UpdatePriority(id StreamID, rank Rank) (err error) {
	m, ok := g.streams[id]
	if !ok {
		return errors.WithStack(ErrNotRegistered{})
	}
	if !validRank(rank) {
		return errors.WithStack(ErrRankRange{})
	}
	switch {
	case m.static:
	case m.inGroup:
		grp := g.groups[m.group]
		if grp == nil {
			g.tr.broken("scheduler", fmt.Sprintf("%v registered in missing %v", id, m.group))
			return errors.WithStack(ErrNotRegistered{})
		}
		err = grp.members.UpdatePriority(id, Priority(rank))
	default:
		err = g.top.UpdatePriority(plainKey(id), remapRank(rank, true))
	}
	if err == nil {
		m.rank = rank
	}
	return
}

// Schedule marks a stream ready. For group members the group's top-level
// slot becomes ready as well.
func (g *GroupScheduler) Schedule(id StreamID) (err error) {
	m, ok := g.streams[id]
	if !ok {
		return errors.WithStack(ErrNotRegistered{})
	}
	if !m.inGroup {
		ready := g.top.IsScheduled(plainKey(id))
		if err = g.top.Schedule(plainKey(id)); err == nil && !ready {
			g.scheduled++
		}
		return
	}
	grp := g.groups[m.group]
	if grp == nil {
		g.tr.broken("scheduler", fmt.Sprintf("%v registered in missing %v", id, m.group))
		return errors.WithStack(ErrNotRegistered{})
	}
	ready := grp.members.IsScheduled(id)
	if err = grp.members.Schedule(id); err == nil {
		if !ready {
			g.scheduled++
		}
		err = g.top.Schedule(groupKey(m.group))
	}
	return
}

// PopFront removes and returns the best ready stream. When the winner comes
// out of a group, the group is rescheduled at the top level while it still
// has ready members, so it stays live without jumping the queue.
func (g *GroupScheduler) PopFront() (id StreamID, err error) {
	key, err := g.top.PopFront()
	if err != nil {
		return
	}
	if !key.group {
		g.scheduled--
		id = StreamID(key.id)
		return
	}
	grp := g.groups[GroupID(key.id)]
	if grp == nil {
		g.tr.broken("scheduler", fmt.Sprintf("popped missing %v", GroupID(key.id)))
		err = errors.WithStack(ErrSchedulerEmpty{})
		return
	}
	if id, err = grp.members.PopFront(); err != nil {
		g.tr.broken("scheduler", fmt.Sprintf("%v ready with no ready members", grp.id))
		err = errors.WithStack(ErrSchedulerEmpty{})
		return
	}
	g.scheduled--
	if grp.members.HasScheduled() {
		err = g.top.Schedule(groupKey(grp.id))
	}
	return
}

// ShouldYield reports whether the stream ought to defer this write
// opportunity. A group member yields if its group's top-level slot would
// yield, or if it would yield to a fellow member inside the group.
func (g *GroupScheduler) ShouldYield(id StreamID) (yield bool, err error) {
	m, ok := g.streams[id]
	if !ok {
		err = errors.WithStack(ErrNotRegistered{})
		return
	}
	if !m.inGroup {
		return g.top.ShouldYield(plainKey(id))
	}
	grp := g.groups[m.group]
	if grp == nil {
		g.tr.broken("scheduler", fmt.Sprintf("%v registered in missing %v", id, m.group))
		err = errors.WithStack(ErrNotRegistered{})
		return
	}
	if yield, err = g.top.ShouldYield(groupKey(m.group)); err != nil || yield {
		return
	}
	return grp.members.ShouldYield(id)
}

// IsRegistered reports whether id is currently registered.
func (g *GroupScheduler) IsRegistered(id StreamID) bool {
	_, ok := g.streams[id]
	return ok
}

// IsScheduled reports whether id is currently ready.
func (g *GroupScheduler) IsScheduled(id StreamID) bool {
	m, ok := g.streams[id]
	if !ok {
		return false
	}
	if !m.inGroup {
		return g.top.IsScheduled(plainKey(id))
	}
	grp := g.groups[m.group]
	return grp != nil && grp.members.IsScheduled(id)
}

// IsStatic reports whether id was registered as flow-control exempt.
func (g *GroupScheduler) IsStatic(id StreamID) bool {
	m, ok := g.streams[id]
	return ok && m.static
}

// NumRegistered returns the number of registered streams.
func (g *GroupScheduler) NumRegistered() int { return len(g.streams) }

// NumScheduled returns the number of ready streams across both levels.
func (g *GroupScheduler) NumScheduled() int { return g.scheduled }

// HasScheduled reports whether any stream is ready.
func (g *GroupScheduler) HasScheduled() bool { return g.scheduled > 0 }

// NumScheduledStatic returns the number of ready streams in the reserved
// flow-control-exempt band.
func (g *GroupScheduler) NumScheduledStatic() int {
	return g.top.NumScheduledInRange(remapRank(staticRank, false), remapRank(staticRank, true))
}
