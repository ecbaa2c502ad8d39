package binding

// GroupState is the aggregate state of one Group, derived from its member
// EventBindings per the policy in spec.md §3 "Event binding group".
type GroupState uint8

const (
	GroupUsable GroupState = iota
	GroupOffline
	GroupTerminated
	GroupFailed
)

func (s GroupState) String() string {
	switch s {
	case GroupUsable:
		return "usable"
	case GroupOffline:
		return "offline"
	case GroupTerminated:
		return "terminated"
	case GroupFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Group is an ordered list of EventBindings sharing a core and pid. The
// first element is either a solitary stand-alone event or a pinned group
// leader; its fd is the group_fd for every follower.
type Group struct {
	Events []*EventBinding
}

// Leader returns the group's first element, or nil for an empty group.
func (g *Group) Leader() *EventBinding {
	if len(g.Events) == 0 {
		return nil
	}
	return g.Events[0]
}

func usable(s State) bool {
	return s == StateReady || s == StateOnline
}

// Aggregate computes the group's aggregate state per spec.md §3's policy:
//
//   - A solitary leader (the only event in the group) that is
//     not-supported makes the whole group "usable-skipped" — reported as
//     usable, with zero active events.
//   - A follower that is not-supported is silently ignored: it does not
//     affect the aggregate and is excluded from Active.
//   - Any other follower that is terminated, offline, or failed tears down
//     the whole group; the aggregate mirrors that follower's state.
//   - Otherwise the group is usable iff the leader itself is usable.
func (g *Group) Aggregate() GroupState {
	leader := g.Leader()
	if leader == nil {
		return GroupUsable
	}

	if len(g.Events) == 1 {
		if leader.State() == StateNotSupported {
			return GroupUsable // usable-skipped: zero active events
		}
		return stateToGroupState(leader.State())
	}

	for _, follower := range g.Events[1:] {
		switch follower.State() {
		case StateNotSupported:
			continue // legacy big.LITTLE compatibility: silently ignored
		case StateTerminated:
			return GroupTerminated
		case StateOffline:
			return GroupOffline
		case StateFailed:
			return GroupFailed
		}
	}

	return stateToGroupState(leader.State())
}

func stateToGroupState(s State) GroupState {
	switch s {
	case StateTerminated:
		return GroupTerminated
	case StateOffline:
		return GroupOffline
	case StateFailed, StateNotSupported:
		return GroupFailed
	default:
		if usable(s) {
			return GroupUsable
		}
		return GroupFailed
	}
}

// Active returns the bindings actually carrying live fds: the leader and
// every follower that is ready or online. Not-supported, failed, offline
// and terminated members are left out.
func (g *Group) Active() []*EventBinding {
	leader := g.Leader()
	if leader == nil {
		return nil
	}
	var active []*EventBinding
	for _, b := range g.Events {
		if usable(b.State()) {
			active = append(active, b)
		}
	}
	return active
}

// SetState is the aggregate state of a Set (spec.md §3 "Event binding
// set").
type SetState uint8

const (
	SetOffline SetState = iota
	SetUsable
	SetTerminated
	SetFailed
)

func (s SetState) String() string {
	switch s {
	case SetOffline:
		return "offline"
	case SetUsable:
		return "usable"
	case SetTerminated:
		return "terminated"
	case SetFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Set is the collection of Groups associated with a single (core, pid).
type Set struct {
	Core   int
	Pid    int
	Groups []*Group
}

// Aggregate derives the set's state: usable if any group is usable; else
// terminated if all groups are terminated; else offline if any group is
// offline; else failed (spec.md §3).
func (s *Set) Aggregate() SetState {
	if len(s.Groups) == 0 {
		return SetFailed
	}

	allTerminated := true
	anyOffline := false
	for _, g := range s.Groups {
		switch g.Aggregate() {
		case GroupUsable:
			return SetUsable
		case GroupTerminated:
			// allTerminated stays true
		case GroupOffline:
			anyOffline = true
			allTerminated = false
		case GroupFailed:
			allTerminated = false
		}
	}

	if allTerminated {
		return SetTerminated
	}
	if anyOffline {
		return SetOffline
	}
	return SetFailed
}
