package request

import (
	"strconv"
	"sync/atomic"
	"time"
)

// TagGenerator produces tags that are unique within one session.
type TagGenerator interface {
	Next() string
}

// EpochTags generates "<unix seconds>.--<n>" tags, the scheme the web client
// itself uses. The prefix is fixed when the generator is created.
type EpochTags struct {
	prefix string
	n      atomic.Uint64
}

// NewEpochTags creates a generator whose prefix is the session start time.
func NewEpochTags(start time.Time) *EpochTags {
	return &EpochTags{prefix: strconv.FormatInt(start.Unix(), 10) + ".--"}
}

// Next returns the next tag. It is safe for concurrent use.
func (g *EpochTags) Next() string {
	return g.prefix + strconv.FormatUint(g.n.Add(1), 10)
}

type tagState uint8

const (
	tagResolved tagState = iota + 1
	tagAbandoned
)

// recentTags remembers the last few finished tags so duplicates can be
// recognised without growing without bound.
type recentTags struct {
	ring  []string
	next  int
	state map[string]tagState
}

func newRecentTags(capacity int) *recentTags {
	if capacity < 1 {
		capacity = 1
	}
	return &recentTags{ring: make([]string, capacity), state: make(map[string]tagState, capacity)}
}

func (r *recentTags) add(tag string, s tagState) {
	if _, ok := r.state[tag]; !ok {
		if old := r.ring[r.next]; old != "" {
			delete(r.state, old)
		}
		r.ring[r.next] = tag
		r.next = (r.next + 1) % len(r.ring)
	}
	r.state[tag] = s
}

func (r *recentTags) get(tag string) (tagState, bool) {
	s, ok := r.state[tag]
	return s, ok
}
