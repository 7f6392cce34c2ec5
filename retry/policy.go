package retry

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/najoast/orb/core"
)

// DefaultIntervals retries once, immediately.
func DefaultIntervals() []time.Duration {
	return []time.Duration{0}
}

// ParseIntervals parses a list of millisecond delays separated by spaces
// or commas, such as "0 100 500". A single "-1" disables retries and an
// empty string yields DefaultIntervals.
func ParseIntervals(s string) ([]time.Duration, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	if len(fields) == 0 {
		return DefaultIntervals(), nil
	}
	if len(fields) == 1 && fields[0] == "-1" {
		return []time.Duration{}, nil
	}

	out := make([]time.Duration, 0, len(fields))
	for _, f := range fields {
		ms, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid retry interval %q: %w", f, err)
		}
		if ms < 0 {
			return nil, fmt.Errorf("invalid retry interval %q: must not be negative", f)
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, nil
}

// Policy bounds retries. Retry number N waits Intervals[N-1]; once the
// list is exhausted failures surface, except that a peer's graceful
// close is retried one extra time. The intervals can be replaced while
// invocations are running; each invocation keeps the list it started with.
type Policy struct {
	intervals atomic.Pointer[[]time.Duration]
}

// NewPolicy creates a Policy. A nil list means DefaultIntervals.
func NewPolicy(intervals []time.Duration) *Policy {
	p := &Policy{}
	p.SetIntervals(intervals)
	return p
}

// Intervals returns a copy of the current intervals.
func (p *Policy) Intervals() []time.Duration {
	current := *p.intervals.Load()
	out := make([]time.Duration, len(current))
	copy(out, current)
	return out
}

// SetIntervals replaces the intervals.
func (p *Policy) SetIntervals(intervals []time.Duration) {
	if intervals == nil {
		intervals = DefaultIntervals()
	}
	cp := make([]time.Duration, len(intervals))
	copy(cp, intervals)
	p.intervals.Store(&cp)
}

// Limit returns the number of retries allowed for ordinary failures.
func (p *Policy) Limit() int {
	return len(*p.intervals.Load())
}

// Begin starts tracking one invocation.
func (p *Policy) Begin() *State {
	return &State{intervals: *p.intervals.Load()}
}

// State tracks the retries of one invocation.
type State struct {
	intervals     []time.Duration
	retries       int
	requestFailed int
	closeExtra    bool
}

// Retries returns how many retries have been granted so far.
func (s *State) Retries() int {
	return s.retries
}

// Decide classifies err and applies the attempt limit. When the verdict
// is Retry the returned delay must elapse before the next attempt.
func (s *State) Decide(err error, idempotent, indirect bool) (Verdict, time.Duration) {
	kind := core.KindOf(err)
	v := Classify(Outcome{
		Kind:                 kind,
		Sent:                 core.WasSent(err),
		Idempotent:           idempotent,
		Indirect:             indirect,
		RequestFailedRetries: s.requestFailed,
	})
	if v.Action != Retry {
		return v, 0
	}

	var delay time.Duration
	switch {
	case s.retries < len(s.intervals):
		delay = s.intervals[s.retries]
	case kind == core.KindCloseConnection && !s.closeExtra:
		s.closeExtra = true
	default:
		return Verdict{Action: Surface, Reason: fmt.Sprintf("retry limit reached after %d retries", s.retries)}, 0
	}

	s.retries++
	if kind.Family() == core.FamilyRequestFailed {
		s.requestFailed++
	}
	return v, delay
}
