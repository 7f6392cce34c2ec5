package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/orb/core"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		action  Action
		refresh bool
	}{
		{"illegal identity", Outcome{Kind: core.KindIllegalIdentity}, Surface, false},
		{"adapter deactivated", Outcome{Kind: core.KindAdapterDeactivated, Indirect: true}, Surface, false},
		{"communicator destroyed", Outcome{Kind: core.KindCommunicatorDestroyed}, Surface, false},
		{"marshal", Outcome{Kind: core.KindMarshal, Idempotent: true}, Surface, false},

		{"object not exist indirect", Outcome{Kind: core.KindObjectNotExist, Indirect: true}, Retry, true},
		{"facet not exist indirect", Outcome{Kind: core.KindFacetNotExist, Indirect: true}, Retry, true},
		{"object not exist direct", Outcome{Kind: core.KindObjectNotExist}, Surface, false},
		{"object not exist second time", Outcome{Kind: core.KindObjectNotExist, Indirect: true, RequestFailedRetries: 1}, Surface, false},

		{"refused not sent", Outcome{Kind: core.KindConnectionRefused}, Retry, true},
		{"dns not sent", Outcome{Kind: core.KindDNS}, Retry, true},
		{"lost after send idempotent", Outcome{Kind: core.KindConnectionLost, Sent: true, Idempotent: true}, Retry, true},
		{"lost after send normal", Outcome{Kind: core.KindConnectionLost, Sent: true}, Surface, false},
		{"close connection after send", Outcome{Kind: core.KindCloseConnection, Sent: true}, Retry, true},
		// Oneway and datagram calls never count as idempotent.
		{"oneway lost after send", Outcome{Kind: core.KindConnectionLost, Sent: true, Idempotent: false}, Surface, false},
		{"oneway lost before send", Outcome{Kind: core.KindConnectionLost, Idempotent: false}, Retry, true},

		{"connect timeout", Outcome{Kind: core.KindConnectTimeout}, Surface, false},
		{"invocation timeout idempotent", Outcome{Kind: core.KindInvocationTimeout, Idempotent: true}, Surface, false},
		{"canceled", Outcome{Kind: core.KindInvocationCanceled, Idempotent: true}, Surface, false},
		{"user", Outcome{Kind: core.KindUser, Idempotent: true}, Surface, false},
		{"unknown", Outcome{Kind: core.KindUnknown, Indirect: true}, Surface, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(tt.outcome)
			assert.Equal(t, tt.action, v.Action)
			assert.Equal(t, tt.refresh, v.Refresh)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestParseIntervals(t *testing.T) {
	got, err := ParseIntervals("0 100, 500")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond}, got)

	got, err = ParseIntervals("")
	require.NoError(t, err)
	assert.Equal(t, DefaultIntervals(), got)

	got, err = ParseIntervals("-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, s := range []string{"abc", "0 -5", "-1 0"} {
		_, err := ParseIntervals(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestPolicyBoundsTransportRetries(t *testing.T) {
	p := NewPolicy([]time.Duration{0, 0, 0})
	s := p.Begin()
	refused := &core.Error{Kind: core.KindConnectionRefused}

	for i := 0; i < 3; i++ {
		v, delay := s.Decide(refused, true, true)
		require.Equal(t, Retry, v.Action, "retry %d", i+1)
		assert.True(t, v.Refresh)
		assert.Zero(t, delay)
	}

	v, _ := s.Decide(refused, true, true)
	assert.Equal(t, Surface, v.Action)
	assert.Equal(t, 3, s.Retries())
}

func TestPolicyNonIdempotentSentSurfaces(t *testing.T) {
	s := NewPolicy([]time.Duration{0, 0, 0}).Begin()

	v, _ := s.Decide(&core.Error{Kind: core.KindConnectionLost, Sent: true}, false, true)
	assert.Equal(t, Surface, v.Action)
	assert.Zero(t, s.Retries())
}

func TestPolicyDelays(t *testing.T) {
	s := NewPolicy([]time.Duration{10 * time.Millisecond, 20 * time.Millisecond}).Begin()
	lost := &core.Error{Kind: core.KindConnectionLost}

	_, d1 := s.Decide(lost, false, false)
	_, d2 := s.Decide(lost, false, false)
	assert.Equal(t, 10*time.Millisecond, d1)
	assert.Equal(t, 20*time.Millisecond, d2)
}

func TestPolicyCloseConnectionRetriedPastLimit(t *testing.T) {
	s := NewPolicy([]time.Duration{}).Begin()
	closed := &core.Error{Kind: core.KindCloseConnection, Sent: true}

	v, delay := s.Decide(closed, false, false)
	assert.Equal(t, Retry, v.Action)
	assert.Zero(t, delay)

	v, _ = s.Decide(closed, false, false)
	assert.Equal(t, Surface, v.Action)

	refused := NewPolicy([]time.Duration{}).Begin()
	v, _ = refused.Decide(core.ErrConnectionRefused, true, true)
	assert.Equal(t, Surface, v.Action)
}

func TestPolicyRequestFailedOnce(t *testing.T) {
	s := NewPolicy([]time.Duration{0, 0, 0}).Begin()
	missing := &core.Error{Kind: core.KindObjectNotExist, ID: "x"}

	v, _ := s.Decide(missing, false, true)
	assert.Equal(t, Retry, v.Action)
	v, _ = s.Decide(missing, false, true)
	assert.Equal(t, Surface, v.Action)
}

func TestPolicyContextErrors(t *testing.T) {
	s := NewPolicy(nil).Begin()

	v, _ := s.Decide(context.Canceled, true, true)
	assert.Equal(t, Surface, v.Action)
	v, _ = s.Decide(errors.New("foreign"), true, true)
	assert.Equal(t, Surface, v.Action)
}

func TestPolicyHotSwap(t *testing.T) {
	p := NewPolicy(nil)
	assert.Equal(t, 1, p.Limit())

	running := p.Begin()
	p.SetIntervals([]time.Duration{0, 0})
	assert.Equal(t, 2, p.Limit())
	assert.Equal(t, []time.Duration{0, 0}, p.Intervals())

	refused := core.ErrConnectionRefused
	v, _ := running.Decide(refused, true, true)
	assert.Equal(t, Retry, v.Action)
	v, _ = running.Decide(refused, true, true)
	assert.Equal(t, Surface, v.Action, "running invocation keeps its intervals")

	fresh := p.Begin()
	fresh.Decide(refused, true, true)
	v, _ = fresh.Decide(refused, true, true)
	assert.Equal(t, Retry, v.Action)
}
