package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorSentinels(t *testing.T) {
	tests := []struct {
		err      error
		sentinel *Error
	}{
		{&Error{Kind: KindAdapterDeactivated, ID: "A"}, ErrAdapterDeactivated},
		{&Error{Kind: KindAdapterDestroyed, ID: "A"}, ErrAdapterDestroyed},
		{fmt.Errorf("wrapped: %w", &Error{Kind: KindAdapterDestroyed}), ErrAdapterDestroyed},
		{NotRegistered("servant", "x"), ErrNotRegistered},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, tt.err, tt.sentinel, tt.err.Error())
		assert.Equal(t, FamilyLocal, KindOf(tt.err).Family())
	}

	assert.NotErrorIs(t, ErrAdapterDestroyed, ErrAdapterDeactivated)
}

func TestKindOfContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, KindInvocationCanceled, KindOf(ctx.Err()))
	assert.ErrorIs(t, FromContext(ctx), ErrInvocationCanceled)
	assert.Equal(t, KindInvocationTimeout, KindOf(context.DeadlineExceeded))
	assert.Nil(t, FromContext(context.Background()))
}
