package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	for _, s := range []Status{StatusIdle, StatusReady, StatusLoading, StatusRunning, StatusCancelling, StatusDestroying, StatusFinished} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestStatusActive(t *testing.T) {
	assert.False(t, StatusIdle.Active())
	assert.False(t, StatusSuccess.Active())
	assert.False(t, StatusFailed.Active())
	assert.True(t, StatusRunning.Active())
	assert.True(t, StatusCancelling.Active())
}

func TestParseStatusRoundTrip(t *testing.T) {
	for _, s := range Statuses {
		parsed, ok := ParseStatus(s.Description())
		require.True(t, ok, "description %q did not parse", s.Description())
		assert.Equal(t, s, parsed)
	}

	_, ok := ParseStatus("exploded")
	assert.False(t, ok)
}

func TestErrorTypeMessages(t *testing.T) {
	for _, et := range ErrorTypes {
		assert.NotEmpty(t, et.Message(), "error type %s has no canned message", et)
	}
	assert.Equal(t, "No error.", ErrNone.Message())
	assert.Equal(t, "cancel", ErrCancel.Description())
}
