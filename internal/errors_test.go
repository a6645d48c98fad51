package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	t.Parallel()

	err := Errf(KindUpstreamRateLimited, "slow down")
	wrapped := fmt.Errorf("fetching book 42: %w", err)
	assert.Equal(t, KindUpstreamRateLimited, KindOf(wrapped))
}

func TestNotFoundSentinelMatchesByKind(t *testing.T) {
	t.Parallel()

	err := Errf(KindNotFound, "book 42 does not exist")
	assert.ErrorIs(t, err, errNotFound)
	assert.NotErrorIs(t, Errf(KindStoreBusy, "locked"), errNotFound)
}

func TestKindOfFoldsContextErrors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindNone, KindOf(errors.New("anonymous")))
	assert.Equal(t, KindNone, KindOf(nil))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindUpstreamBlocked, http.StatusServiceUnavailable},
		{KindUpstreamRateLimited, http.StatusServiceUnavailable},
		{KindUpstreamUnreachable, http.StatusBadGateway},
		{KindStoreBusy, http.StatusServiceUnavailable},
		{KindStoreFatal, http.StatusInternalServerError},
		{KindConflict, http.StatusConflict},
		{KindCancelled, 499},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(Errf(tc.kind, "x")), "for %s", tc.kind)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("anonymous")))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, retryable(Errf(KindUpstreamUnreachable, "x")))
	assert.True(t, retryable(Errf(KindUpstreamRateLimited, "x")))
	assert.False(t, retryable(Errf(KindUpstreamBlocked, "x")))
	assert.False(t, retryable(Errf(KindNotFound, "x")))
	assert.False(t, retryable(Errf(KindCancelled, "x")))
}
