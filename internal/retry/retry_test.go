package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobtrail/discovery/internal/pipeline"
)

func TestPolicyRetriesTransientFetch(t *testing.T) {
	t.Parallel()

	p := NewPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	err := pipeline.TransientFetch("catalog", errors.New("connection reset"))

	require.True(t, p.ShouldRetry(err, 1))
	require.True(t, p.ShouldRetry(err, 2))
	require.False(t, p.ShouldRetry(err, 3))
}

func TestPolicyNeverRetriesFatal(t *testing.T) {
	t.Parallel()

	p := NewPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	require.False(t, p.ShouldRetry(pipeline.FatalFetch("catalog", errors.New("gone")), 1))
	require.False(t, p.ShouldRetry(errors.New("plain failure"), 1))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestPolicyRespectsContextErrors(t *testing.T) {
	t.Parallel()

	p := NewPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	wrapped := fmt.Errorf("fetch: %w", context.Canceled)
	require.False(t, p.ShouldRetry(wrapped, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
}

func TestPolicyRetriesWrappedTransient(t *testing.T) {
	t.Parallel()

	p := NewPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	err := fmt.Errorf("attempt 1: %w", pipeline.TransientFetch("probe", errors.New("timeout")))
	require.True(t, p.ShouldRetry(err, 1))
}

func TestPolicyBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := NewPolicy(5, 10*time.Millisecond, 80*time.Millisecond)
	for attempt := 0; attempt < 5; attempt++ {
		d := p.Backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, 80*time.Millisecond)
	}
	// Deterministic lower bound: half the uncapped delay.
	require.GreaterOrEqual(t, p.Backoff(2), 20*time.Millisecond)
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	require.Positive(t, p.Backoff(0))
}
