package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewBackendStartsHealthyWithFullSuccessRate(t *testing.T) {
	b, err := NewBackend("http://b1:9000", 3)
	require.NoError(t, err)
	require.True(t, b.IsHealthy())
	require.Equal(t, 1.0, b.HealthSnapshot().SuccessRate)
	require.Equal(t, 0, b.ConsecutiveFailures())
}

func TestNewBackendRejectsMalformedURL(t *testing.T) {
	_, err := NewBackend("://bad", 1)
	require.Error(t, err)
}

func TestNewBackendClampsMaxConcurrentRequests(t *testing.T) {
	b, err := NewBackend("http://b1:9000", 0)
	require.NoError(t, err)
	require.Equal(t, 1, b.MaxConcurrentRequests)
}

func TestRecordProbeResultTracksWindowAndStats(t *testing.T) {
	b, _ := NewBackend("http://b1:9000", 3)

	b.RecordProbeResult(true, 10*time.Millisecond, 2)
	b.RecordProbeResult(false, 20*time.Millisecond, 2)
	b.RecordProbeResult(true, 30*time.Millisecond, 2)

	stats := b.HealthSnapshot()
	require.Len(t, stats.ResponseTimes, 2, "window bounded to window size")
	require.Equal(t, 2, stats.SuccessfulChecks)
	require.Equal(t, 3, stats.TotalChecks)
	require.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.0001)
	require.Equal(t, 0, b.ConsecutiveFailures(), "last probe succeeded")
}

func TestRecordProbeResultTracksConsecutiveFailures(t *testing.T) {
	b, _ := NewBackend("http://b1:9000", 3)

	b.RecordProbeResult(false, time.Millisecond, 10)
	require.Equal(t, 1, b.ConsecutiveFailures())
	b.RecordProbeResult(false, time.Millisecond, 10)
	require.Equal(t, 2, b.ConsecutiveFailures())

	lastFailure, ok := b.LastFailureTime()
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), lastFailure, time.Second)

	b.RecordProbeResult(true, time.Millisecond, 10)
	require.Equal(t, 0, b.ConsecutiveFailures())
	_, ok = b.LastFailureTime()
	require.False(t, ok)
}

func TestRecomputeHealthAppliesHysteresisFormula(t *testing.T) {
	b, _ := NewBackend("http://b1:9000", 3)
	policy := HealthPolicy{
		ActiveCheckEnabled:     true,
		MinSuccessRate:         0.8,
		MaxResponseTime:        10.0,
		ConsecutiveFailuresMax: 3,
		WindowSize:             10,
	}

	// Warm up success_rate the way a long-running healthy backend would
	// have: without prior successes, success_rate=0 after the very first
	// failure would flip health on its own, masking the
	// consecutive-failures behavior this test targets.
	for i := 0; i < 20; i++ {
		b.RecordProbeResult(true, time.Millisecond, policy.WindowSize)
		b.RecomputeHealth(policy)
	}
	require.True(t, b.IsHealthy())

	b.RecordProbeResult(false, time.Millisecond, policy.WindowSize)
	flipped := b.RecomputeHealth(policy)
	require.False(t, flipped, "1st failure: 1 consecutive < 3, success_rate still acceptable by formula")
	require.True(t, b.IsHealthy())

	b.RecordProbeResult(false, time.Millisecond, policy.WindowSize)
	b.RecomputeHealth(policy)
	require.True(t, b.IsHealthy(), "2nd consecutive failure still below threshold")

	b.RecordProbeResult(false, time.Millisecond, policy.WindowSize)
	flipped = b.RecomputeHealth(policy)
	require.True(t, flipped)
	require.False(t, b.IsHealthy(), "3rd consecutive failure hits ConsecutiveFailuresMax")
}

func TestApplySimpleThresholdFlipsOnThreshold(t *testing.T) {
	b, _ := NewBackend("http://b1:9000", 3)

	b.RecordSimpleFailure()
	require.False(t, b.ApplySimpleThreshold(2))
	require.True(t, b.IsHealthy())

	b.RecordSimpleFailure()
	require.True(t, b.ApplySimpleThreshold(2))
	require.False(t, b.IsHealthy())

	b.RecordSimpleSuccess()
	require.True(t, b.ApplySimpleThreshold(2))
	require.True(t, b.IsHealthy())
}

func TestMaybeAutoRecoverResetsStaleFailureStreak(t *testing.T) {
	b, _ := NewBackend("http://b1:9000", 3)
	b.RecordSimpleFailure()
	b.RecordSimpleFailure()
	b.ApplySimpleThreshold(2)
	require.False(t, b.IsHealthy())

	recovered := b.MaybeAutoRecover(time.Hour, false)
	require.False(t, recovered, "failure is recent, not stale yet")

	recovered = b.MaybeAutoRecover(0, false)
	require.True(t, recovered, "zero threshold: any failure counts as stale")
	require.True(t, b.IsHealthy())
	require.Equal(t, 0, b.ConsecutiveFailures())
}

func TestMaybeAutoRecoverLeavesHealthBitForActiveChecking(t *testing.T) {
	b, _ := NewBackend("http://b1:9000", 3)
	b.RecordSimpleFailure()
	b.RecordSimpleFailure()
	b.ApplySimpleThreshold(2)
	require.False(t, b.IsHealthy())

	recovered := b.MaybeAutoRecover(0, true)
	require.False(t, recovered, "active checking: health bit is left for RecomputeHealth, not flipped here")
	require.False(t, b.IsHealthy())
	require.Equal(t, 0, b.ConsecutiveFailures(), "streak is still reset so the next probe can succeed")
}

func TestUpdateLoadDerivesSystemLoad(t *testing.T) {
	b, _ := NewBackend("http://b1:9000", 3)

	b.UpdateLoad(5, 3, 0.5, 10000)
	load := b.Load()
	require.Equal(t, 5, load.NumRequestsRunning)
	require.Equal(t, 3, load.NumRequestsWaiting)
	require.Equal(t, 8.0, load.SystemLoad, "min(running+waiting, max(1, maxFDs/1000)) = min(8, 10) = 8")

	b.UpdateLoad(50, 50, 0.9, 1000)
	load = b.Load()
	require.Equal(t, 1.0, load.SystemLoad, "capped by max_fds/1000 = 1")
}

func TestSupportedModelsRoundTrip(t *testing.T) {
	b, _ := NewBackend("http://b1:9000", 3)
	require.Empty(t, b.SupportedModels())
	require.False(t, b.SupportsModel("m1"))

	b.SetSupportedModels([]string{"m1", "m2"})
	require.True(t, b.SupportsModel("m1"))
	require.True(t, b.SupportsModel("m2"))
	require.False(t, b.SupportsModel("m3"))
	require.False(t, b.ModelsLastUpdated().IsZero())
}
