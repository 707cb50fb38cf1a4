// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package scorecard

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/modelrouter/routing/catalog"
)

func f64(v float64) *float64 { return &v }

func TestNew_UniformPrior(t *testing.T) {
	c := New("tenant-1", catalog.TaskChat, "gpt-4o")
	assert.Equal(t, 1.0, c.Alpha)
	assert.Equal(t, 1.0, c.Beta)
	assert.Equal(t, 0.5, PosteriorMean(c))
	assert.False(t, c.HasLatency())
	assert.False(t, c.HasCost())
	assert.Zero(t, ApproxP95Latency(c))
}

func TestUpdate_Counts(t *testing.T) {
	c := New("tenant-1", catalog.TaskChat, "gpt-4o")
	c.Update(Outcome{Success: true})
	c.Update(Outcome{Success: true})
	c.Update(Outcome{Success: false})

	assert.Equal(t, uint64(3), c.Trials)
	assert.Equal(t, uint64(2), c.Successes)
	assert.Equal(t, uint64(1), c.Failures())
	assert.Equal(t, 3.0, c.Alpha)
	assert.Equal(t, 2.0, c.Beta)
	assert.Zero(t, c.LatencyCount, "no latency supplied")
}

func TestUpdate_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := New("tenant-1", catalog.TaskCodeGeneration, "claude-sonnet-4")

	for i := 0; i < 500; i++ {
		o := Outcome{Success: rng.Intn(3) > 0}
		if rng.Intn(2) == 0 {
			o.LatencyMs = f64(rng.Float64() * 2000)
		}
		c.Update(o)

		require.GreaterOrEqual(t, c.Alpha, 1.0)
		require.GreaterOrEqual(t, c.Beta, 1.0)
		require.LessOrEqual(t, c.Successes, c.Trials)
		require.Equal(t, c.Trials, c.Successes+c.Failures())
		require.Equal(t, float64(c.Successes)+1, c.Alpha)
		require.Equal(t, float64(c.Failures())+1, c.Beta)
	}
}

func TestWelford_MatchesBatchStatistics(t *testing.T) {
	samples := []float64{120, 80, 200, 150, 95, 310, 130}
	c := New("tenant-1", catalog.TaskChat, "gpt-4o")
	for _, s := range samples {
		c.Update(Outcome{Success: true, LatencyMs: f64(s), CostMinor: f64(s / 100)})
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	var sq float64
	for _, s := range samples {
		sq += (s - mean) * (s - mean)
	}
	sd := math.Sqrt(sq / float64(len(samples)-1))

	assert.InDelta(t, mean, c.LatencyMean, 1e-9)
	assert.InDelta(t, mean+1.645*sd, ApproxP95Latency(c), 1e-9)
	assert.InDelta(t, (mean+1.645*sd)/100, ApproxP95Cost(c), 1e-9)
}

func TestApproxP95_SingleObservation(t *testing.T) {
	c := New("tenant-1", catalog.TaskChat, "gpt-4o")
	c.Update(Outcome{Success: true, LatencyMs: f64(400)})
	assert.Equal(t, 400.0, ApproxP95Latency(c), "sigma is zero below two samples")
}

func TestNormalize(t *testing.T) {
	c := &ScoreCard{Alpha: 0, Beta: math.NaN(), Trials: 2, Successes: 5}
	c.Normalize()
	assert.Equal(t, 1.0, c.Alpha)
	assert.Equal(t, 1.0, c.Beta)
	assert.Equal(t, uint64(2), c.Successes)
}

func TestSample_WithinUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := &ScoreCard{Alpha: 1, Beta: 1}
	for i := 0; i < 1000; i++ {
		v := Sample(c, rng)
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
}

func TestSample_ConvergesToPosteriorMean(t *testing.T) {
	tests := []struct {
		alpha, beta float64
	}{
		{1, 1},
		{10, 5},
		{2, 30},
		{200, 3},
	}

	s := NewSampler(42)
	for _, tt := range tests {
		c := &ScoreCard{Alpha: tt.alpha, Beta: tt.beta}
		const n = 20000
		var sum float64
		for i := 0; i < n; i++ {
			sum += s.Sample(c)
		}
		assert.InDelta(t, PosteriorMean(c), sum/n, 0.01, "Beta(%v,%v)", tt.alpha, tt.beta)
	}
}

func TestGammaVariate_SmallShape(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n = 20000
	var sum float64
	for i := 0; i < n; i++ {
		v := gammaVariate(rng, 0.5)
		require.GreaterOrEqual(t, v, 0.0)
		sum += v
	}
	assert.InDelta(t, 0.5, sum/n, 0.03, "Gamma(k) has mean k")
}
