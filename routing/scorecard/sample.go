// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package scorecard

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Sample draws one value from Beta(c.Alpha, c.Beta), the Thompson sampling
// estimate of this model's success probability for one trial.
func Sample(c *ScoreCard, rng *rand.Rand) float64 {
	return betaVariate(rng, c.Alpha, c.Beta)
}

// Sampler is a goroutine safe source of Beta draws.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler seeds a sampler. A zero seed uses the current time.
func NewSampler(seed int64) *Sampler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample draws from the card's posterior.
func (s *Sampler) Sample(c *ScoreCard) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Sample(c, s.rng)
}

// betaVariate uses X/(X+Y) with X ~ Gamma(a), Y ~ Gamma(b).
func betaVariate(rng *rand.Rand, a, b float64) float64 {
	x := gammaVariate(rng, a)
	y := gammaVariate(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// gammaVariate draws from Gamma(shape, 1) with the Marsaglia-Tsang method.
func gammaVariate(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Boost: Gamma(a) = Gamma(a+1) * U^(1/a).
		u := rng.Float64()
		return gammaVariate(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
