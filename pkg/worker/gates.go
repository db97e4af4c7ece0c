// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package worker

import (
	"math/rand"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
)

// Rand is the subset of math/rand used by the probabilistic gates. Tests
// inject a seeded source for deterministic behavior.
type Rand interface {
	Float64() float64
}

// NewLockedRand returns a seeded Rand safe for concurrent use. A worker
// shares one source across all of its per-campaign consumer goroutines, so
// the draws must be serialized.
func NewLockedRand(seed int64) Rand {
	return &lockedRand{src: rand.New(rand.NewSource(seed))}
}

type lockedRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float64()
}

// PassesPriorityGate decides whether a worker proceeds on a request that may
// name priority bots. With no priority bots every worker proceeds. A
// priority-tagged or explicitly listed worker proceeds at full rate; anyone
// else proceeds with probability acceptRate.
func PassesPriorityGate(rng Rand, priorityBots []string, botID string, priorityTagged bool, acceptRate float64) bool {
	if len(priorityBots) == 0 {
		return true
	}
	if priorityTagged || slices.Contains(priorityBots, botID) {
		return true
	}
	return rng.Float64() <= acceptRate
}

// PassesParticipationGate draws a uniform random value and proceeds only if
// it does not exceed the participation rate.
func PassesParticipationGate(rng Rand, participationRate float64) bool {
	return rng.Float64() <= participationRate
}

// ApplyVariance multiplies the amount by 1 + U(-variance, +variance). A
// non-positive variance leaves the amount untouched.
func ApplyVariance(rng Rand, amount decimal.Decimal, variance float64) decimal.Decimal {
	if variance <= 0 {
		return amount
	}
	jitter := 1 + (rng.Float64()*2-1)*variance
	return amount.Mul(decimal.NewFromFloat(jitter))
}
