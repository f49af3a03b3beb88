// Package loadbalance picks one of several candidates, e.g. the controller a master hands
// the next job to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal candidates, spread evenly
//   - WeightedRandom:  candidates with different spare capacity
//   - ConsistentHash:  the same key keeps landing on the same candidate
package loadbalance

import (
	"github.com/nuclio/errors"
)

const (
	StrategyRoundRobin     = "round_robin"
	StrategyWeightedRandom = "weighted_random"
	StrategyConsistentHash = "consistent_hash"
)

// ErrNoCandidates is returned when there is nothing to pick from.
var ErrNoCandidates = errors.New("No candidates available")

// Candidate is something that can be picked. Weight only matters to WeightedRandom.
type Candidate struct {
	Name   string
	Weight int
}

// Balancer picks a candidate. Implementations are goroutine-safe.
type Balancer interface {

	// Pick selects one of candidates. Strategies that do not care about keys ignore key.
	Pick(key string, candidates []Candidate) (string, error)

	Name() string
}

// New returns the balancer of the named strategy. An empty name means round robin.
func New(strategy string) (Balancer, error) {
	switch strategy {
	case "", StrategyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case StrategyWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case StrategyConsistentHash:
		return NewConsistentHashBalancer(DefaultReplicas), nil
	default:
		return nil, errors.Errorf("Unknown balancing strategy: %s", strategy)
	}
}
