package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer cycles through the candidates in order.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(key string, candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}
	index := (b.counter.Add(1) - 1) % uint64(len(candidates))
	return candidates[index].Name, nil
}

func (b *RoundRobinBalancer) Name() string {
	return StrategyRoundRobin
}
