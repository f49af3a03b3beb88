package loadbalance

import (
	"math/rand/v2"
)

// WeightedRandomBalancer picks a candidate with probability proportional to its weight.
// Candidates weighing zero or less are never picked, unless all of them are.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(key string, candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}

	totalWeight := 0
	for _, candidate := range candidates {
		if candidate.Weight > 0 {
			totalWeight += candidate.Weight
		}
	}
	if totalWeight == 0 {
		return candidates[rand.IntN(len(candidates))].Name, nil
	}

	r := rand.IntN(totalWeight)
	for _, candidate := range candidates {
		if candidate.Weight <= 0 {
			continue
		}
		r -= candidate.Weight
		if r < 0 {
			return candidate.Name, nil
		}
	}

	// unreachable while weights stay positive
	return candidates[len(candidates)-1].Name, nil
}

func (b *WeightedRandomBalancer) Name() string {
	return StrategyWeightedRandom
}
