package loadbalance

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"
)

// DefaultReplicas is the number of virtual nodes per candidate.
const DefaultReplicas = 100

// ConsistentHashBalancer maps keys onto a hash ring of the candidates, so a key keeps
// landing on the same candidate while the candidates stay the same, and only the keys of
// a removed candidate move when one goes away.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	// the ring is rebuilt only when the candidate set changes
	mu        sync.Mutex
	signature string
	ring      []uint32
	nodes     map[uint32]string
}

func NewConsistentHashBalancer(replicas int) *ConsistentHashBalancer {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &ConsistentHashBalancer{
		replicas: replicas,
		nodes:    make(map[uint32]string),
	}
}

// Pick returns the candidate owning key: the first virtual node at or after the key's hash,
// wrapping around the ring.
func (b *ConsistentHashBalancer) Pick(key string, candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rebuild(candidates)

	hash := murmur3.Sum32([]byte(key))
	index := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if index == len(b.ring) {
		index = 0
	}
	return b.nodes[b.ring[index]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return StrategyConsistentHash
}

func (b *ConsistentHashBalancer) rebuild(candidates []Candidate) {
	names := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		names = append(names, candidate.Name)
	}
	sort.Strings(names)

	signature := strings.Join(names, "\x00")
	if signature == b.signature {
		return
	}

	b.signature = signature
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(names)*b.replicas)

	for _, name := range names {
		for i := 0; i < b.replicas; i++ {
			hash := murmur3.Sum32([]byte(name + "#" + strconv.Itoa(i)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = name
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}
