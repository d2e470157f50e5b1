package placer

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/LeeDigitalWorks/zaprelay/pkg/types"
)

// Placer chooses which storage nodes hold an object and which replica serves
// a read.
type Placer interface {
	// SelectReplicas picks min(n, len(endpoints)) distinct endpoints.
	SelectReplicas(n int) ([]types.Endpoint, error)
	// SelectReplica picks one of replicas to read from.
	SelectReplica(replicas []types.Endpoint) (types.Endpoint, error)
}

// RandomPlacer selects endpoints uniformly at random without replacement.
type RandomPlacer struct {
	mu        sync.Mutex
	endpoints []types.Endpoint
	rng       *rand.Rand
}

// NewRandomPlacer creates a placer over endpoints.
func NewRandomPlacer(endpoints []types.Endpoint) *RandomPlacer {
	return newRandomPlacer(endpoints, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

// NewSeededPlacer is NewRandomPlacer with a fixed seed, for reproducible tests.
func NewSeededPlacer(endpoints []types.Endpoint, seed uint64) *RandomPlacer {
	return newRandomPlacer(endpoints, rand.New(rand.NewPCG(seed, seed)))
}

func newRandomPlacer(endpoints []types.Endpoint, rng *rand.Rand) *RandomPlacer {
	eps := make([]types.Endpoint, len(endpoints))
	copy(eps, endpoints)
	return &RandomPlacer{endpoints: eps, rng: rng}
}

func (p *RandomPlacer) SelectReplicas(n int) ([]types.Endpoint, error) {
	if n <= 0 {
		return nil, fmt.Errorf("replication factor must be positive, got %d", n)
	}
	if len(p.endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}
	n = min(n, len(p.endpoints))

	p.mu.Lock()
	defer p.mu.Unlock()

	// Partial Fisher-Yates over a copy of the index space.
	idx := make([]int, len(p.endpoints))
	for i := range idx {
		idx[i] = i
	}
	out := make([]types.Endpoint, n)
	for i := 0; i < n; i++ {
		j := i + p.rng.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = p.endpoints[idx[i]]
	}
	return out, nil
}

func (p *RandomPlacer) SelectReplica(replicas []types.Endpoint) (types.Endpoint, error) {
	if len(replicas) == 0 {
		return types.Endpoint{}, fmt.Errorf("no replicas available")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return replicas[p.rng.IntN(len(replicas))], nil
}
