package locator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/najoast/orb/core"
)

// Selector orders resolution candidates according to a reference's
// selection policy. Round-robin state is kept per cache key.
type Selector struct {
	mu sync.Mutex

	// Round robin state
	next map[string]int

	// Random generator
	rand *rand.Rand
}

// NewSelector creates a Selector.
func NewSelector() *Selector {
	return &Selector{
		next: make(map[string]int),
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Order returns the indices 0..n-1 in the order candidates should be tried.
func (s *Selector) Order(policy core.Selection, key string, n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if n < 2 {
		return order
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch policy {
	case core.SelectOrdered:
		// keep directory order
	case core.SelectRoundRobin:
		start := s.next[key] % n
		s.next[key] = start + 1
		rotated := make([]int, 0, n)
		rotated = append(rotated, order[start:]...)
		order = append(rotated, order[:start]...)
	default:
		s.rand.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}
