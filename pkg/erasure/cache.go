package erasure

import "sync"

// Cache memoises generator matrices per (k, n) pair. Construction costs a
// k×k inversion, so a receiver shares one Cache across all FEC groups of a
// session; losing a cached entry is only a latency cost, never a
// correctness problem.
type Cache struct {
	field *Field

	mu       sync.Mutex
	matrices map[cacheKey]*Matrix
}

type cacheKey struct{ k, n int }

// NewCache creates a matrix cache over the given field. A nil field selects
// the shared default.
func NewCache(f *Field) *Cache {
	if f == nil {
		f = DefaultField()
	}
	return &Cache{field: f, matrices: make(map[cacheKey]*Matrix)}
}

// Get returns the generator matrix for (k, n), building and retaining it on
// first use.
func (c *Cache) Get(k, n int) (*Matrix, error) {
	key := cacheKey{k, n}

	c.mu.Lock()
	m, ok := c.matrices[key]
	c.mu.Unlock()
	if ok {
		return m, nil
	}

	m, err := NewMatrix(c.field, k, n)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if prev, ok := c.matrices[key]; ok {
		m = prev
	} else {
		c.matrices[key] = m
	}
	c.mu.Unlock()
	return m, nil
}
