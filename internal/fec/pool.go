package fec

// Pool is a size-bucketed free list for the fixed-size scratch rows the
// assembler builds decode inputs from. Buckets are keyed by capacity rounded
// up to the next multiple of bucketQuantum and capped at bucketCap entries;
// excess buffers are released to the garbage collector rather than retained.
//
// The pool is owned by the pipeline goroutine and needs no locking; give
// each pipeline its own Pool if several run in parallel.
type Pool struct {
	buckets map[int][][]byte
}

const (
	bucketQuantum = 256
	bucketCap     = 16
)

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{buckets: make(map[int][][]byte)}
}

func roundBucket(n int) int {
	if n <= 0 {
		return bucketQuantum
	}
	return (n + bucketQuantum - 1) / bucketQuantum * bucketQuantum
}

// Get returns a zeroed buffer of the requested length, drawing from the
// matching bucket when one is available.
func (p *Pool) Get(size int) []byte {
	bucket := roundBucket(size)
	free := p.buckets[bucket]
	if len(free) == 0 {
		return make([]byte, size, bucket)
	}
	buf := free[len(free)-1]
	p.buckets[bucket] = free[:len(free)-1]
	buf = buf[:size]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put returns a buffer to its bucket. Buffers whose bucket is already full
// are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < bucketQuantum {
		return
	}
	bucket := cap(buf) / bucketQuantum * bucketQuantum
	free := p.buckets[bucket]
	if len(free) >= bucketCap {
		return
	}
	p.buckets[bucket] = append(free, buf[:0])
}
