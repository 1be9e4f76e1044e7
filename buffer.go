package dbqueue

import (
	"log/slog"
	"sort"
)

const (
	minBufferSize            = 1 << 10
	maxBufferSize            = 1 << 30
	defaultBufferPoolCeiling = 1 << 20
)

// Buffer is a reusable byte region handed out by a Connection for streaming
// binds. A Buffer stays valid until it is freed back to its Connection or the
// Connection is disposed.
type Buffer struct {
	data   []byte
	size   int
	uses   int
	valid  bool
	pooled bool
}

// Bytes returns the whole region.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Cap returns the capacity of the region.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// IsValid reports whether the region may still be used.
func (b *Buffer) IsValid() bool {
	return b.valid
}

func (b *Buffer) invalidate() {
	b.valid = false
	b.data = nil
}

// bufferPool keeps buffers sorted by ascending capacity. The sum of pooled
// capacities never exceeds ceiling.
type bufferPool struct {
	ceiling int
	total   int
	buffers []*Buffer
	logger  *slog.Logger
}

func newBufferPool(ceiling int, logger *slog.Logger) *bufferPool {
	if ceiling <= 0 {
		ceiling = defaultBufferPoolCeiling
	}
	return &bufferPool{ceiling: ceiling, logger: logger}
}

func bufferSize(minSize int) int {
	size := minBufferSize
	for size < minSize && size < maxBufferSize {
		size <<= 1
	}
	return size
}

func (p *bufferPool) allocate(minSize int) *Buffer {
	size := bufferSize(minSize)

	var found *Buffer
	kept := p.buffers[:0]
	for _, b := range p.buffers {
		if !b.valid {
			p.total -= b.pooledSize()
			continue
		}
		kept = append(kept, b)
		if found == nil && b.uses == 0 && len(b.data) >= size {
			found = b
		}
	}
	for i := len(kept); i < len(p.buffers); i++ {
		p.buffers[i] = nil
	}
	p.buffers = kept

	if found != nil {
		found.uses++
		clear(found.data)
		return found
	}

	b := &Buffer{data: make([]byte, size), size: size, uses: 1, valid: true}
	if p.total+size <= p.ceiling {
		b.pooled = true
		p.total += size
		i := sort.Search(len(p.buffers), func(i int) bool { return len(p.buffers[i].data) >= size })
		p.buffers = append(p.buffers, nil)
		copy(p.buffers[i+1:], p.buffers[i:])
		p.buffers[i] = b
	} else {
		p.logger.Debug("bufferPool: allocating unpooled buffer", "size", size, "pooled", p.total, "ceiling", p.ceiling)
	}
	return b
}

func (b *Buffer) pooledSize() int {
	if !b.pooled {
		return 0
	}
	return b.size
}

func (p *bufferPool) free(b *Buffer) {
	if b == nil {
		return
	}
	if b.uses > 0 {
		b.uses--
	}
	if !b.pooled {
		b.invalidate()
	}
}

// dispose invalidates every pooled buffer. The pool stays usable.
func (p *bufferPool) dispose() int {
	n := len(p.buffers)
	for _, b := range p.buffers {
		if b.uses > 0 {
			p.logger.Warn("bufferPool: disposing buffer still in use", "size", len(b.data))
		}
		b.invalidate()
		b.pooled = false
	}
	p.buffers = nil
	p.total = 0
	return n
}

// BufferPoolStats describes a Connection's buffer pool.
type BufferPoolStats struct {
	Buffers int // pooled buffers
	InUse   int // pooled buffers currently handed out
	Pooled  int // sum of pooled capacities
	Ceiling int
}

func (p *bufferPool) stats() BufferPoolStats {
	s := BufferPoolStats{Pooled: p.total, Ceiling: p.ceiling}
	for _, b := range p.buffers {
		if !b.valid {
			continue
		}
		s.Buffers++
		if b.uses > 0 {
			s.InUse++
		}
	}
	return s
}
