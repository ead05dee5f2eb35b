package heap

import "fmt"

// ChunkPool is an intrusive doubly linked list of chunks. A chunk is a member
// of at most one pool at a time. Pools are mutated under the heap lock.
type ChunkPool struct {
	name  string
	head  *Chunk
	count int
}

func newChunkPool(name string) ChunkPool {
	return ChunkPool{name: name}
}

// Name returns the pool's name.
func (p *ChunkPool) Name() string { return p.name }

// Len returns the number of chunks in the pool.
func (p *ChunkPool) Len() int { return p.count }

// Head returns the most recently pushed chunk, or nil.
func (p *ChunkPool) Head() *Chunk { return p.head }

// Contains reports whether c is a member of p.
func (p *ChunkPool) Contains(c *Chunk) bool { return c.pool == p }

// Push inserts c at the head.
func (p *ChunkPool) Push(c *Chunk) {
	if c.pool != nil {
		panic(fmt.Errorf("heap: chunk %#x pushed to %s pool while in %s pool", c.Addr(), p.name, c.pool.name))
	}
	c.prev = nil
	c.next = p.head
	if p.head != nil {
		p.head.prev = c
	}
	p.head = c
	c.pool = p
	p.count++
}

// Pop removes and returns the head chunk, or nil.
func (p *ChunkPool) Pop() *Chunk {
	c := p.head
	if c == nil {
		return nil
	}
	p.Remove(c)
	return c
}

// Remove unlinks c from p.
func (p *ChunkPool) Remove(c *Chunk) {
	if c.pool != p {
		panic(fmt.Errorf("heap: removing chunk %#x from %s pool it is not in", c.Addr(), p.name))
	}
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		p.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.prev, c.next, c.pool = nil, nil, nil
	p.count--
}

// Each calls fn for every chunk, head first. fn must not mutate the pool.
func (p *ChunkPool) Each(fn func(*Chunk)) {
	for c := p.head; c != nil; c = c.next {
		fn(c)
	}
}

// TakeAll moves every chunk of other into p, preserving other's order at the head.
func (p *ChunkPool) TakeAll(other *ChunkPool) {
	var chunks []*Chunk
	for c := other.Pop(); c != nil; c = other.Pop() {
		chunks = append(chunks, c)
	}
	for i := len(chunks) - 1; i >= 0; i-- {
		p.Push(chunks[i])
	}
}

// verify checks the list links and count.
func (p *ChunkPool) verify() error {
	n := 0
	var prev *Chunk
	for c := p.head; c != nil; c = c.next {
		if c.pool != p {
			return fmt.Errorf("heap: chunk %#x linked in %s pool but tagged %q", c.Addr(), p.name, poolName(c.pool))
		}
		if c.prev != prev {
			return fmt.Errorf("heap: %s pool back link broken at chunk %#x", p.name, c.Addr())
		}
		prev = c
		n++
	}
	if n != p.count {
		return fmt.Errorf("heap: %s pool counts %d chunks, list has %d", p.name, p.count, n)
	}
	return nil
}

func poolName(p *ChunkPool) string {
	if p == nil {
		return "none"
	}
	return p.name
}
