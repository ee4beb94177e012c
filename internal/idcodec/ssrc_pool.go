package idcodec

import (
	"fmt"
	"math/rand"
	"sync"
)

// SSRCPool hands out per-domain sequence numbers in [1,9999], matching the
// reference cache's ssrc_sn_get/ssrc_sn_set: a random free slot is drawn on
// acquire (rather than the lowest free slot) so that a crashed node
// restarting from an empty pool does not immediately collide with numbers
// still live on other nodes, and a released slot returns to circulation for
// reuse. Backed by a slice for O(1) random draw instead of iterating a map.
type SSRCPool struct {
	mu    sync.Mutex
	free  []uint16
	index map[uint16]int // value -> position in free, for O(1) Release
}

// NewSSRCPool returns a pool pre-populated with every sequence in [1,9999].
func NewSSRCPool() *SSRCPool {
	p := &SSRCPool{
		free:  make([]uint16, 9999),
		index: make(map[uint16]int, 9999),
	}
	for i := range p.free {
		v := uint16(i + 1)
		p.free[i] = v
		p.index[v] = i
	}
	return p
}

// Acquire draws and removes a random free sequence number. Returns
// (0, false) if the pool is exhausted.
func (p *SSRCPool) Acquire() (uint16, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return 0, false
	}
	i := rand.Intn(n)
	v := p.free[i]
	p.removeAt(i)
	return v, true
}

// Release returns seq to the pool. Returns false if seq is out of range or
// already free (double-release).
func (p *SSRCPool) Release(seq uint16) bool {
	if seq == 0 || seq > 9999 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, already := p.index[seq]; already {
		return false
	}
	p.index[seq] = len(p.free)
	p.free = append(p.free, seq)
	return true
}

// Free reports the number of sequence numbers currently available.
func (p *SSRCPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// removeAt swaps the element at i with the last element and shrinks the
// slice, keeping index consistent in O(1).
func (p *SSRCPool) removeAt(i int) {
	removed := p.free[i]
	last := len(p.free) - 1
	if i != last {
		moved := p.free[last]
		p.free[i] = moved
		p.index[moved] = i
	}
	p.free = p.free[:last]
	delete(p.index, removed)
}

// String-typed helpers operate directly on the domain-composed SSRC values
// used by the stream registry, so callers don't have to round-trip through
// SSRCSequence themselves.

// AcquireSSRC draws a free sequence and composes it into a full 10-digit
// SSRC for domainID.
func (p *SSRCPool) AcquireSSRC(domainID string, live bool) (string, error) {
	seq, ok := p.Acquire()
	if !ok {
		return "", fmt.Errorf("idcodec: ssrc pool exhausted")
	}
	ssrc, err := BuildSSRC(domainID, seq, live)
	if err != nil {
		p.Release(seq)
		return "", err
	}
	return ssrc, nil
}

// ReleaseSSRC extracts the sequence number from a composed SSRC and returns
// it to the pool.
func (p *SSRCPool) ReleaseSSRC(ssrc string) error {
	seq, err := SSRCSequence(ssrc)
	if err != nil {
		return err
	}
	p.Release(seq)
	return nil
}
