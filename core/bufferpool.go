package core

// bufferpool.go – tiered slab pool for Buffer backing storage.
//
// A mutex-guarded per-tier stack of reusable []byte backing arrays with a
// Stats() accessor; the key is a capacity tier.

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Tier capacities, smallest first. A request is satisfied by the smallest
// tier whose capacity meets it; nothing above 1024 bytes is pooled.
var tierSizes = [4]int{64, 256, 512, 1024}

// Default slot counts per tier on a constrained target; Hosted profiles
// scale these up (see Profile in context.go).
var defaultTierSlots = [4]int{48, 24, 16, 16}

type tier struct {
	mu    sync.Mutex
	stack [][]byte
}

// BufferPool owns the four capacity tiers plus fallback accounting.
type BufferPool struct {
	tiers    [4]tier
	fallback int64
	fbMu     sync.Mutex

	occupancy *prometheus.GaugeVec
	fallbacks prometheus.Counter
}

// NewBufferPool pre-reserves backing storage for every tier according to
// slots (use defaultTierSlots for the constrained profile).
func NewBufferPool(slots [4]int) *BufferPool {
	p := &BufferPool{}
	for i, sz := range tierSizes {
		n := slots[i]
		p.tiers[i].stack = make([][]byte, 0, n)
		for j := 0; j < n; j++ {
			p.tiers[i].stack = append(p.tiers[i].stack, make([]byte, 0, sz))
		}
	}
	if poolOccupancy != nil {
		p.occupancy = poolOccupancy
		p.fallbacks = poolFallbacks
	}
	return p
}

// get pops the smallest tier whose capacity is ≥ n; returns tierNone and a
// nil slice if no tier fits or the chosen tier's stack is empty (the caller
// falls back to a heap allocation and the fallback counter is incremented).
func (p *BufferPool) get(n int) (int, []byte) {
	for i, sz := range tierSizes {
		if sz < n {
			continue
		}
		t := &p.tiers[i]
		t.mu.Lock()
		top := len(t.stack)
		if top == 0 {
			t.mu.Unlock()
			p.recordFallback(i)
			return tierNone, nil
		}
		backing := t.stack[top-1]
		t.stack = t.stack[:top-1]
		t.mu.Unlock()
		if p.occupancy != nil {
			p.occupancy.WithLabelValues(tierLabel(i)).Set(float64(len(t.stack)))
		}
		return i, backing
	}
	// request exceeds every tier — not a fallback in the logged sense,
	// simply too large to pool.
	return tierNone, nil
}

func (p *BufferPool) recordFallback(tierIdx int) {
	p.fbMu.Lock()
	p.fallback++
	p.fbMu.Unlock()
	if p.fallbacks != nil {
		p.fallbacks.Inc()
	}
	logrus.WithField("tier", tierIdx).Debug("bufferpool: tier exhausted, falling back to heap")
}

// put returns a backing store to its tier. Pushing onto an already-full
// stack (more releases than acquisitions for that tier) indicates a
// programming error and is logged rather than silently dropped.
func (p *BufferPool) put(tierIdx int, b []byte) {
	if tierIdx < 0 || tierIdx >= len(tierSizes) {
		return
	}
	t := &p.tiers[tierIdx]
	t.mu.Lock()
	defer t.mu.Unlock()
	if cap(t.stack) != 0 && len(t.stack) >= cap(t.stack) {
		logrus.WithField("tier", tierIdx).Warn("bufferpool: release beyond tier capacity, possible double-release")
	}
	t.stack = append(t.stack, b[:0])
	if p.occupancy != nil {
		p.occupancy.WithLabelValues(tierLabel(tierIdx)).Set(float64(len(t.stack)))
	}
}

// Stats returns the current free-slot count per tier plus the cumulative
// fallback count, for tests and the status CLI.
func (p *BufferPool) Stats() (free [4]int, fallbacks int64) {
	for i := range p.tiers {
		p.tiers[i].mu.Lock()
		free[i] = len(p.tiers[i].stack)
		p.tiers[i].mu.Unlock()
	}
	p.fbMu.Lock()
	fallbacks = p.fallback
	p.fbMu.Unlock()
	return
}

func tierLabel(i int) string {
	switch i {
	case 0:
		return "64"
	case 1:
		return "256"
	case 2:
		return "512"
	default:
		return "1024"
	}
}
