package core

// buffer.go – reference-counted, copy-on-write byte buffer.
//
// A Buffer is the universal payload container passed between the packet
// codec, transport, link, channel and resource layers. It is backed by a
// slice drawn from the tiered pool in bufferpool.go whenever possible; an
// empty Buffer (len==0) is distinguished from an absent one (nil *Buffer).

import (
	"bytes"
	"encoding/hex"
	"sync/atomic"
)

// Buffer is a shared byte sequence with copy-on-write semantics. Buffers are
// not safe for concurrent mutation from two goroutines; sharing is meant to
// avoid copies on the single-threaded core path, not to provide concurrent
// access.
type Buffer struct {
	data  []byte
	refs  *int32
	tier  int // tier index this backing array came from, or tierNone
	pool  *BufferPool
}

const tierNone = -1

// NewBuffer constructs an empty buffer not drawn from any pool.
func NewBuffer() *Buffer {
	r := int32(1)
	return &Buffer{data: nil, refs: &r, tier: tierNone}
}

// NewBufferFromSlice copies src into a freshly acquired buffer, pulling
// backing storage from pool if non-nil and large enough.
func NewBufferFromSlice(pool *BufferPool, src []byte) *Buffer {
	b := acquire(pool, len(src))
	b.data = append(b.data[:0], src...)
	return b
}

func acquire(pool *BufferPool, n int) *Buffer {
	r := int32(1)
	if pool == nil {
		return &Buffer{data: make([]byte, 0, n), refs: &r, tier: tierNone}
	}
	tier, backing := pool.get(n)
	if tier == tierNone {
		return &Buffer{data: make([]byte, 0, n), refs: &r, tier: tierNone}
	}
	return &Buffer{data: backing[:0], refs: &r, tier: tier, pool: pool}
}

// Len returns the number of bytes held.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// At returns the byte at index i.
func (b *Buffer) At(i int) byte { return b.data[i] }

// Bytes exposes the underlying slice read-only; callers must not retain and
// mutate it across a write operation on this Buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Slice returns a cheap, sharing sub-view over [lo,hi).
func (b *Buffer) Slice(lo, hi int) *Buffer {
	atomic.AddInt32(b.refs, 1)
	return &Buffer{data: b.data[lo:hi], refs: b.refs, tier: b.tier, pool: b.pool}
}

// Mid, Left and Right are convenience sub-slices mirroring the wire-format
// conventions used across the packet/channel/resource codecs.
func (b *Buffer) Mid(off, n int) *Buffer { return b.Slice(off, off+n) }
func (b *Buffer) Left(n int) *Buffer     { return b.Slice(0, n) }
func (b *Buffer) Right(off int) *Buffer  { return b.Slice(off, b.Len()) }

// ensureExclusive clones the backing store if more than one sharer holds it.
// Called before any mutating operation.
func (b *Buffer) ensureExclusive(extra int) {
	if atomic.LoadInt32(b.refs) <= 1 {
		return
	}
	atomic.AddInt32(b.refs, -1)
	nb := acquire(b.pool, len(b.data)+extra)
	nb.data = append(nb.data[:0], b.data...)
	*b = *nb
}

// AppendByte appends a single byte, cloning on write if shared.
func (b *Buffer) AppendByte(c byte) {
	b.ensureExclusive(1)
	b.data = append(b.data, c)
}

// AppendSlice appends a slice of bytes, cloning on write if shared.
func (b *Buffer) AppendSlice(s []byte) {
	b.ensureExclusive(len(s))
	b.data = append(b.data, s...)
}

// Equal reports byte-wise equality.
func (b *Buffer) Equal(o *Buffer) bool { return bytes.Equal(b.data, o.data) }

// Compare returns a lexicographic ordering, mirroring bytes.Compare.
func (b *Buffer) Compare(o *Buffer) int { return bytes.Compare(b.data, o.data) }

// Hex hex-encodes the buffer contents.
func (b *Buffer) Hex() string { return hex.EncodeToString(b.data) }

// DecodeHex returns a new Buffer holding the decoding of s.
func DecodeHex(pool *BufferPool, s string) (*Buffer, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return NewBufferFromSlice(pool, raw), nil
}

// Release returns the backing store to its tier if the last sharer is
// dropping it. Safe to call multiple times; only the first call on a given
// handle drops its reference.
func (b *Buffer) Release() {
	if b == nil || b.refs == nil {
		return
	}
	refs := b.refs
	b.refs = nil
	if atomic.AddInt32(refs, -1) > 0 {
		return
	}
	if b.tier != tierNone && b.pool != nil {
		b.pool.put(b.tier, b.data)
	}
	b.data = nil
}

// Valid reports whether the buffer is a usable sentinel (acquisition never
// returns nil; a failed heap fallback is represented by data==nil with a
// refs pointer of nil, which Valid rejects).
func (b *Buffer) Valid() bool { return b != nil && b.refs != nil }
