package core

// packet.go – wire packet codec (pack/unpack/hash/prove).
//
// Wire layout, big-endian throughout:
//
//	byte 0   flags: HT:1 PT:2 TT:2 DT:2 (reserved:1)
//	byte 1   hops (0-127)
//	HEADER_2 only: 16-byte transport id
//	          16-byte destination hash
//	1 byte   packet context
//	N bytes  payload
//
// The flags byte packs header type, packet type, transport type and
// destination type; the context code gets its own byte because its value
// space (KEEPALIVE, LRPROOF, RESOURCE*, PATH_RESPONSE, CHANNEL,
// CACHE_REQUEST, ...) does not fit two bits.

import (
	"crypto/sha256"
	"errors"
)

type HeaderType byte

const (
	Header1 HeaderType = 0
	Header2 HeaderType = 1
)

type PacketType byte

const (
	PacketData PacketType = iota
	PacketAnnounce
	PacketLinkRequest
	PacketProof
)

type TransportType byte

const (
	TransportBroadcast TransportType = iota
	TransportTransport
	TransportRelay
	TransportTunnel
)

type DestType byte

const (
	DestSingle DestType = iota
	DestGroup
	DestPlain
	DestLink
)

type ContextType byte

const (
	CtxNone ContextType = iota
	CtxKeepalive
	CtxLRProof
	CtxResource
	CtxResourceAdv
	CtxResourceReq
	CtxResourceHMU
	CtxResourcePRF
	CtxPathResponse
	CtxChannel
	CtxCacheRequest
	CtxLinkIdentify
	CtxLinkClose
	CtxLinkTimeout
	CtxTunnel
	CtxRequest
	CtxRatchet
)

const (
	destHashSize      = 16
	transportIDSize   = 16
	fullHashSize      = 32
	// HEADER_MINSIZE: flags + hops + dest hash + context byte, no payload.
	headerMinSize = 1 + 1 + destHashSize + 1
)

var ErrShortPacket = errors.New("packet: shorter than HEADER_MINSIZE")

// Packet is an immutable wire value, except for the hop counter and cached
// bookkeeping which mutate in place as the packet moves through the core.
type Packet struct {
	HeaderType    HeaderType
	PacketType    PacketType
	TransportType TransportType
	DestType      DestType
	Context       ContextType
	Hops          byte
	TransportID   [transportIDSize]byte // valid only if HeaderType==Header2
	HasTransport  bool
	Destination   [destHashSize]byte
	Payload       []byte

	AttachedInterface uint32 // arena id of the receiving/sending interface
	Cached            bool
	cachedHash        *[fullHashSize]byte
}

func flagsByte(p *Packet) byte {
	var f byte
	f |= byte(p.HeaderType) << 7
	f |= (byte(p.PacketType) & 0x3) << 5
	f |= (byte(p.TransportType) & 0x3) << 3
	f |= (byte(p.DestType) & 0x3) << 1
	return f
}

func parseFlags(f byte) (HeaderType, PacketType, TransportType, DestType) {
	ht := HeaderType((f >> 7) & 0x1)
	pt := PacketType((f >> 5) & 0x3)
	tt := TransportType((f >> 3) & 0x3)
	dt := DestType((f >> 1) & 0x3)
	return ht, pt, tt, dt
}

// Pack serializes a newly constructed packet for a given destination.
func Pack(dest [destHashSize]byte, payload []byte, pt PacketType, ctx ContextType, ht HeaderType, tt TransportType, dt DestType, transportID *[transportIDSize]byte) *Packet {
	p := &Packet{
		HeaderType:    ht,
		PacketType:    pt,
		TransportType: tt,
		DestType:      dt,
		Context:       ctx,
		Destination:   dest,
		Payload:       payload,
	}
	if ht == Header2 && transportID != nil {
		p.TransportID = *transportID
		p.HasTransport = true
	}
	return p
}

// Marshal renders the packet to wire bytes.
func (p *Packet) Marshal() []byte {
	size := 2 + destHashSize + 1 + len(p.Payload)
	if p.HeaderType == Header2 {
		size += transportIDSize
	}
	out := make([]byte, 0, size)
	out = append(out, flagsByte(p), p.Hops)
	if p.HeaderType == Header2 {
		out = append(out, p.TransportID[:]...)
	}
	out = append(out, p.Destination[:]...)
	out = append(out, byte(p.Context))
	out = append(out, p.Payload...)
	return out
}

// Unpack parses raw wire bytes into a Packet, rejecting malformed input.
func Unpack(raw []byte) (*Packet, error) {
	if len(raw) < headerMinSize {
		return nil, ErrShortPacket
	}
	ht, pt, tt, dt := parseFlags(raw[0])
	p := &Packet{HeaderType: ht, PacketType: pt, TransportType: tt, DestType: dt, Hops: raw[1]}
	off := 2
	if ht == Header2 {
		if len(raw) < off+transportIDSize+destHashSize+1 {
			return nil, ErrShortPacket
		}
		copy(p.TransportID[:], raw[off:off+transportIDSize])
		p.HasTransport = true
		off += transportIDSize
	}
	copy(p.Destination[:], raw[off:off+destHashSize])
	off += destHashSize
	p.Context = ContextType(raw[off])
	off++
	p.Payload = append([]byte(nil), raw[off:]...)
	return p, nil
}

// canonicalPrefix returns the bytes the packet hash is computed over:
// flags with the hop count and cached bits excluded, destination, context
// and payload — but never the mutable hop counter nor TransportID, since
// a relay rewrites TransportID per next-hop and the hash must stay stable
// across hops for duplicate suppression to work.
func (p *Packet) canonicalPrefix() []byte {
	buf := make([]byte, 0, 2+destHashSize+1+len(p.Payload))
	buf = append(buf, flagsByte(p))
	buf = append(buf, p.Destination[:]...)
	buf = append(buf, byte(p.Context))
	buf = append(buf, p.Payload...)
	return buf
}

// Hash computes (and caches) the packet's full hash.
func (p *Packet) Hash() [fullHashSize]byte {
	if p.cachedHash != nil {
		return *p.cachedHash
	}
	h := sha256.Sum256(p.canonicalPrefix())
	p.cachedHash = &h
	return h
}

// TruncatedHash returns the first 16 bytes of Hash, used as a table key.
func (p *Packet) TruncatedHash() [16]byte {
	full := p.Hash()
	var t [16]byte
	copy(t[:], full[:16])
	return t
}

// IncrementHop bumps the hop counter on forward. Packets received through a
// declared local-shared-instance proxy get their hop count decremented
// right back, so the increment performed at receive time is invisible to
// the client (see S6/forwarding-hop invariant).
func (p *Packet) IncrementHop() {
	if p.Hops < 127 {
		p.Hops++
	}
}

func (p *Packet) DecrementHop() {
	if p.Hops > 0 {
		p.Hops--
	}
}

// Prove builds a PROOF packet signed over target's hash using id.
func Prove(id *Identity, target *Packet) *Packet {
	h := target.Hash()
	sig := id.Sign(h[:])
	payload := append(append([]byte{}, h[:]...), sig...)
	return Pack(target.Destination, payload, PacketProof, CtxNone, Header1, TransportBroadcast, target.DestType, nil)
}
