package core

import (
	"bytes"
	"testing"
)

func TestPackUnpackRoundTripHeader1(t *testing.T) {
	var dest [destHashSize]byte
	copy(dest[:], bytes.Repeat([]byte{0xaa}, destHashSize))
	payload := []byte("hello mesh")

	p := Pack(dest, payload, PacketData, CtxNone, Header1, TransportBroadcast, DestSingle, nil)
	wire := p.Marshal()

	got, err := Unpack(wire)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.HeaderType != Header1 || got.PacketType != PacketData || got.TransportType != TransportBroadcast || got.DestType != DestSingle {
		t.Fatalf("unexpected header fields: %+v", got)
	}
	if got.Destination != dest {
		t.Fatalf("destination mismatch: got %x want %x", got.Destination, dest)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, payload)
	}
	if got.HasTransport {
		t.Fatal("header 1 packet should not carry a transport id")
	}
}

func TestPackUnpackRoundTripHeader2(t *testing.T) {
	var dest [destHashSize]byte
	var transportID [transportIDSize]byte
	copy(transportID[:], bytes.Repeat([]byte{0x11}, transportIDSize))

	p := Pack(dest, []byte("payload"), PacketAnnounce, CtxTunnel, Header2, TransportTransport, DestGroup, &transportID)
	wire := p.Marshal()

	got, err := Unpack(wire)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !got.HasTransport {
		t.Fatal("header 2 packet should carry a transport id")
	}
	if got.TransportID != transportID {
		t.Fatalf("transport id mismatch: got %x want %x", got.TransportID, transportID)
	}
	if got.Context != CtxTunnel {
		t.Fatalf("context mismatch: got %v want %v", got.Context, CtxTunnel)
	}
}

func TestUnpackRejectsShortPacket(t *testing.T) {
	if _, err := Unpack(nil); err != ErrShortPacket {
		t.Fatalf("Unpack(nil) err = %v, want ErrShortPacket", err)
	}
	if _, err := Unpack([]byte{0x00, 0x00}); err != ErrShortPacket {
		t.Fatal("Unpack of a too-short buffer should reject")
	}
}

func TestPacketHopCounter(t *testing.T) {
	p := &Packet{Hops: 0}
	p.IncrementHop()
	if p.Hops != 1 {
		t.Fatalf("Hops after increment = %d, want 1", p.Hops)
	}
	p.DecrementHop()
	if p.Hops != 0 {
		t.Fatalf("Hops after decrement = %d, want 0", p.Hops)
	}
	p.DecrementHop()
	if p.Hops != 0 {
		t.Fatal("decrementing below zero should clamp at zero")
	}

	p.Hops = 127
	p.IncrementHop()
	if p.Hops != 127 {
		t.Fatalf("hop counter should clamp at 127, got %d", p.Hops)
	}
}

func TestPacketHashStableAndExcludesHops(t *testing.T) {
	var dest [destHashSize]byte
	p := Pack(dest, []byte("x"), PacketData, CtxNone, Header1, TransportBroadcast, DestSingle, nil)
	h1 := p.Hash()
	h2 := p.Hash()
	if h1 != h2 {
		t.Fatal("Hash should be cached and stable across calls")
	}

	p.Hops = 5
	h3 := p.Hash()
	if h1 != h3 {
		t.Fatal("Hash should not change after mutating Hops (cached value returned)")
	}

	fresh := Pack(dest, []byte("x"), PacketData, CtxNone, Header1, TransportBroadcast, DestSingle, nil)
	fresh.Hops = 5
	if fresh.Hash() != h1 {
		t.Fatal("a packet differing only in Hops should hash identically")
	}
}

func TestPacketHashDiffersOnPayload(t *testing.T) {
	var dest [destHashSize]byte
	a := Pack(dest, []byte("a"), PacketData, CtxNone, Header1, TransportBroadcast, DestSingle, nil)
	b := Pack(dest, []byte("b"), PacketData, CtxNone, Header1, TransportBroadcast, DestSingle, nil)
	if a.Hash() == b.Hash() {
		t.Fatal("different payloads should hash differently")
	}
}

func TestTruncatedHashIsHashPrefix(t *testing.T) {
	var dest [destHashSize]byte
	p := Pack(dest, []byte("payload"), PacketData, CtxNone, Header1, TransportBroadcast, DestSingle, nil)
	full := p.Hash()
	trunc := p.TruncatedHash()
	if !bytes.Equal(trunc[:], full[:16]) {
		t.Fatal("TruncatedHash should be the first 16 bytes of Hash")
	}
}

func TestProveSignsTargetHash(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	var dest [destHashSize]byte
	target := Pack(dest, []byte("payload"), PacketData, CtxNone, Header1, TransportBroadcast, DestSingle, nil)

	proof := Prove(id, target)
	if proof.PacketType != PacketProof {
		t.Fatalf("proof packet type = %v, want PacketProof", proof.PacketType)
	}

	h := target.Hash()
	if !bytes.Equal(proof.Payload[:len(h)], h[:]) {
		t.Fatal("proof payload should lead with the target's hash")
	}
	sig := proof.Payload[len(h):]
	pub := id.PublicKeys()
	if !Validate(pub, h[:], sig) {
		t.Fatal("proof signature should verify against the signer's public key")
	}
}

func TestFlagsByteRoundTrip(t *testing.T) {
	p := &Packet{HeaderType: Header2, PacketType: PacketLinkRequest, TransportType: TransportTunnel, DestType: DestLink}
	f := flagsByte(p)
	ht, pt, tt, dt := parseFlags(f)
	if ht != Header2 || pt != PacketLinkRequest || tt != TransportTunnel || dt != DestLink {
		t.Fatalf("flags round trip mismatch: got (%v %v %v %v)", ht, pt, tt, dt)
	}
}
