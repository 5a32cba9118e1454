package core

import "testing"

func newTestContext(t *testing.T) *Context {
	t.Helper()
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return NewContext(ProfileConstrained, id, nil)
}

func TestNewDestinationHashIsDeterministic(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	a := NewDestination(id, "app", []string{"aspect1", "aspect2"}, DirIn, DestKindSingle)
	b := NewDestination(id, "app", []string{"aspect1", "aspect2"}, DirIn, DestKindSingle)
	if a.Hash != b.Hash {
		t.Fatal("identical identity/app/aspects should hash identically")
	}

	c := NewDestination(id, "app", []string{"aspect1", "different"}, DirIn, DestKindSingle)
	if a.Hash == c.Hash {
		t.Fatal("different aspects should produce a different hash")
	}
}

func TestRegisterDestinationRejectsDuplicate(t *testing.T) {
	ctx := newTestContext(t)
	d := NewDestination(ctx.Identity, "app", nil, DirIn, DestKindSingle)

	if err := ctx.Transport.RegisterDestination(d); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := ctx.Transport.RegisterDestination(d); err != ErrAlreadyRegistered {
		t.Fatalf("second registration err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestAddRequestHandlerBounded(t *testing.T) {
	id, _ := NewIdentity()
	d := NewDestination(id, "app", nil, DirIn, DestKindSingle)
	for i := 0; i < maxRequestHandlers; i++ {
		if err := d.AddRequestHandler(func([]byte) {}); err != nil {
			t.Fatalf("handler %d: %v", i, err)
		}
	}
	if err := d.AddRequestHandler(func([]byte) {}); err != ErrTooManyHandlers {
		t.Fatalf("handler beyond capacity err = %v, want ErrTooManyHandlers", err)
	}
}

func TestAddPathResponseSlotBounded(t *testing.T) {
	id, _ := NewIdentity()
	d := NewDestination(id, "app", nil, DirIn, DestKindSingle)
	for i := 0; i < maxPathResponseSlots; i++ {
		if err := d.AddPathResponseSlot(func(DestHash) {}); err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
	}
	if err := d.AddPathResponseSlot(func(DestHash) {}); err != ErrTooManyHandlers {
		t.Fatalf("slot beyond capacity err = %v, want ErrTooManyHandlers", err)
	}
}

func TestDestinationAnnounceIsSignedAndTargeted(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	d := NewDestination(id, "app", []string{"a"}, DirOut, DestKindSingle)

	pkt := d.Announce([]byte("app-data"))
	if pkt.PacketType != PacketAnnounce {
		t.Fatalf("packet type = %v, want PacketAnnounce", pkt.PacketType)
	}
	if pkt.Destination != d.Hash {
		t.Fatal("announce packet should target the destination's own hash")
	}

	pub := id.PublicKeys()
	nameHash := TruncatedHash([]byte("app"))
	if string(pkt.Payload[:32]) != string(pub[:32]) {
		t.Fatal("announce payload should lead with the encryption public key")
	}
	if string(pkt.Payload[32:42]) != string(nameHash[:10]) {
		t.Fatal("announce payload should carry the app name hash next")
	}
}

func TestHandleProofPolicy(t *testing.T) {
	id, _ := NewIdentity()
	d := NewDestination(id, "app", nil, DirIn, DestKindSingle)

	d.Proof = ProveNone
	if d.HandleProofPolicy(&Packet{}) {
		t.Fatal("ProveNone should never request a proof")
	}

	d.Proof = ProveAll
	if !d.HandleProofPolicy(&Packet{}) {
		t.Fatal("ProveAll should always request a proof")
	}

	d.Proof = ProveApp
	d.OnProofRequested = func(*Packet) bool { return true }
	if !d.HandleProofPolicy(&Packet{}) {
		t.Fatal("ProveApp should defer to OnProofRequested")
	}
	d.OnProofRequested = nil
	if d.HandleProofPolicy(&Packet{}) {
		t.Fatal("ProveApp with no callback registered should default to false")
	}
}

func TestRatchetRotateKeepsPriorKeyDecryptable(t *testing.T) {
	id, _ := NewIdentity()
	d := NewDestination(id, "app", nil, DirIn, DestKindSingle)

	oldPub, err := d.CurrentRatchet()
	if err != nil {
		t.Fatalf("CurrentRatchet: %v", err)
	}

	pkt, err := BuildRatchetDatagram(d.Hash, oldPub, []byte("hello"))
	if err != nil {
		t.Fatalf("BuildRatchetDatagram: %v", err)
	}

	newPub, err := d.RotateRatchet()
	if err != nil {
		t.Fatalf("RotateRatchet: %v", err)
	}
	if newPub == oldPub {
		t.Fatal("RotateRatchet should replace the current ratchet key")
	}

	if len(pkt.Payload) < 32 {
		t.Fatal("ratchet datagram payload too short")
	}
	var senderEphemeral [32]byte
	copy(senderEphemeral[:], pkt.Payload[:32])
	pt, err := d.DecryptFromRatchet(senderEphemeral, pkt.Payload[32:])
	if err != nil {
		t.Fatalf("a datagram encrypted against the retired ratchet key should still decrypt: %v", err)
	}
	if string(pt) != "hello" {
		t.Fatalf("decrypted payload = %q, want %q", pt, "hello")
	}
}

func TestDecryptFromRatchetRejectsWrongKey(t *testing.T) {
	idA, _ := NewIdentity()
	a := NewDestination(idA, "app", nil, DirIn, DestKindSingle)
	idB, _ := NewIdentity()
	b := NewDestination(idB, "app", nil, DirIn, DestKindSingle)

	bPub, err := b.CurrentRatchet()
	if err != nil {
		t.Fatalf("CurrentRatchet: %v", err)
	}
	pkt, err := BuildRatchetDatagram(b.Hash, bPub, []byte("hello"))
	if err != nil {
		t.Fatalf("BuildRatchetDatagram: %v", err)
	}
	var senderEphemeral [32]byte
	copy(senderEphemeral[:], pkt.Payload[:32])
	if _, err := a.DecryptFromRatchet(senderEphemeral, pkt.Payload[32:]); err == nil {
		t.Fatal("decrypting with the wrong destination's ratchet key should fail")
	}
}

func TestDestTypeForKind(t *testing.T) {
	cases := map[DestinationType]DestType{
		DestKindSingle: DestSingle,
		DestKindGroup:  DestGroup,
		DestKindPlain:  DestPlain,
	}
	for kind, want := range cases {
		if got := destTypeForKind(kind); got != want {
			t.Errorf("destTypeForKind(%v) = %v, want %v", kind, got, want)
		}
	}
}
