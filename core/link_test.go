package core

import "testing"

func TestLinkHandshakeRoundTrip(t *testing.T) {
	initID, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity (initiator): %v", err)
	}
	respID, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity (responder): %v", err)
	}

	var dest DestHash
	copy(dest[:], []byte("destination-hash"))

	initLink, reqPayload, err := NewOutboundLink(initID, dest, 1, 0)
	if err != nil {
		t.Fatalf("NewOutboundLink: %v", err)
	}
	if initLink.State != LinkPending {
		t.Fatalf("outbound link state = %v, want LinkPending", initLink.State)
	}

	respLink, proofPayload, err := AcceptInbound(respID, dest, reqPayload, 0)
	if err != nil {
		t.Fatalf("AcceptInbound: %v", err)
	}
	if respLink.State != LinkActive {
		t.Fatalf("responder link state = %v, want LinkActive", respLink.State)
	}

	if err := initLink.ValidateLRProof(respID, proofPayload, dest); err != nil {
		t.Fatalf("ValidateLRProof: %v", err)
	}
	if initLink.State != LinkActive {
		t.Fatalf("initiator link state = %v, want LinkActive", initLink.State)
	}

	plaintext := []byte("secret session payload")
	ct, err := initLink.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := respLink.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Fatalf("decrypted = %q, want %q", pt, plaintext)
	}
}

func TestValidateLRProofRejectsBadSignature(t *testing.T) {
	initID, _ := NewIdentity()
	respID, _ := NewIdentity()
	attackerID, _ := NewIdentity()

	var dest DestHash
	initLink, reqPayload, err := NewOutboundLink(initID, dest, 0, 0)
	if err != nil {
		t.Fatalf("NewOutboundLink: %v", err)
	}
	_, proofPayload, err := AcceptInbound(respID, dest, reqPayload, 0)
	if err != nil {
		t.Fatalf("AcceptInbound: %v", err)
	}

	if err := initLink.ValidateLRProof(attackerID, proofPayload, dest); err != ErrLinkBadSignature {
		t.Fatalf("ValidateLRProof against wrong identity = %v, want ErrLinkBadSignature", err)
	}
	if initLink.State != LinkClosed {
		t.Fatalf("link state after bad proof = %v, want LinkClosed", initLink.State)
	}
}

func TestAcceptInboundRejectsShortPayload(t *testing.T) {
	respID, _ := NewIdentity()
	var dest DestHash
	if _, _, err := AcceptInbound(respID, dest, []byte("short"), 0); err == nil {
		t.Fatal("AcceptInbound with a short request payload should error")
	}
}

func TestUpdateRTTExponentialMovingAverage(t *testing.T) {
	var dest DestHash
	id, _ := NewIdentity()
	l, _, err := NewOutboundLink(id, dest, 0, 0)
	if err != nil {
		t.Fatalf("NewOutboundLink: %v", err)
	}

	l.UpdateRTT(1.0)
	if l.RTT != 1.0 {
		t.Fatalf("first RTT sample should be assigned directly, got %v", l.RTT)
	}
	l.UpdateRTT(2.0)
	want := 0.7*1.0 + 0.3*2.0
	if l.RTT != want {
		t.Fatalf("RTT EMA = %v, want %v", l.RTT, want)
	}
}

func TestLinkTickTransitionsToStaleThenClosed(t *testing.T) {
	var dest DestHash
	id, _ := NewIdentity()
	l, _, _ := NewOutboundLink(id, dest, 0, 0)
	l.State = LinkActive
	l.LastInbound = 0

	kept := false
	l.tick(int64(keepaliveInterval.Seconds())+1, func() { kept = true })
	if !kept {
		t.Fatal("tick should request a keepalive once silence exceeds the keepalive interval")
	}

	l.tick(int64(staleTime.Seconds())+1, func() {})
	if l.State != LinkStale {
		t.Fatalf("link state = %v, want LinkStale", l.State)
	}

	l.tick(int64(inactivityTimeout.Seconds())+1, func() {})
	if l.State != LinkClosed {
		t.Fatalf("link state = %v, want LinkClosed", l.State)
	}
}

func TestLinkTouchClearsStale(t *testing.T) {
	var dest DestHash
	id, _ := NewIdentity()
	l, _, _ := NewOutboundLink(id, dest, 0, 0)
	l.State = LinkStale
	l.touch()
	if l.State != LinkActive {
		t.Fatalf("touch should clear LinkStale, got %v", l.State)
	}
}

func TestLinkCloseIsIdempotentAndPropagates(t *testing.T) {
	var dest DestHash
	id, _ := NewIdentity()
	l, _, _ := NewOutboundLink(id, dest, 0, 0)
	l.State = LinkActive

	l.Close()
	if l.State != LinkClosed {
		t.Fatalf("state after Close = %v, want LinkClosed", l.State)
	}
	l.Close() // must not panic on a second call
}

func TestEncryptDecryptBeforeHandshakeFails(t *testing.T) {
	var dest DestHash
	id, _ := NewIdentity()
	l, _, _ := NewOutboundLink(id, dest, 0, 0)

	if _, err := l.Encrypt([]byte("x")); err != ErrLinkNotActive {
		t.Fatalf("Encrypt before handshake completes = %v, want ErrLinkNotActive", err)
	}
	if _, err := l.Decrypt([]byte("x")); err != ErrLinkNotActive {
		t.Fatalf("Decrypt before handshake completes = %v, want ErrLinkNotActive", err)
	}
}
