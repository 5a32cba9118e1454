package core

import (
	"bytes"
	"testing"
)

func TestIdentitySignVerify(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	msg := []byte("the lazy dog jumps")
	sig := id.Sign(msg)
	pub := id.PublicKeys()

	if !Validate(pub, msg, sig) {
		t.Fatal("valid signature failed to verify")
	}
	if Validate(pub, []byte("tampered"), sig) {
		t.Fatal("signature should not verify against a different message")
	}
}

func TestIdentityECDHAgreement(t *testing.T) {
	a, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity a: %v", err)
	}
	b, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity b: %v", err)
	}

	aPub := a.PublicKeys()
	bPub := b.PublicKeys()
	var aEncPub, bEncPub [32]byte
	copy(aEncPub[:], aPub[:32])
	copy(bEncPub[:], bPub[:32])

	secretAB, err := a.ECDH(bEncPub)
	if err != nil {
		t.Fatalf("a.ECDH: %v", err)
	}
	secretBA, err := b.ECDH(aEncPub)
	if err != nil {
		t.Fatalf("b.ECDH: %v", err)
	}
	if secretAB != secretBA {
		t.Fatal("ECDH shared secrets should agree")
	}
}

func TestFullAndTruncatedHash(t *testing.T) {
	data := []byte("reticula")
	full := FullHash(data)
	trunc := TruncatedHash(data)
	if !bytes.Equal(trunc[:], full[:16]) {
		t.Fatal("TruncatedHash should be the first 16 bytes of FullHash")
	}
}

func TestRandomProducesRequestedLength(t *testing.T) {
	r := Random(24)
	if len(r) != 24 {
		t.Fatalf("Random(24) length = %d, want 24", len(r))
	}
}

func TestTokenEncryptDecryptRoundTrip(t *testing.T) {
	var secret [32]byte
	copy(secret[:], bytes.Repeat([]byte{0x42}, 32))

	tok, err := DeriveToken(secret, []byte("salt"), []byte("link handshake"))
	if err != nil {
		t.Fatalf("DeriveToken: %v", err)
	}

	plaintext := []byte("a message longer than one AES block to exercise padding")
	wire, err := tok.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := tok.Decrypt(wire)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestTokenDecryptRejectsTamperedCiphertext(t *testing.T) {
	var secret [32]byte
	copy(secret[:], bytes.Repeat([]byte{0x7}, 32))
	tok, err := DeriveToken(secret, nil, nil)
	if err != nil {
		t.Fatalf("DeriveToken: %v", err)
	}

	wire, err := tok.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	wire[len(wire)-1] ^= 0xff

	if _, err := tok.Decrypt(wire); err != ErrBadCiphertext {
		t.Fatalf("Decrypt of tampered wire = %v, want ErrBadCiphertext", err)
	}
}

func TestTokenDecryptRejectsShortWire(t *testing.T) {
	var secret [32]byte
	tok, err := DeriveToken(secret, nil, nil)
	if err != nil {
		t.Fatalf("DeriveToken: %v", err)
	}
	if _, err := tok.Decrypt([]byte{1, 2, 3}); err != ErrBadCiphertext {
		t.Fatalf("Decrypt of short wire = %v, want ErrBadCiphertext", err)
	}
}

func TestDifferentSecretsProduceDifferentTokens(t *testing.T) {
	var s1, s2 [32]byte
	copy(s1[:], bytes.Repeat([]byte{0x1}, 32))
	copy(s2[:], bytes.Repeat([]byte{0x2}, 32))

	t1, err := DeriveToken(s1, nil, nil)
	if err != nil {
		t.Fatalf("DeriveToken 1: %v", err)
	}
	t2, err := DeriveToken(s2, nil, nil)
	if err != nil {
		t.Fatalf("DeriveToken 2: %v", err)
	}
	if t1.encKey == t2.encKey {
		t.Fatal("different secrets should derive different encryption keys")
	}
}

func TestTimestamp40RoundTrip(t *testing.T) {
	cases := []int64{0, 1, 1234567890, 1<<40 - 1}
	for _, ts := range cases {
		enc := encodeTimestamp40(ts)
		got := decodeTimestamp40(enc)
		if got != ts {
			t.Errorf("timestamp round trip: got %d, want %d", got, ts)
		}
	}
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31} {
		data := bytes.Repeat([]byte{0x5}, n)
		padded := pkcs7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("padded length %d not a multiple of block size", len(padded))
		}
		unpadded, err := pkcs7Unpad(padded)
		if err != nil {
			t.Fatalf("pkcs7Unpad: %v", err)
		}
		if !bytes.Equal(unpadded, data) {
			t.Fatalf("unpad mismatch for n=%d: got %v want %v", n, unpadded, data)
		}
	}
}
