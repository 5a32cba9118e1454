package core

// identity.go – concrete backing for the opaque sign/verify/encrypt/
// decrypt/hash/random operations the rest of the core treats as an
// external collaborator. Ed25519 signs, X25519 agrees a shared secret for
// the Link handshake, HKDF derives the Token key, and AES-CBC+HMAC-SHA256
// is the Token construction itself.
//
// AES/HMAC/SHA-256 stay on the standard library deliberately: there is no
// ecosystem wrapper with a materially different call shape for these fixed,
// unparameterized primitives, and their correctness is explicitly assumed
// rather than something this module tries to harden.

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"

	"crypto/ed25519"
	"crypto/hmac"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrBadSignature  = errors.New("identity: signature verification failed")
	ErrBadCiphertext = errors.New("identity: ciphertext too short or HMAC mismatch")
)

// Identity is an (X25519, Ed25519) key pair plus derived hashes.
type Identity struct {
	signPub   ed25519.PublicKey
	signPriv  ed25519.PrivateKey
	encPriv   [32]byte
	encPub    [32]byte

	ratchetPriv [32]byte
	ratchetPub  [32]byte
	hasRatchet  bool
}

// NewIdentity generates a fresh key pair.
func NewIdentity() (*Identity, error) {
	sp, ss, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, err
	}
	var priv [32]byte
	if _, err := io.ReadFull(crand.Reader, priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	id := &Identity{signPub: sp, signPriv: ss, encPriv: priv}
	copy(id.encPub[:], pub)
	return id, nil
}

// PublicKeys returns the 64-byte concatenation (encryption pub ∥ signing
// pub) used in announces and link requests.
func (id *Identity) PublicKeys() [64]byte {
	var out [64]byte
	copy(out[:32], id.encPub[:])
	copy(out[32:], id.signPub)
	return out
}

// Sign produces an Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) []byte { return ed25519.Sign(id.signPriv, msg) }

// Validate verifies sig over msg against pub's signing key half.
func Validate(pub [64]byte, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[32:]), msg, sig)
}

// FullHash returns the 32-byte SHA-256 digest of data.
func FullHash(data []byte) [32]byte { return sha256.Sum256(data) }

// TruncatedHash returns the first 16 bytes of FullHash.
func TruncatedHash(data []byte) [16]byte {
	h := FullHash(data)
	var t [16]byte
	copy(t[:], h[:16])
	return t
}

// Random returns n cryptographically random bytes.
func Random(n int) []byte {
	b := make([]byte, n)
	_, _ = io.ReadFull(crand.Reader, b)
	return b
}

// ECDH computes the shared secret between our private key and peer's
// 32-byte X25519 public key.
func (id *Identity) ECDH(peerPub [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(id.encPriv[:], peerPub[:])
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// RatchetRotate generates a fresh X25519 ratchet key pair, replacing
// whatever ratchet was current, and returns its public half. The
// ratchet is distinct from the identity's static encryption key: it
// rotates over time so a compromise of one ratchet key doesn't expose
// datagrams encrypted against keys issued before or after it.
func (id *Identity) RatchetRotate() ([32]byte, error) {
	var priv [32]byte
	if _, err := io.ReadFull(crand.Reader, priv[:]); err != nil {
		return [32]byte{}, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, err
	}
	id.ratchetPriv = priv
	copy(id.ratchetPub[:], pub)
	id.hasRatchet = true
	return id.ratchetPub, nil
}

// RatchetGet returns the identity's current ratchet public key, rotating
// a fresh one in on first use.
func (id *Identity) RatchetGet() ([32]byte, error) {
	if !id.hasRatchet {
		return id.RatchetRotate()
	}
	return id.ratchetPub, nil
}

// ratchetECDH agrees a shared secret using priv against peerPub, for
// ratchet-keyed exchanges rather than the identity's static encryption key.
func ratchetECDH(priv, peerPub [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// Token is the AES-CBC + HMAC-SHA256 authenticated-encryption construction
// keyed by HKDF over an ECDH secret. Wire form: iv(16) ∥ ciphertext ∥
// hmac(32), HMAC computed over iv ∥ ciphertext.
type Token struct {
	encKey  [32]byte
	hmacKey [32]byte
}

// DeriveToken runs HKDF-SHA256 over the ECDH secret to produce the Token's
// encryption and authentication sub-keys.
func DeriveToken(secret [32]byte, salt, info []byte) (*Token, error) {
	r := hkdf.New(sha256.New, secret[:], salt, info)
	var material [64]byte
	if _, err := io.ReadFull(r, material[:]); err != nil {
		return nil, err
	}
	t := &Token{}
	copy(t.encKey[:], material[:32])
	copy(t.hmacKey[:], material[32:])
	return t, nil
}

// Encrypt produces iv ∥ AES-CBC(plaintext, PKCS7) ∥ HMAC-SHA256(iv∥ct).
func (t *Token) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(t.encKey[:])
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv := Random(block.BlockSize())
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := hmac.New(sha256.New, t.hmacKey[:])
	mac.Write(iv)
	mac.Write(ct)
	tag := mac.Sum(nil)

	out := make([]byte, 0, len(iv)+len(ct)+len(tag))
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

// Decrypt verifies the HMAC tag and decrypts the CBC ciphertext, stripping
// PKCS7 padding.
func (t *Token) Decrypt(wire []byte) ([]byte, error) {
	block, err := aes.NewCipher(t.encKey[:])
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(wire) < bs+sha256.Size {
		return nil, ErrBadCiphertext
	}
	iv := wire[:bs]
	ct := wire[bs : len(wire)-sha256.Size]
	tag := wire[len(wire)-sha256.Size:]
	if len(ct)%bs != 0 || len(ct) == 0 {
		return nil, ErrBadCiphertext
	}

	mac := hmac.New(sha256.New, t.hmacKey[:])
	mac.Write(iv)
	mac.Write(ct)
	want := mac.Sum(nil)
	if subtle.ConstantTimeCompare(want, tag) != 1 {
		return nil, ErrBadCiphertext
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt)
}

func pkcs7Pad(data []byte, bs int) []byte {
	padLen := bs - len(data)%bs
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadCiphertext
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrBadCiphertext
	}
	return data[:len(data)-padLen], nil
}

// MarshalIdentity encodes the identity's private key material (Ed25519
// signing key ∥ X25519 encryption scalar) for persistence. The signing
// and encryption public keys, and the ratchet, are not persisted: the
// former are derived on load, and the latter is meant to rotate fresh
// per process lifetime.
func (id *Identity) MarshalIdentity() []byte {
	out := make([]byte, 0, len(id.signPriv)+32)
	out = append(out, id.signPriv...)
	out = append(out, id.encPriv[:]...)
	return out
}

// UnmarshalIdentity reconstructs an Identity from MarshalIdentity's output.
func UnmarshalIdentity(raw []byte) (*Identity, error) {
	if len(raw) != ed25519.PrivateKeySize+32 {
		return nil, errors.New("identity: malformed persisted identity")
	}
	signPriv := ed25519.PrivateKey(append([]byte(nil), raw[:ed25519.PrivateKeySize]...))
	var encPriv [32]byte
	copy(encPriv[:], raw[ed25519.PrivateKeySize:])
	pub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	id := &Identity{signPub: signPriv.Public().(ed25519.PublicKey), signPriv: signPriv, encPriv: encPriv}
	copy(id.encPub[:], pub)
	return id, nil
}

// encodeTimestamp40 packs a Unix-second timestamp into 5 big-endian bytes,
// matching the announce random-blob's trailing emission-timestamp field.
func encodeTimestamp40(t int64) [5]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t))
	var out [5]byte
	copy(out[:], buf[3:8])
	return out
}

func decodeTimestamp40(b [5]byte) int64 {
	var buf [8]byte
	copy(buf[3:8], b[:])
	return int64(binary.BigEndian.Uint64(buf[:]))
}
