package core

// destination.go – local endpoint registration, announce construction and
// proof policy (C4). The ratchet cache is a bounded LRU; golang-lru
// directly expresses "≤N entries, stalest evicted" without hand-rolled
// ring bookkeeping. Announce replay-blob tracking lives on PathEntry
// (transport_tables.go) instead, since freshness there is judged jointly
// with hop count and emission time, not blob identity alone.

import (
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Direction int

const (
	DirIn Direction = iota
	DirOut
)

type DestinationType int

const (
	DestKindSingle DestinationType = iota
	DestKindGroup
	DestKindPlain
)

type ProofStrategy int

const (
	ProveNone ProofStrategy = iota
	ProveAll
	ProveApp
)

var (
	ErrAlreadyRegistered = errors.New("destination: hash already registered")
	ErrTooManyHandlers   = errors.New("destination: request-handler/path-response slots full")
	ErrNoMatchingRatchet = errors.New("destination: no ratchet key decrypts this datagram")
)

const (
	maxRequestHandlers = 8
	maxPathResponseSlots = 8
	ratchetCacheSize   = 128
)

// Destination is the anchor for inbound packet delivery.
type Destination struct {
	Hash        DestHash
	Identity    *Identity
	AppName     string
	Aspects     []string
	Direction   Direction
	Kind        DestinationType
	Proof       ProofStrategy
	MTU         int
	AcceptsLinks bool

	OnLinkEstablished func(*Link)
	OnPacket          func(payload []byte, pkt *Packet)
	OnProofRequested  func(pkt *Packet) bool

	ratchets *lru.Cache[int64, [32]byte]

	requestHandlers  []func([]byte)
	pathResponseSlots []func(DestHash)
}

// NewDestination computes hash(identity, app_name, aspects...) and builds
// an unregistered Destination value.
func NewDestination(id *Identity, appName string, aspects []string, dir Direction, kind DestinationType) *Destination {
	buf := []byte(appName)
	for _, a := range aspects {
		buf = append(buf, 0)
		buf = append(buf, a...)
	}
	if id != nil {
		pk := id.PublicKeys()
		buf = append(buf, pk[:]...)
	}
	h := TruncatedHash(buf)
	ratchets, _ := lru.New[int64, [32]byte](ratchetCacheSize)
	return &Destination{
		Hash: h, Identity: id, AppName: appName, Aspects: aspects,
		Direction: dir, Kind: kind, Proof: ProveNone,
		ratchets: ratchets,
	}
}

// RegisterDestination adds d to ts.Destinations. Re-registering an existing
// hash returns ErrAlreadyRegistered and keeps the existing entry; it does
// not abort the process.
func (ts *TransportState) RegisterDestination(d *Destination) error {
	if _, ok := ts.Destinations.Get(d.Hash); ok {
		return ErrAlreadyRegistered
	}
	ts.Destinations.PutExplicit(d.Hash, d, nowUnix())
	return nil
}

// AddRequestHandler registers a request-handler slot, bounded at 8.
func (d *Destination) AddRequestHandler(fn func([]byte)) error {
	if len(d.requestHandlers) >= maxRequestHandlers {
		return ErrTooManyHandlers
	}
	d.requestHandlers = append(d.requestHandlers, fn)
	return nil
}

// AddPathResponseSlot registers a path-response callback, bounded at 8.
func (d *Destination) AddPathResponseSlot(fn func(DestHash)) error {
	if len(d.pathResponseSlots) >= maxPathResponseSlots {
		return ErrTooManyHandlers
	}
	d.pathResponseSlots = append(d.pathResponseSlots, fn)
	return nil
}

// Announce constructs an ANNOUNCE packet: public_key(32) ∥ name_hash(10) ∥
// random_blob(10) ∥ signature(64) ∥ app_data. The random blob's trailing
// 5 bytes encode the emission timestamp (open question resolved as
// Unix-seconds, see DESIGN.md).
func (d *Destination) Announce(appData []byte) *Packet {
	pk := d.Identity.PublicKeys()
	nameHash := TruncatedHash([]byte(d.AppName))
	var blob [10]byte
	copy(blob[:5], Random(5))
	ts := encodeTimestamp40(time.Now().Unix())
	copy(blob[5:], ts[:])

	msg := append(append([]byte{}, pk[:32]...), nameHash[:10]...)
	msg = append(msg, blob[:]...)
	msg = append(msg, appData...)
	sig := d.Identity.Sign(msg)

	payload := append([]byte{}, pk[:32]...)
	payload = append(payload, nameHash[:10]...)
	payload = append(payload, blob[:]...)
	payload = append(payload, sig...)
	payload = append(payload, appData...)

	return Pack(d.Hash, payload, PacketAnnounce, CtxNone, Header1, TransportBroadcast, destTypeForKind(d.Kind), nil)
}

func destTypeForKind(k DestinationType) DestType {
	switch k {
	case DestKindGroup:
		return DestGroup
	case DestKindPlain:
		return DestPlain
	default:
		return DestSingle
	}
}

// HandleProofPolicy decides, for an inbound DATA packet, whether to emit a
// PROOF packet immediately (PROVE_ALL), defer to OnProofRequested
// (PROVE_APP), or never (PROVE_NONE).
func (d *Destination) HandleProofPolicy(pkt *Packet) bool {
	switch d.Proof {
	case ProveAll:
		return true
	case ProveApp:
		if d.OnProofRequested != nil {
			return d.OnProofRequested(pkt)
		}
		return false
	default:
		return false
	}
}

// RotateRatchet advances the destination's ratchet key. The previous
// private key, if any, is kept in the ratchet cache (keyed by its
// retirement time) for up to ratchetCacheSize rotations, so a datagram
// encrypted against the stale public key before a peer sees the
// rotation can still be decrypted.
func (d *Destination) RotateRatchet() ([32]byte, error) {
	if d.Identity.hasRatchet {
		d.ratchets.Add(nowUnix(), d.Identity.ratchetPriv)
	}
	return d.Identity.RatchetRotate()
}

// CurrentRatchet returns the destination's current ratchet public key,
// rotating a fresh one in if none exists yet.
func (d *Destination) CurrentRatchet() ([32]byte, error) {
	return d.Identity.RatchetGet()
}

// EncryptToRatchet agrees a one-shot ECDH secret against peerRatchet
// using a fresh ephemeral key pair and returns the ephemeral public key
// alongside the Token ciphertext, for a connectionless, forward-secret
// datagram to a destination with no Link established.
func EncryptToRatchet(peerRatchet [32]byte, destHash DestHash, plaintext []byte) (ephemeralPub [32]byte, ciphertext []byte, err error) {
	eph, err := NewIdentity()
	if err != nil {
		return [32]byte{}, nil, err
	}
	secret, err := eph.ECDH(peerRatchet)
	if err != nil {
		return [32]byte{}, nil, err
	}
	tok, err := DeriveToken(secret, destHash[:], []byte("reticula-ratchet"))
	if err != nil {
		return [32]byte{}, nil, err
	}
	ct, err := tok.Encrypt(plaintext)
	if err != nil {
		return [32]byte{}, nil, err
	}
	return eph.encPub, ct, nil
}

// BuildRatchetDatagram wraps an EncryptToRatchet ciphertext in a
// DATA/CtxRatchet packet addressed to dest.
func BuildRatchetDatagram(dest DestHash, peerRatchet [32]byte, plaintext []byte) (*Packet, error) {
	ephemeralPub, ct, err := EncryptToRatchet(peerRatchet, dest, plaintext)
	if err != nil {
		return nil, err
	}
	payload := append(append([]byte{}, ephemeralPub[:]...), ct...)
	return Pack(dest, payload, PacketData, CtxRatchet, Header1, TransportBroadcast, DestSingle, nil), nil
}

// DecryptFromRatchet reverses EncryptToRatchet: it tries the
// destination's current ratchet private key, then each retired key
// still held in the cache, so a datagram encrypted against a ratchet
// we've since rotated past is still recoverable.
func (d *Destination) DecryptFromRatchet(senderEphemeral [32]byte, ciphertext []byte) ([]byte, error) {
	if d.Identity.hasRatchet {
		if pt, err := decryptWithRatchet(d.Identity.ratchetPriv, senderEphemeral, d.Hash, ciphertext); err == nil {
			return pt, nil
		}
	}
	for _, ts := range d.ratchets.Keys() {
		priv, ok := d.ratchets.Get(ts)
		if !ok {
			continue
		}
		if pt, err := decryptWithRatchet(priv, senderEphemeral, d.Hash, ciphertext); err == nil {
			return pt, nil
		}
	}
	return nil, ErrNoMatchingRatchet
}

func decryptWithRatchet(priv, senderEphemeral [32]byte, destHash DestHash, ciphertext []byte) ([]byte, error) {
	secret, err := ratchetECDH(priv, senderEphemeral)
	if err != nil {
		return nil, err
	}
	tok, err := DeriveToken(secret, destHash[:], []byte("reticula-ratchet"))
	if err != nil {
		return nil, err
	}
	return tok.Decrypt(ciphertext)
}

func nowUnix() int64 { return time.Now().Unix() }
