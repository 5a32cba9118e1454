package core

// link.go – the session state machine: PENDING -> HANDSHAKE -> ACTIVE ->
// STALE -> CLOSED. Mutex-free because Link state is mutated only from the
// single cooperative scheduling context; the handshake is an ECDH exchange
// followed by Token derivation.

import (
	"encoding/hex"
	"errors"
	"time"
)

type LinkState int

const (
	LinkPending LinkState = iota
	LinkHandshake
	LinkActive
	LinkStale
	LinkClosed
)

const (
	establishmentTimeoutPerHop = 6 * time.Second
	keepaliveInterval          = 30 * time.Second
	staleTime                  = 2 * keepaliveInterval
	inactivityTimeout          = 120 * time.Second
	pathRequestMinInterval     = 30 * time.Second
)

var (
	ErrLinkNotActive    = errors.New("link: not active")
	ErrLinkBadSignature = errors.New("link: LRPROOF signature invalid")
)

// Link is an authenticated, Token-encrypted session between two
// destinations.
type Link struct {
	ID          LinkID
	State       LinkState
	Initiator   bool
	DestHash    DestHash
	OutInterface uint32

	ourEphemeral  [32]byte
	ourEphemeralPub [64]byte
	peerEphemeral [32]byte
	ourSigning    *Identity
	peerPublicKeys [64]byte

	token *Token

	RTT          float64
	rttSet       bool
	LastInbound  int64
	ProofTimeout int64
	Hops         byte

	Channel  *Channel
	resources []*Resource
}

// NewOutboundLink constructs the initiator side of a Link, PENDING, not
// yet registered in any table.
func NewOutboundLink(id *Identity, dest DestHash, hops byte, outIface uint32) (*Link, []byte, error) {
	eph, err := NewIdentity()
	if err != nil {
		return nil, nil, err
	}
	l := &Link{
		Initiator: true, DestHash: dest, State: LinkPending,
		ourEphemeral: eph.encPriv, ourSigning: id, Hops: hops, OutInterface: outIface,
	}
	pk := eph.PublicKeys()
	l.ourEphemeralPub = pk
	l.ID = TruncatedHash(pk[:])
	l.ProofTimeout = time.Now().Add(time.Duration(hops+1) * establishmentTimeoutPerHop).Unix()
	payload := append([]byte{}, pk[:]...)
	return l, payload, nil
}

// AcceptInbound builds the responder side from an inbound LINKREQUEST
// payload (ephemeral X25519 ∥ Ed25519 pub, 64 bytes) and returns the
// LRPROOF payload to send back.
func AcceptInbound(id *Identity, dest DestHash, reqPayload []byte, inIface uint32) (*Link, []byte, error) {
	if len(reqPayload) < 64 {
		return nil, nil, errors.New("link: short LINKREQUEST")
	}
	var peerPub [64]byte
	copy(peerPub[:], reqPayload[:64])

	eph, err := NewIdentity()
	if err != nil {
		return nil, nil, err
	}
	var peerX [32]byte
	copy(peerX[:], peerPub[:32])
	secret, err := eph.ECDH(peerX)
	if err != nil {
		return nil, nil, err
	}
	tok, err := DeriveToken(secret, dest[:], []byte("reticula-link"))
	if err != nil {
		return nil, nil, err
	}

	l := &Link{
		Initiator: false, DestHash: dest, State: LinkHandshake,
		ourEphemeral: eph.encPriv, ourSigning: id, OutInterface: inIface,
		peerEphemeral: peerX, peerPublicKeys: peerPub, token: tok,
	}
	ourPK := eph.PublicKeys()
	l.ID = TruncatedHash(ourPK[:])

	sigMsg := append(append([]byte{}, dest[:]...), peerPub[:]...)
	sigMsg = append(sigMsg, ourPK[32:]...)
	sig := id.Sign(sigMsg)

	l.State = LinkActive
	l.LastInbound = time.Now().Unix()

	payload := append([]byte{}, ourPK[:]...)
	payload = append(payload, sig...)
	return l, payload, nil
}

// ValidateLRProof completes the initiator side: verifies the responder's
// signature and, on success, derives the Token and moves to ACTIVE.
func (l *Link) ValidateLRProof(peerIdentity *Identity, proofPayload []byte, dest DestHash) error {
	if len(proofPayload) < 64+64 {
		return errors.New("link: short LRPROOF")
	}
	var peerPK [64]byte
	copy(peerPK[:], proofPayload[:64])
	sig := proofPayload[64:128]

	ourEph := &Identity{encPriv: l.ourEphemeral}
	ourPK := l.ourEphemeralPub

	sigMsg := append(append([]byte{}, dest[:]...), ourPK[:]...)
	sigMsg = append(sigMsg, peerPK[32:]...)
	if !Validate(peerIdentity.PublicKeys(), sigMsg, sig) {
		l.State = LinkClosed
		return ErrLinkBadSignature
	}

	var peerX [32]byte
	copy(peerX[:], peerPK[:32])
	secret, err := ourEph.ECDH(peerX)
	if err != nil {
		return err
	}
	tok, err := DeriveToken(secret, dest[:], []byte("reticula-link"))
	if err != nil {
		return err
	}
	l.token = tok
	l.peerPublicKeys = peerPK
	l.peerEphemeral = peerX
	l.State = LinkActive
	l.LastInbound = time.Now().Unix()
	return nil
}

// UpdateRTT folds a new sample into the link's RTT EMA (0.7/0.3, first
// sample assigns directly), and feeds it to the attached Channel's window
// tier selection.
func (l *Link) UpdateRTT(sample float64) {
	if !l.rttSet {
		l.RTT = sample
		l.rttSet = true
	} else {
		l.RTT = 0.7*l.RTT + 0.3*sample
	}
	linkRTT.WithLabelValues(hex.EncodeToString(l.ID[:])).Set(l.RTT)
	if l.Channel != nil {
		l.Channel.retier(l.RTT)
	}
}

// touch records inbound liveness, clearing any STALE state.
func (l *Link) touch() {
	l.LastInbound = time.Now().Unix()
	if l.State == LinkStale {
		l.State = LinkActive
	}
}

// tick runs the keepalive/stale/inactivity state machine; called from the
// periodic link-check job (§4.5.4, 1s interval).
func (l *Link) tick(now int64, sendKeepalive func()) {
	if l.State != LinkActive && l.State != LinkStale {
		return
	}
	silence := now - l.LastInbound
	switch {
	case silence > int64(inactivityTimeout.Seconds()):
		l.Close()
	case silence > int64(staleTime.Seconds()):
		l.State = LinkStale
	case silence > int64(keepaliveInterval.Seconds()):
		sendKeepalive()
	}
}

// Close tears the link down, propagating to its attached Channel and
// Resources so they self-transition to CLOSED/FAILED (§7 user-visible
// failure contract).
func (l *Link) Close() {
	if l.State == LinkClosed {
		return
	}
	l.State = LinkClosed
	if l.Channel != nil {
		l.Channel.onLinkClosed()
	}
	for _, r := range l.resources {
		r.onLinkClosed()
	}
}

// Encrypt/Decrypt proxy to the link's derived Token.
func (l *Link) Encrypt(plaintext []byte) ([]byte, error) {
	if l.token == nil {
		return nil, ErrLinkNotActive
	}
	return l.token.Encrypt(plaintext)
}

func (l *Link) Decrypt(ciphertext []byte) ([]byte, error) {
	if l.token == nil {
		return nil, ErrLinkNotActive
	}
	return l.token.Decrypt(ciphertext)
}

