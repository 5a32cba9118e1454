package core

// resource.go – bulk transfer of a byte string over a Link using a
// content-addressed hashmap, per-part requests from the receiver,
// optional compression and proof-of-receipt (C8).

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

type ResourceRole int

const (
	RoleSender ResourceRole = iota
	RoleReceiver
)

type ResourceStatus int

const (
	StatusQueued ResourceStatus = iota
	StatusAdvertised
	StatusTransferring
	StatusAwaitingProof
	StatusComplete
	StatusFailed
	StatusCorrupt
	StatusCanceled
)

const (
	autoCompressMaxSize = 32768
	flagEncrypted       = 0x01
	flagCompressed      = 0x02
	flagSplit           = 0x04
	flagIsResponse      = 0x08
	flagHasMetadata     = 0x10

	hashmapIsExhausted = 1
	maxAdvRetries      = 5
	maxRetries         = 5
)

var (
	ErrResourceCorrupt = errors.New("resource: reconstructed plaintext hash mismatch")
)

// advertisement is the wire MsgPack map, fixed 11-key set per the external
// interface contract: t,d,n,h,r,o,i,l,q,f,m.
type advertisement struct {
	TransferSize  uint32            `msgpack:"t"`
	TotalSize     uint32            `msgpack:"d"`
	Parts         uint16            `msgpack:"n"`
	ResourceHash  []byte            `msgpack:"h"`
	RandomHash    []byte            `msgpack:"r"`
	OriginalHash  []byte            `msgpack:"o"`
	SegmentIndex  uint16            `msgpack:"i"`
	TotalSegments uint16            `msgpack:"l"`
	RequestID     []byte            `msgpack:"q"`
	Flags         byte              `msgpack:"f"`
	Hashmap       map[uint32][]byte `msgpack:"m"`
}

// reqPayload mirrors RESOURCE_REQ: [hmu_flag, last_map_hash?, resource_hash(32), requested_hashes[]].
// resource_hash is sent even though the sender already knows it, to stay
// wire-compatible (open question, see DESIGN.md).
type reqPayload struct {
	HMUFlag         byte     `msgpack:"u"`
	LastMapHash     []byte   `msgpack:"lm,omitempty"`
	ResourceHash    []byte   `msgpack:"h"`
	RequestedHashes [][]byte `msgpack:"rh"`
}

type hmuPayload struct {
	Segment      uint16            `msgpack:"s"`
	HashmapTail  map[uint32][]byte `msgpack:"m"`
}

// Resource is a single bulk transfer, sender or receiver side.
type Resource struct {
	link   *Link
	Role   ResourceRole
	Status ResourceStatus

	resourceHash [32]byte
	randomHash   [4]byte
	originalHash [32]byte

	parts      [][]byte
	hashmap    map[uint32][4]byte
	received   *bitset.BitSet
	totalParts uint32
	consecutiveCompleted uint32
	sentCount  uint32
	receivedCount uint32

	window     uint32
	retriesLeft int

	segmentIndex  uint16
	totalSegments uint16

	compressed bool
	encrypted  bool

	lastActivity int64

	onComplete func(data []byte, err error)
}

// NewSenderResource builds a sender-side Resource from plaintext data over
// an ACTIVE link with MDU m, compresses it if it helps, encrypts with the
// link's Token, splits into parts and builds the hashmap.
func NewSenderResource(l *Link, data []byte, mdu int) (*Resource, *Packet, error) {
	salt := Random(4)
	var s [4]byte
	copy(s[:], salt)
	h := sha256.Sum256(append(append([]byte{}, data...), s[:]...))

	payload := data
	compressed := false
	if len(data) <= autoCompressMaxSize {
		if c, ok := tryCompress(data); ok && len(c) < len(data) {
			payload = c
			compressed = true
		}
	}

	plain := append(append([]byte{}, s[:]...), payload...)
	ciphertext, err := l.Encrypt(plain)
	if err != nil {
		return nil, nil, err
	}

	parts := splitInto(ciphertext, mdu)
	hashmap := make(map[uint32][4]byte, len(parts))
	wireMap := make(map[uint32][]byte, len(parts))
	for i, p := range parts {
		hh := sha256.Sum256(append(append([]byte{}, p...), s[:]...))
		var first4 [4]byte
		copy(first4[:], hh[:4])
		hashmap[uint32(i)] = first4
		wireMap[uint32(i)] = first4[:]
	}

	r := &Resource{
		link: l, Role: RoleSender, Status: StatusQueued,
		resourceHash: h, randomHash: s, parts: parts, hashmap: hashmap,
		totalParts: uint32(len(parts)), compressed: compressed, encrypted: true,
		retriesLeft: maxAdvRetries, lastActivity: time.Now().Unix(),
	}
	l.resources = append(l.resources, r)

	var flags byte = flagEncrypted
	if compressed {
		flags |= flagCompressed
	}
	adv := advertisement{
		TransferSize: uint32(len(ciphertext)), TotalSize: uint32(len(data)),
		Parts: uint16(len(parts)), ResourceHash: h[:], RandomHash: s[:],
		Flags: flags, Hashmap: wireMap,
	}
	body, err := msgpack.Marshal(&adv)
	if err != nil {
		return nil, nil, err
	}
	r.Status = StatusAdvertised
	pkt := Pack(l.DestHash, body, PacketData, CtxResourceAdv, Header1, TransportBroadcast, DestLink, nil)
	return r, pkt, nil
}

// NewReceiverResource populates receiver-side state from an inbound
// RESOURCE_ADV payload.
func NewReceiverResource(l *Link, advRaw []byte) (*Resource, error) {
	var adv advertisement
	if err := msgpack.Unmarshal(advRaw, &adv); err != nil {
		return nil, err
	}
	r := &Resource{
		link: l, Role: RoleReceiver, Status: StatusTransferring,
		totalParts: uint32(adv.Parts), compressed: adv.Flags&flagCompressed != 0,
		encrypted: adv.Flags&flagEncrypted != 0,
		hashmap: make(map[uint32][4]byte, len(adv.Hashmap)),
		received: bitset.New(uint(adv.Parts)),
		window:   8, retriesLeft: maxRetries, lastActivity: time.Now().Unix(),
	}
	copy(r.resourceHash[:], adv.ResourceHash)
	copy(r.randomHash[:], adv.RandomHash)
	copy(r.originalHash[:], adv.OriginalHash)
	r.segmentIndex = adv.SegmentIndex
	r.totalSegments = adv.TotalSegments
	r.parts = make([][]byte, adv.Parts)
	for k, v := range adv.Hashmap {
		var first4 [4]byte
		copy(first4[:], v)
		r.hashmap[k] = first4
	}
	l.resources = append(l.resources, r)
	return r, nil
}

// BuildRequest collects up to window hashes from the known-but-not-yet-
// received region and builds a REQ packet.
func (r *Resource) BuildRequest() *Packet {
	var requested [][]byte
	hmu := byte(0)
	i := r.consecutiveCompleted
	for uint32(len(requested)) < r.window && i < r.totalParts {
		if r.received == nil || !r.received.Test(uint(i)) {
			h := r.hashmap[i]
			requested = append(requested, append([]byte{}, h[:]...))
		}
		i++
	}
	if i >= r.totalParts && uint32(len(r.hashmap)) < r.totalParts {
		hmu = hashmapIsExhausted
	}
	req := reqPayload{HMUFlag: hmu, ResourceHash: r.resourceHash[:], RequestedHashes: requested}
	body, _ := msgpack.Marshal(&req)
	return Pack(r.link.DestHash, body, PacketData, CtxResourceReq, Header1, TransportBroadcast, DestLink, nil)
}

// HandleRequest is the sender-side response to an inbound RESOURCE_REQ:
// look each requested hash up and emit the matching parts as DATA/RESOURCE
// packets (and a HMU tail if the requester's hashmap was exhausted).
func (r *Resource) HandleRequest(raw []byte) ([]*Packet, error) {
	var req reqPayload
	if err := msgpack.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	var out []*Packet
	for _, rh := range req.RequestedHashes {
		var want [4]byte
		copy(want[:], rh)
		for idx, hh := range r.hashmap {
			if hh == want {
				out = append(out, Pack(r.link.DestHash, r.parts[idx], PacketData, CtxResource, Header1, TransportBroadcast, DestLink, nil))
				r.sentCount++
				break
			}
		}
	}
	if req.HMUFlag == hashmapIsExhausted {
		tail := hmuPayload{Segment: 1, HashmapTail: map[uint32][]byte{}}
		for k, v := range r.hashmap {
			tail.HashmapTail[k] = v[:]
		}
		body, _ := msgpack.Marshal(&tail)
		out = append(out, Pack(r.link.DestHash, body, PacketData, CtxResourceHMU, Header1, TransportBroadcast, DestLink, nil))
	}
	if r.sentCount >= r.totalParts {
		r.Status = StatusAwaitingProof
	}
	return out, nil
}

// HandlePart processes an inbound DATA/RESOURCE part on the receiver side.
func (r *Resource) HandlePart(part []byte) error {
	h := sha256.Sum256(append(append([]byte{}, part...), r.randomHash[:]...))
	var first4 [4]byte
	copy(first4[:], h[:4])
	idx, ok := r.indexOf(first4)
	if !ok {
		return nil // unknown part, drop
	}
	r.parts[idx] = part
	r.received.Set(uint(idx))
	r.receivedCount++
	r.lastActivity = time.Now().Unix()
	for r.consecutiveCompleted < r.totalParts && r.received.Test(uint(r.consecutiveCompleted)) {
		r.consecutiveCompleted++
	}
	if r.receivedCount == r.totalParts {
		return r.assemble()
	}
	return nil
}

// ApplyHashmapTail merges an inbound RESOURCE_HMU hashmap tail into the
// receiver's hashmap, for resources too large to enumerate a complete
// hashmap in the initial advertisement.
func (r *Resource) ApplyHashmapTail(raw []byte) error {
	var tail hmuPayload
	if err := msgpack.Unmarshal(raw, &tail); err != nil {
		return err
	}
	for k, v := range tail.HashmapTail {
		var first4 [4]byte
		copy(first4[:], v)
		r.hashmap[k] = first4
	}
	return nil
}

func (r *Resource) indexOf(h [4]byte) (uint32, bool) {
	for k, v := range r.hashmap {
		if v == h {
			return k, true
		}
	}
	return 0, false
}

// assemble concatenates parts, decrypts, decompresses and verifies the
// resource hash, transitioning to COMPLETE or CORRUPT.
func (r *Resource) assemble() error {
	var buf bytes.Buffer
	for _, p := range r.parts {
		buf.Write(p)
	}
	plain, err := r.link.Decrypt(buf.Bytes())
	if err != nil {
		r.Status = StatusCorrupt
		return err
	}
	if len(plain) < 4 {
		r.Status = StatusCorrupt
		return ErrResourceCorrupt
	}
	salt := plain[:4]
	payload := plain[4:]
	if r.compressed {
		if d, ok := tryDecompress(payload); ok {
			payload = d
		}
	}
	h := sha256.Sum256(append(append([]byte{}, payload...), salt...))
	if h != r.resourceHash {
		r.Status = StatusCorrupt
		return ErrResourceCorrupt
	}
	r.Status = StatusComplete
	if r.onComplete != nil {
		r.onComplete(payload, nil)
	}
	return nil
}

// Progress returns a monotonic 0..1 completion fraction.
func (r *Resource) Progress() float64 {
	if r.totalParts == 0 {
		return 0
	}
	return float64(r.receivedCount) / float64(r.totalParts)
}

// HandleProof settles a sender-side resource on a matching PROOF packet.
func (r *Resource) HandleProof(payload []byte) bool {
	if len(payload) < 32 {
		return false
	}
	if !bytes.Equal(payload[:32], r.resourceHash[:]) {
		return false
	}
	r.Status = StatusComplete
	if r.onComplete != nil {
		r.onComplete(nil, nil)
	}
	return true
}

// BuildProof constructs the receiver's PROOF payload: resource_hash ∥
// SHA256(plaintext ∥ resource_hash).
func BuildProof(resourceHash [32]byte, plaintext []byte) []byte {
	h := sha256.Sum256(append(append([]byte{}, plaintext...), resourceHash[:]...))
	return append(append([]byte{}, resourceHash[:]...), h[:]...)
}

func (r *Resource) onLinkClosed() {
	if r.Status != StatusComplete {
		r.Status = StatusFailed
		if r.onComplete != nil {
			r.onComplete(nil, errors.New("resource: link closed"))
		}
	}
}

func splitInto(data []byte, size int) [][]byte {
	if size <= 0 {
		size = 500
	}
	var parts [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, data[off:end])
	}
	return parts
}

func tryCompress(data []byte) ([]byte, bool) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, false
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), true
}

func tryDecompress(data []byte) ([]byte, bool) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, false
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, false
	}
	return out, true
}

// SegmentAccumulator buffers multi-segment transfers keyed by original
// hash; ≤8 simultaneous transfers, ≤64 segments each, 600s idle timeout.
type SegmentAccumulator struct {
	transfers map[[32]byte]*segmentSet
}

type segmentSet struct {
	segments     map[uint16][]byte
	total        uint16
	lastActivity int64
}

const (
	maxSimultaneousTransfers = 8
	maxSegmentsPerTransfer   = 64
	segmentTimeout           = 600 * time.Second
)

func NewSegmentAccumulator() *SegmentAccumulator {
	return &SegmentAccumulator{transfers: make(map[[32]byte]*segmentSet)}
}

// Add stores a completed segment's plaintext, returning the concatenated
// payload once every segment has arrived.
func (a *SegmentAccumulator) Add(originalHash [32]byte, index, total uint16, data []byte) ([]byte, bool) {
	set, ok := a.transfers[originalHash]
	if !ok {
		if len(a.transfers) >= maxSimultaneousTransfers {
			return nil, false
		}
		set = &segmentSet{segments: make(map[uint16][]byte), total: total}
		a.transfers[originalHash] = set
	}
	if len(set.segments) >= maxSegmentsPerTransfer {
		return nil, false
	}
	set.segments[index] = data
	set.lastActivity = time.Now().Unix()
	if uint16(len(set.segments)) < set.total {
		return nil, false
	}
	var buf bytes.Buffer
	for i := uint16(0); i < set.total; i++ {
		buf.Write(set.segments[i])
	}
	delete(a.transfers, originalHash)
	return buf.Bytes(), true
}

// Sweep removes transfers idle longer than segmentTimeout.
func (a *SegmentAccumulator) Sweep(now int64) {
	for k, set := range a.transfers {
		if now-set.lastActivity > int64(segmentTimeout.Seconds()) {
			delete(a.transfers, k)
		}
	}
}
