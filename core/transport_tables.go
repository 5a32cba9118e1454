package core

// transport_tables.go – the concrete table instances and entry types that
// make up the routing engine's state, built on the generic table/ring
// primitives in table.go.

type DestHash = [16]byte
type LinkID = [16]byte
type PktHash = [16]byte

// PathEntry is the path table's per-destination record: next-hop
// interface, transport id, hop count and the bookkeeping the announce
// update rule (§4.5.1) needs.
type PathEntry struct {
	InterfaceID   uint32
	TransportID   [16]byte
	HasTransport  bool
	Hops          byte
	EmissionTime  int64
	Expires       int64
	ReceivedFrom  [16]byte
	RandomBlobs   [][10]byte // bounded, oldest-trimmed replay window
}

const maxSeenBlobs = 16

func (e *PathEntry) seenBlob(blob [10]byte) bool {
	for _, b := range e.RandomBlobs {
		if b == blob {
			return true
		}
	}
	return false
}

func (e *PathEntry) rememberBlob(blob [10]byte) {
	e.RandomBlobs = append(e.RandomBlobs, blob)
	if len(e.RandomBlobs) > maxSeenBlobs {
		e.RandomBlobs = e.RandomBlobs[len(e.RandomBlobs)-maxSeenBlobs:]
	}
}

// AnnounceEntry is a queued retransmission for a fresh path insertion.
type AnnounceEntry struct {
	Packet        *Packet
	RetransmitAt  int64
	Retries       int
	BlockRebroadcast bool
}

// ReverseEntry records the interface a LINKREQUEST arrived on, so a later
// PROOF can be sent back the way it came.
type ReverseEntry struct {
	ReceivingInterface uint32
	OutboundInterface  uint32
}

// HeldAnnounce is an announce temporarily popped off the announce table to
// serve a discovery path request.
type HeldAnnounce struct {
	Entry AnnounceEntry
	PoppedAt int64
}

// TunnelEntry models a tunnelled sub-path (roaming/boundary interfaces).
type TunnelEntry struct {
	InterfaceID uint32
	Expires     int64
	Paths       []DestHash
}

// AnnounceRateEntry tracks a destination's announce-timestamp sliding
// window for rate limiting.
type AnnounceRateEntry struct {
	Timestamps  []int64
	Violations  int
	BlockedUntil int64
}

// DiscoveryPathRequest is an in-flight path request awaiting a response.
type DiscoveryPathRequest struct {
	Tag       [16]byte
	RequestedAt int64
	Timeout   int64
}

// PendingLocalPathRequest records a path request issued by a local client,
// unbounded-eviction (kept until answered or the caller cancels).
type PendingLocalPathRequest struct {
	RequestedAt int64
}

// Receipt is an outbound proof-waiter.
type Receipt struct {
	Packet    *Packet
	SentAt    int64
	Timeout   int64
	Callback  func(proved bool)
	settled   bool
}

func (r *Receipt) checkTimeout(now int64) bool {
	if r.settled {
		return true
	}
	if now >= r.Timeout {
		r.settled = true
		if r.Callback != nil {
			r.Callback(false)
		}
		return true
	}
	return false
}

// AnnounceHandler is invoked by handleAnnounce for every fresh inbound
// announce when its AspectFilter is empty; a handler with a non-empty
// filter is not invoked.
type AnnounceHandler struct {
	AspectFilter string
	Fn           func(destHash DestHash, id *Identity, appData []byte)
}

// TransportState is the routing engine's full table set, owned by a
// Context rather than a process-wide singleton (§9 design note).
type TransportState struct {
	ctx *Context

	Interfaces   *table[uint32, *Interface]
	Destinations *table[DestHash, *Destination]
	Path         *table[DestHash, *PathEntry]
	Announce     *table[DestHash, *AnnounceEntry]
	Reverse      *table[PktHash, *ReverseEntry]
	Link         *table[LinkID, *Link]
	HeldAnnounces *table[DestHash, *HeldAnnounce]
	Tunnels      *table[[16]byte, *TunnelEntry]
	AnnounceRate *table[DestHash, *AnnounceRateEntry]
	PathRequestThrottle *table[DestHash, int64]
	DiscoveryPathRequests *table[DestHash, *DiscoveryPathRequest]
	PendingLocalPR *table[DestHash, *PendingLocalPathRequest]
	ActiveLinks  map[LinkID]*Link
	PendingLinks map[LinkID]*Link
	ControlDestinations *table[DestHash, struct{}]
	AnnounceHandlers []AnnounceHandler
	LocalClientInterfaces *table[uint32, struct{}]
	Receipts     []*Receipt

	PacketHashlist *ring[PktHash]
	DiscoveryPRTags *ring[[16]byte]

	packetCount uint64
	jobsLocked  bool

	lastPathRequest map[DestHash]int64
}

func newTransportState(ctx *Context) *TransportState {
	c := ctx.Caps
	return &TransportState{
		ctx:           ctx,
		Interfaces:    newTable[uint32, *Interface](c.Interfaces, "interfaces"),
		Destinations:  newTable[DestHash, *Destination](c.Destinations, "destinations"),
		Path:          newTable[DestHash, *PathEntry](c.Path, "path"),
		Announce:      newTable[DestHash, *AnnounceEntry](c.Announce, "announce"),
		Reverse:       newTable[PktHash, *ReverseEntry](c.Reverse, "reverse"),
		Link:          newTable[LinkID, *Link](c.Link, "link"),
		HeldAnnounces: newTable[DestHash, *HeldAnnounce](c.HeldAnnounces, "held_announces"),
		Tunnels:       newTable[[16]byte, *TunnelEntry](c.Tunnels, "tunnels"),
		AnnounceRate:  newTable[DestHash, *AnnounceRateEntry](c.AnnounceRate, "announce_rate"),
		PathRequestThrottle: newTable[DestHash, int64](c.PathRequestThrottle, "path_request_throttle"),
		DiscoveryPathRequests: newTable[DestHash, *DiscoveryPathRequest](c.DiscoveryPathRequests, "discovery_path_requests"),
		PendingLocalPR: newTable[DestHash, *PendingLocalPathRequest](c.PendingLocalPR, "pending_local_pr"),
		ActiveLinks:   make(map[LinkID]*Link, c.ActiveLinks),
		PendingLinks:  make(map[LinkID]*Link, c.PendingLinks),
		ControlDestinations: newTable[DestHash, struct{}](c.ControlDestinations, "control_destinations"),
		LocalClientInterfaces: newTable[uint32, struct{}](c.LocalClientInterfaces, "local_client_interfaces"),
		Receipts:      make([]*Receipt, 0, c.Receipts),
		PacketHashlist: newRing[PktHash](c.PacketHashlist),
		DiscoveryPRTags: newRing[[16]byte](c.DiscoveryPRTags),
		lastPathRequest: make(map[DestHash]int64),
	}
}

// Occupancy reports in-use slot counts, consumed by the status CLI and by
// metrics.go's table gauges.
func (ts *TransportState) Occupancy() map[string]int {
	return map[string]int{
		"interfaces":    ts.Interfaces.Len(),
		"destinations":  ts.Destinations.Len(),
		"path":          ts.Path.Len(),
		"announce":      ts.Announce.Len(),
		"reverse":       ts.Reverse.Len(),
		"link":          ts.Link.Len(),
		"held_announces": ts.HeldAnnounces.Len(),
		"tunnels":       ts.Tunnels.Len(),
		"active_links":  len(ts.ActiveLinks),
		"pending_links": len(ts.PendingLinks),
		"receipts":      len(ts.Receipts),
		"hashlist":      ts.PacketHashlist.Len(),
	}
}
