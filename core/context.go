package core

// context.go – Profile selection and the entity arenas (Interface,
// Destination, Link) that tables reference by stable integer id rather
// than by pointer or reference-wrapper, per the id-indirection scheme
// recommended for re-architecture away from the reference-counted /
// shared-pointer patterns of the reference implementation.

import "sync/atomic"

// Profile selects the fixed-capacity table sizes. Constrained mirrors the
// small-device numbers; Hosted scales them up for server-class deployments
// (supplemented — the table in §3 only gives constrained numbers and notes
// "hosted may scale up" without specifying by how much).
type Profile int

const (
	ProfileConstrained Profile = iota
	ProfileHosted
)

// Capacities holds every fixed-capacity table size named in the data model.
type Capacities struct {
	Interfaces            int
	Destinations          int
	Path                  int
	Announce              int
	Reverse               int
	Link                  int
	HeldAnnounces         int
	Tunnels               int
	AnnounceRate          int
	PathRequestThrottle   int
	DiscoveryPathRequests int
	PendingLocalPR        int
	PacketHashlist        int
	DiscoveryPRTags       int
	ActiveLinks           int
	PendingLinks          int
	ControlDestinations   int
	AnnounceHandlers      int
	LocalClientInterfaces int
	Receipts              int

	BufferPoolSlots [4]int
}

func (p Profile) Capacities() Capacities {
	switch p {
	case ProfileHosted:
		return Capacities{
			Interfaces: 64, Destinations: 512, Path: 4096, Announce: 256,
			Reverse: 256, Link: 256, HeldAnnounces: 128, Tunnels: 256,
			AnnounceRate: 256, PathRequestThrottle: 256, DiscoveryPathRequests: 1024,
			PendingLocalPR: 1024, PacketHashlist: 8192, DiscoveryPRTags: 1024,
			ActiveLinks: 256, PendingLinks: 256, ControlDestinations: 64,
			AnnounceHandlers: 64, LocalClientInterfaces: 64, Receipts: 256,
			BufferPoolSlots: [4]int{4096, 2048, 1024, 1024},
		}
	default:
		return Capacities{
			Interfaces: 8, Destinations: 32, Path: 32, Announce: 8,
			Reverse: 8, Link: 8, HeldAnnounces: 8, Tunnels: 16,
			AnnounceRate: 8, PathRequestThrottle: 8, DiscoveryPathRequests: 32,
			PendingLocalPR: 32, PacketHashlist: 100, DiscoveryPRTags: 32,
			ActiveLinks: 4, PendingLinks: 4, ControlDestinations: 8,
			AnnounceHandlers: 8, LocalClientInterfaces: 8, Receipts: 8,
			BufferPoolSlots: defaultTierSlots,
		}
	}
}

// MemoryPressure reports available heap and the largest contiguous block,
// used by §4.5.4's low-memory culling. The default implementation reads
// runtime.MemStats (hosted-Go-runtime supplement — the reference targets a
// bare-metal allocator this module does not have).
type MemoryPressure func() (freeBytes, largestBlock uint64)

// InterfaceMode mirrors the interface driver contract's mode enumeration.
type InterfaceMode int

const (
	ModeFull InterfaceMode = iota
	ModeGateway
	ModeAP
	ModeRoaming
	ModeBoundary
	ModeAccessPoint
	ModeNone
)

// Interface is the abstract driver contract the core consumes. Concrete
// serial/TCP/UDP/BLE drivers are external collaborators; core code only
// ever holds an arena id plus this struct's static attributes.
type Interface struct {
	ID                   uint32
	Hash                 [16]byte
	MTU                  int
	Bitrate              int
	Mode                 InterfaceMode
	Out                  bool
	AnnounceCap          float64
	AnnounceRateTarget   float64
	AnnounceRateGrace    int
	AnnounceRatePenalty  float64
	ParentInterface      uint32
	HasParent            bool
	IsLocalShared        bool
	IsConnToLocalShared  bool

	Send     func([]byte) error
	Incoming func([]byte)
}

var nextArenaID uint32

func newArenaID() uint32 { return atomic.AddUint32(&nextArenaID, 1) }

// Context is the caller-owned replacement for the process-wide Transport
// singleton (§9 design note): all routing state lives here rather than in
// static package-level tables, so a process can run more than one Reticula
// instance, and tests don't fight over shared global state.
type Context struct {
	Profile    Profile
	Caps       Capacities
	Identity   *Identity
	Pool       *BufferPool
	Store      Storage
	MemPressure MemoryPressure
	TransportEnabled bool

	Transport *TransportState
}

// NewContext constructs a Context with every table sized per profile.
func NewContext(profile Profile, id *Identity, store Storage) *Context {
	caps := profile.Capacities()
	ctx := &Context{
		Profile:  profile,
		Caps:     caps,
		Identity: id,
		Pool:     NewBufferPool(caps.BufferPoolSlots),
		Store:    store,
		MemPressure: defaultMemoryPressure,
	}
	ctx.Transport = newTransportState(ctx)
	return ctx
}
