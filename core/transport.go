package core

// transport.go – the routing engine's inbound/outbound pipeline (C5,
// §4.5). Single-threaded cooperative model: inbound/outbound set the
// _jobs_locked flag for their duration as a re-entrancy guard against a
// callback that synchronously calls back in.

import (
	"time"

	"github.com/sirupsen/logrus"
)

// FilterFunc lets a caller reject packets before the built-in filter runs.
type FilterFunc func(*Packet) bool

// Transport is the forwarding engine built on a Context's TransportState.
type Transport struct {
	ctx        *Context
	UserFilter FilterFunc
	cache      *diskLRU

	tablesCRC    uint32
	tablesCRCSet bool
	tunnelsCRC    uint32
	tunnelsCRCSet bool
	hashlistCRC    uint32
	hashlistCRCSet bool
}

func NewTransport(ctx *Context) *Transport { return &Transport{ctx: ctx} }

func (tr *Transport) state() *TransportState { return tr.ctx.Transport }

// withJobsLock spins (1ms pauses) until _jobs_locked clears, then holds it
// for fn's duration — the cheap re-entrancy guard described in §5.
func (tr *Transport) withJobsLock(fn func()) {
	st := tr.state()
	for st.jobsLocked {
		time.Sleep(time.Millisecond)
	}
	st.jobsLocked = true
	defer func() { st.jobsLocked = false }()
	fn()
}

// exemptFromDedup reports whether a packet type/context is always
// processed even if its hash has been seen before (§4.5 step 4).
func exemptFromDedup(p *Packet) bool {
	switch p.Context {
	case CtxKeepalive, CtxResource, CtxResourceAdv, CtxResourceReq, CtxResourceHMU, CtxResourcePRF, CtxCacheRequest, CtxChannel:
		return true
	}
	return p.PacketType == PacketAnnounce && p.DestType == DestSingle
}

// Inbound runs the full receive pipeline for raw bytes arriving on iface.
func (tr *Transport) Inbound(raw []byte, iface *Interface) {
	tr.withJobsLock(func() {
		st := tr.state()
		st.packetCount++

		pkt, err := Unpack(raw)
		if err != nil {
			logrus.WithError(err).Debug("transport: malformed packet, dropping")
			return
		}
		pkt.AttachedInterface = iface.ID
		pkt.IncrementHop()
		if iface.IsLocalShared {
			pkt.DecrementHop()
		}

		if tr.UserFilter != nil && !tr.UserFilter(pkt) {
			return
		}
		if pkt.DestType != DestSingle && pkt.DestType != DestGroup && pkt.TransportType != TransportBroadcast {
			// nothing extra here; placeholder for built-in allow rules below
		}
		if pkt.DestType == DestPlain && pkt.Hops > 1 {
			return
		}
		if pkt.DestType == DestGroup && pkt.Hops > 1 {
			return
		}

		th := pkt.TruncatedHash()
		if !exemptFromDedup(pkt) {
			if st.PacketHashlist.Contains(th) {
				return
			}
		}
		st.PacketHashlist.Add(th)
		if pkt.PacketType == PacketAnnounce || pkt.PacketType == PacketProof {
			tr.cachePacket(pkt)
		}

		fromLocalClient := iface.IsConnToLocalShared
		_, forLocalClient := func() (*PathEntry, bool) {
			pe, ok := st.Path.Get(pkt.Destination)
			return pe, ok && pe.Hops == 0
		}()
		_, isControlDest := st.ControlDestinations.Get(pkt.Destination)

		if pkt.DestType == DestPlain && pkt.TransportType == TransportBroadcast && !isControlDest {
			tr.rebroadcastPlain(pkt, iface, fromLocalClient)
		}

		if tr.ctx.TransportEnabled || forLocalClient {
			tr.generalTransportHandling(pkt, iface)
		}

		switch pkt.PacketType {
		case PacketAnnounce:
			tr.handleAnnounce(pkt, iface)
		case PacketLinkRequest:
			tr.handleLinkRequest(pkt, iface)
		case PacketData:
			tr.handleData(pkt)
		case PacketProof:
			tr.handleProof(pkt)
		}
	})
}

func (tr *Transport) rebroadcastPlain(pkt *Packet, src *Interface, fromLocalClient bool) {
	st := tr.state()
	st.Interfaces.Each(func(id uint32, iface *Interface, _ int64) {
		if id == src.ID {
			return
		}
		if !fromLocalClient {
			if _, ok := st.LocalClientInterfaces.Get(id); !ok {
				return
			}
		}
		tr.transmitOn(iface, pkt)
	})
}

// generalTransportHandling covers next-hop forwarding for in-transit
// packets and records a Reverse entry for an in-transit LINKREQUEST; it
// creates no link-table entry (§4.5 step 8).
func (tr *Transport) generalTransportHandling(pkt *Packet, iface *Interface) {
	st := tr.state()
	if pkt.PacketType == PacketAnnounce || pkt.PacketType == PacketProof {
		// Announces are rebroadcast by handleAnnounce's jittered schedule,
		// and proofs are walked back via Reverse in handleProof; neither
		// wants the unicast-toward-destination path below.
		return
	}
	if pkt.PacketType == PacketLinkRequest && pkt.HasTransport {
		th := pkt.TruncatedHash()
		st.Reverse.Put(th, &ReverseEntry{ReceivingInterface: iface.ID}, nowUnix())
		return
	}
	pe, ok := st.Path.Get(pkt.Destination)
	if !ok {
		return
	}
	nextIface, found := st.Interfaces.Get(pe.InterfaceID)
	if !found {
		st.Path.Delete(pkt.Destination) // interface gone, cull the path
		return
	}
	if pkt.Hops > 1 {
		pkt.HeaderType = Header2
		pkt.TransportID = pe.TransportID
		pkt.HasTransport = true
	}
	tr.transmitOn(nextIface, pkt)
}

func (tr *Transport) handleData(pkt *Packet) {
	st := tr.state()
	if pkt.DestType == DestLink {
		l, ok := st.ActiveLinks[truncToLinkID(pkt.Destination)]
		if !ok {
			return
		}
		tr.handleLinkData(l, pkt)
		l.touch()
		return
	}
	d, ok := st.Destinations.Get(pkt.Destination)
	if !ok || d.OnPacket == nil {
		return
	}
	payload := pkt.Payload
	if pkt.Context == CtxRatchet {
		if len(payload) < 32 {
			return
		}
		var senderEphemeral [32]byte
		copy(senderEphemeral[:], payload[:32])
		pt, err := d.DecryptFromRatchet(senderEphemeral, payload[32:])
		if err != nil {
			logrus.WithError(err).Debug("transport: ratchet datagram decrypt failed")
			return
		}
		payload = pt
	}
	d.OnPacket(payload, pkt)
	if d.HandleProofPolicy(pkt) {
		proof := Prove(d.Identity, pkt)
		tr.Outbound(proof, true)
	}
}

// sendOnLink transmits pkt out the interface a Link was established over.
func (tr *Transport) sendOnLink(l *Link, pkt *Packet) {
	if pkt == nil {
		return
	}
	iface, ok := tr.state().Interfaces.Get(l.OutInterface)
	if !ok {
		return
	}
	tr.transmitOn(iface, pkt)
}

// resourceFor returns the link's most recently attached Resource in role,
// ignoring transfers that already settled.
func resourceFor(l *Link, role ResourceRole) *Resource {
	for i := len(l.resources) - 1; i >= 0; i-- {
		r := l.resources[i]
		if r.Role != role {
			continue
		}
		switch r.Status {
		case StatusComplete, StatusFailed, StatusCorrupt, StatusCanceled:
			continue
		}
		return r
	}
	return nil
}

// handleLinkData dispatches a DATA packet addressed to an active Link to
// its Channel or Resource, by context (§4.5, §4.6, §4.7).
func (tr *Transport) handleLinkData(l *Link, pkt *Packet) {
	switch pkt.Context {
	case CtxChannel:
		if l.Channel != nil {
			_ = l.Channel.Receive(pkt.Payload)
		}
	case CtxResourceAdv:
		r, err := NewReceiverResource(l, pkt.Payload)
		if err != nil {
			logrus.WithError(err).Debug("transport: resource advertisement rejected")
			return
		}
		r.onComplete = func(data []byte, err error) {
			if err != nil {
				return
			}
			proof := BuildProof(r.resourceHash, data)
			tr.sendOnLink(l, Pack(l.DestHash, proof, PacketData, CtxResourcePRF, Header1, TransportBroadcast, DestLink, nil))
		}
		tr.sendOnLink(l, r.BuildRequest())
	case CtxResourceReq:
		r := resourceFor(l, RoleSender)
		if r == nil {
			return
		}
		pkts, err := r.HandleRequest(pkt.Payload)
		if err != nil {
			logrus.WithError(err).Debug("transport: resource request malformed")
			return
		}
		for _, p := range pkts {
			tr.sendOnLink(l, p)
		}
	case CtxResource:
		r := resourceFor(l, RoleReceiver)
		if r == nil {
			return
		}
		if err := r.HandlePart(pkt.Payload); err != nil {
			logrus.WithError(err).Debug("transport: resource part assembly failed")
		}
	case CtxResourceHMU:
		if r := resourceFor(l, RoleReceiver); r != nil {
			_ = r.ApplyHashmapTail(pkt.Payload)
		} else if r := resourceFor(l, RoleSender); r != nil {
			_ = r.ApplyHashmapTail(pkt.Payload)
		}
	case CtxResourcePRF:
		if r := resourceFor(l, RoleSender); r != nil {
			r.HandleProof(pkt.Payload)
		}
	}
}

func truncToLinkID(d DestHash) LinkID { return d }

func (tr *Transport) handleProof(pkt *Packet) {
	st := tr.state()
	for _, r := range st.Receipts {
		if r.settled {
			continue
		}
		if len(pkt.Payload) >= 32 {
			var ph [32]byte
			copy(ph[:], pkt.Payload[:32])
			if ph == r.Packet.Hash() {
				r.settled = true
				if r.Callback != nil {
					r.Callback(true)
				}
				break
			}
		}
	}
	th := pkt.TruncatedHash()
	if rev, ok := st.Reverse.Get(th); ok {
		if iface, found := st.Interfaces.Get(rev.ReceivingInterface); found {
			tr.transmitOn(iface, pkt)
		}
	}
}

func (tr *Transport) handleLinkRequest(pkt *Packet, iface *Interface) {
	st := tr.state()
	d, ok := st.Destinations.Get(pkt.Destination)
	if !ok || !d.AcceptsLinks {
		return
	}
	l, proofPayload, err := AcceptInbound(d.Identity, pkt.Destination, pkt.Payload, iface.ID)
	if err != nil {
		logrus.WithError(err).Debug("transport: link request rejected")
		return
	}
	st.Link.PutExplicit(l.ID, l, nowUnix())
	st.ActiveLinks[l.ID] = l
	NewChannel(tr, l)
	if d.OnLinkEstablished != nil {
		d.OnLinkEstablished(l)
	}
	proof := Pack(pkt.Destination, proofPayload, PacketProof, CtxLRProof, Header1, TransportBroadcast, DestLink, nil)
	tr.transmitOn(iface, proof)
}

func (tr *Transport) cachePacket(pkt *Packet) {
	if tr.ctx.Store == nil {
		return
	}
	full := pkt.Hash()
	if err := tr.packetCache().put(hexHash(full[:]), pkt.Marshal()); err != nil {
		logrus.WithError(err).Debug("transport: packet cache write failed")
		return
	}
	pkt.Cached = true
}

func (tr *Transport) transmitOn(iface *Interface, pkt *Packet) {
	if iface == nil || iface.Send == nil {
		return
	}
	if err := iface.Send(pkt.Marshal()); err != nil {
		logrus.WithError(err).Debug("transport: interface send failed")
	}
}

// Outbound is the sending half of the pipeline (§4.5.3).
func (tr *Transport) Outbound(pkt *Packet, disableReceipt bool) {
	tr.withJobsLock(func() {
		st := tr.state()
		pe, known := st.Path.Get(pkt.Destination)

		switch {
		case pkt.PacketType != PacketAnnounce && pkt.DestType != DestPlain && pkt.DestType != DestGroup && known:
			iface, found := st.Interfaces.Get(pe.InterfaceID)
			if !found {
				return
			}
			if pkt.Hops > 1 {
				pkt.HeaderType = Header2
				pkt.TransportID = pe.TransportID
			}
			tr.transmitOn(iface, pkt)
		default:
			th := pkt.TruncatedHash()
			st.Interfaces.Each(func(_ uint32, iface *Interface, _ int64) {
				if !iface.Out {
					return
				}
				if iface.Mode == ModeAP {
					return
				}
				tr.transmitOn(iface, pkt)
			})
			st.PacketHashlist.Add(th)
		}

		if !disableReceipt && pkt.PacketType == PacketData && pkt.DestType != DestPlain && pkt.Context != CtxChannel && pkt.Context != CtxResource {
			st.Receipts = append(st.Receipts, &Receipt{Packet: pkt, SentAt: nowUnix(), Timeout: nowUnix() + 10})
		}
		if pkt.PacketType == PacketAnnounce || pkt.PacketType == PacketProof {
			tr.cachePacket(pkt)
		}
	})
}

func hexHash(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}
