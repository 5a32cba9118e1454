package core

// transport_announce.go – announce processing, the path-update rule, and
// announce-table retransmission/rate-limiting bookkeeping (§4.5.1).

import (
	"math/rand"
	"time"
)

const (
	pathfinderRW = 2 * time.Second
	pathfinderR  = 3

	maxRateTimestamps   = 16
	announceRateGraceDefault = 3
)

// handleAnnounce applies the path-update rule to an inbound ANNOUNCE,
// schedules a rebroadcast on fresh insertion, and invokes every announce
// handler whose aspect filter is empty, passing a nil identity. Handlers
// with a non-empty filter are not invoked.
func (tr *Transport) handleAnnounce(pkt *Packet, iface *Interface) {
	st := tr.state()
	if len(pkt.Payload) < 32+10+10+64 {
		return // malformed announce
	}
	// payload layout: pub_key(32) ∥ name_hash(10) ∥ random_blob(10) ∥
	// signature(64) ∥ app_data. identity.validate_announce(pkt) is an
	// opaque operation per the identity contract, not performed here.
	var blob [10]byte
	copy(blob[:], pkt.Payload[42:52])
	appData := pkt.Payload[116:]

	h := pkt.Hops
	tEmit := decodeTimestamp40([5]byte{blob[5], blob[6], blob[7], blob[8], blob[9]})

	d := pkt.Destination
	existing, hasExisting := st.Path.Get(d)

	fresh := false
	switch {
	case !hasExisting:
		fresh = true
	case h <= existing.Hops:
		fresh = !existing.seenBlob(blob)
	default: // h > existing.Hops
		expired := nowUnix() > existing.Expires
		newer := tEmit > existing.EmissionTime
		fresh = (expired || newer) && !existing.seenBlob(blob)
	}
	if !fresh {
		return
	}

	entry := &PathEntry{
		InterfaceID: iface.ID, Hops: h, EmissionTime: tEmit,
		Expires: nowUnix() + destinationTimeoutFor(iface),
		ReceivedFrom: d,
	}
	if hasExisting {
		entry.RandomBlobs = existing.RandomBlobs
	}
	entry.rememberBlob(blob)
	st.Path.Put(d, entry, nowUnix())

	tr.scheduleRebroadcast(pkt, iface)

	for _, h := range st.AnnounceHandlers {
		if h.AspectFilter == "" {
			h.Fn(d, nil, appData)
		}
	}
}

func destinationTimeoutFor(iface *Interface) int64 {
	switch iface.Mode {
	case ModeAP:
		return 60
	case ModeRoaming:
		return 3600
	default:
		return 86400
	}
}

// scheduleRebroadcast enqueues a retransmission for a freshly inserted
// path. AP-mode interfaces never schedule one; roaming and boundary modes
// are treated like every other mode.
func (tr *Transport) scheduleRebroadcast(pkt *Packet, iface *Interface) {
	if iface.Mode == ModeAP {
		return
	}
	st := tr.state()
	jitter := time.Duration(rand.Int63n(int64(pathfinderRW)))
	st.Announce.Put(pkt.Destination, &AnnounceEntry{
		Packet: pkt, RetransmitAt: nowUnix() + int64(jitter.Seconds()), Retries: 0,
	}, nowUnix())
}

// recordAnnounceTimestamp applies the per-destination sliding-window rate
// limit described in §4.5.1.
func (tr *Transport) recordAnnounceTimestamp(dest DestHash, iface *Interface) bool {
	st := tr.state()
	re, ok := st.AnnounceRate.Get(dest)
	if !ok {
		re = &AnnounceRateEntry{}
		st.AnnounceRate.Put(dest, re, nowUnix())
	}
	now := nowUnix()
	if now < re.BlockedUntil {
		return false
	}
	re.Timestamps = append(re.Timestamps, now)
	if len(re.Timestamps) > maxRateTimestamps {
		re.Timestamps = re.Timestamps[len(re.Timestamps)-maxRateTimestamps:]
	}
	if len(re.Timestamps) >= 2 {
		delta := float64(re.Timestamps[len(re.Timestamps)-1] - re.Timestamps[len(re.Timestamps)-2])
		if delta < iface.AnnounceRateTarget {
			re.Violations++
			if re.Violations > iface.AnnounceRateGrace {
				re.BlockedUntil = now + int64(iface.AnnounceRateTarget) + int64(iface.AnnounceRatePenalty)
				return false
			}
		} else {
			re.Violations = 0
		}
	}
	return true
}

// reinsertHeld reinserts a temporarily held announce once the path
// request it served has been answered, preferring the freshest by
// emission timestamp and, on a tie, the held entry (§9 open question
// decision).
func (tr *Transport) reinsertHeld(dest DestHash) {
	st := tr.state()
	held, ok := st.HeldAnnounces.Get(dest)
	if !ok {
		return
	}
	st.HeldAnnounces.Delete(dest)
	current, hasCurrent := st.Announce.Get(dest)
	if !hasCurrent {
		st.Announce.Put(dest, &held.Entry, nowUnix())
		return
	}
	heldEmit := decodeAnnounceEmission(held.Entry.Packet)
	curEmit := decodeAnnounceEmission(current.Packet)
	if heldEmit >= curEmit {
		st.Announce.Put(dest, &held.Entry, nowUnix())
	}
}

func decodeAnnounceEmission(pkt *Packet) int64 {
	if pkt == nil || len(pkt.Payload) < 52 {
		return 0
	}
	var ts [5]byte
	copy(ts[:], pkt.Payload[47:52])
	return decodeTimestamp40(ts)
}
