package core

// transport_jobs.go – the periodic jobs() sweep (§4.5.4), run
// approximately every 250ms by an external clock tick. Holds the same
// _jobs_locked flag inbound/outbound use, so timer-driven maintenance
// never races a concurrently dispatching packet.

import (
	"runtime"
	"time"
)

// JobsInterval is the recommended external tick period for RunJobs.
const JobsInterval = 250 * time.Millisecond

const (
	linkCheckInterval  = 1 * time.Second
	receiptsInterval   = 1 * time.Second
	announceInterval   = 1 * time.Second
	tablesCullInterval = 60 * time.Second
	ratchetRotateInterval = 600 * time.Second

	reverseTimeout       = 30 * time.Second
	linkTimeout          = 300 * time.Second
	pathRequestThrottleWindow = 30 * time.Second
	maxReceipts          = 8

	pressureWarnFreeBytes     = 32 * 1024
	pressureCriticalFreeBytes = 8 * 1024
)

// defaultMemoryPressure reads runtime.MemStats — the hosted-Go-runtime
// supplement for §4.5.4's "available heap and max contiguous block" check
// (this module targets hosted runtimes primarily, see SPEC_FULL.md).
func defaultMemoryPressure() (freeBytes, largestBlock uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	free := ms.Sys - ms.HeapInuse
	return free, free
}

// JobScheduler tracks per-subtask last-run times so Jobs() can be called
// as often as the embedder likes without re-running a subtask early.
type JobScheduler struct {
	lastLinkCheck     time.Time
	lastReceipts      time.Time
	lastAnnounces     time.Time
	lastTablesCull    time.Time
	lastRatchetRotate time.Time
}

// NewJobScheduler returns a scheduler with every subtask due immediately.
func NewJobScheduler() *JobScheduler { return &JobScheduler{} }

// RunJobs runs whichever subtasks are due. Safe to call more often than
// JobsInterval; each subtask enforces its own cadence.
func (tr *Transport) RunJobs(sched *JobScheduler) {
	tr.withJobsLock(func() {
		now := time.Now()
		st := tr.state()

		if now.Sub(sched.lastLinkCheck) >= linkCheckInterval {
			tr.linkCheck(now.Unix())
			sched.lastLinkCheck = now
		}
		if now.Sub(sched.lastReceipts) >= receiptsInterval {
			tr.receiptsCheck(now.Unix())
			sched.lastReceipts = now
		}
		if now.Sub(sched.lastAnnounces) >= announceInterval {
			tr.announcesCheck(now.Unix())
			sched.lastAnnounces = now
		}
		if now.Sub(sched.lastTablesCull) >= tablesCullInterval {
			tr.tablesCull(now.Unix())
			st.reportTableOccupancy()
			sched.lastTablesCull = now
		}
		if now.Sub(sched.lastRatchetRotate) >= ratchetRotateInterval {
			tr.ratchetRotate()
			sched.lastRatchetRotate = now
		}

		tr.memoryPressureCull(st)
	})
}

// ratchetRotate advances the ratchet key of every locally-owned
// destination, so datagrams sent to it via BuildRatchetDatagram stay
// forward-secret over the destination's lifetime rather than using one
// key forever.
func (tr *Transport) ratchetRotate() {
	st := tr.state()
	st.Destinations.Each(func(_ DestHash, d *Destination, _ int64) {
		if d.Direction == DirIn && d.Identity != nil {
			d.RotateRatchet()
		}
	})
}

func (tr *Transport) linkCheck(now int64) {
	st := tr.state()
	for id, l := range st.PendingLinks {
		if l.State == LinkClosed {
			delete(st.PendingLinks, id)
			continue
		}
		if now >= l.ProofTimeout {
			l.Close()
			delete(st.PendingLinks, id)
			if !tr.ctx.TransportEnabled {
				tr.maybeIssuePathRequest(l.DestHash, now)
			}
		}
	}
	for id, l := range st.ActiveLinks {
		if l.State == LinkClosed {
			delete(st.ActiveLinks, id)
			continue
		}
		l.tick(now, func() {
			kp := Pack(l.DestHash, nil, PacketData, CtxKeepalive, Header1, TransportBroadcast, DestLink, nil)
			tr.Outbound(kp, true)
		})
		if l.Channel != nil {
			l.Channel.job(now)
		}
	}
}

func (tr *Transport) maybeIssuePathRequest(dest DestHash, now int64) {
	st := tr.state()
	last, ok := st.lastPathRequest[dest]
	if ok && now-last < int64(pathRequestMinInterval.Seconds()) {
		return
	}
	st.lastPathRequest[dest] = now
	// Issuing the actual PATH_REQUEST packet is left to the caller-supplied
	// destination layer; Transport only enforces the throttle here.
}

func (tr *Transport) receiptsCheck(now int64) {
	st := tr.state()
	if len(st.Receipts) > maxReceipts {
		excess := len(st.Receipts) - maxReceipts
		for i := 0; i < excess; i++ {
			st.Receipts[i].checkTimeout(now + 1<<30) // force timeout
		}
		st.Receipts = st.Receipts[excess:]
	}
	kept := st.Receipts[:0]
	for _, r := range st.Receipts {
		if !r.checkTimeout(now) {
			kept = append(kept, r)
		}
	}
	st.Receipts = kept
}

func (tr *Transport) announcesCheck(now int64) {
	st := tr.state()
	st.Announce.Retain(func(dest DestHash, e *AnnounceEntry, _ int64) bool {
		if now < e.RetransmitAt {
			return true
		}
		e.Retries++
		if e.Retries > pathfinderR {
			return false
		}
		ctx := CtxNone
		if e.BlockRebroadcast {
			ctx = CtxPathResponse
		}
		pkt := *e.Packet
		pkt.Context = ctx
		tr.Outbound(&pkt, true)
		e.RetransmitAt = now + int64(pathfinderRW.Seconds())
		return true
	})
}

func (tr *Transport) tablesCull(now int64) {
	st := tr.state()
	st.Reverse.Retain(func(_ PktHash, _ *ReverseEntry, ts int64) bool {
		return now-ts <= int64(reverseTimeout.Seconds())
	})
	st.Link.Retain(func(_ LinkID, l *Link, ts int64) bool {
		if l.State == LinkActive || l.State == LinkStale {
			return now-ts <= int64(linkTimeout.Seconds())
		}
		return now < l.ProofTimeout
	})
	st.Path.Retain(func(_ DestHash, e *PathEntry, _ int64) bool {
		return now <= e.Expires
	})
	st.DiscoveryPathRequests.Retain(func(_ DestHash, d *DiscoveryPathRequest, _ int64) bool {
		return now <= d.Timeout
	})
	st.Tunnels.Retain(func(_ [16]byte, t *TunnelEntry, _ int64) bool {
		return now <= t.Expires
	})
	st.PathRequestThrottle.Retain(func(_ DestHash, _ int64, ts int64) bool {
		return now-ts <= int64(pathRequestThrottleWindow.Seconds())
	})
}

// memoryPressureCull implements §4.5.4/S6: below the warn threshold, cull
// the path table to ≤16 entries and the hashlist to ≤30; below critical,
// cull harder to ≤8 and ≤20. Eviction is oldest-timestamp first.
func (tr *Transport) memoryPressureCull(st *TransportState) {
	free, _ := tr.ctx.MemPressure()
	switch {
	case free < pressureCriticalFreeBytes:
		cullPathToSize(st, 8)
		st.PacketHashlist.Trim(20)
	case free < pressureWarnFreeBytes:
		cullPathToSize(st, 16)
		st.PacketHashlist.Trim(30)
	}
}

func cullPathToSize(st *TransportState, target int) {
	for st.Path.Len() > target {
		oldestKey := DestHash{}
		oldestTS := int64(1<<63 - 1)
		found := false
		st.Path.Each(func(k DestHash, _ *PathEntry, ts int64) {
			if ts < oldestTS {
				oldestTS = ts
				oldestKey = k
				found = true
			}
		})
		if !found {
			return
		}
		st.Path.Delete(oldestKey)
	}
}
