package core

// transport_persist.go – storage-backed load/save for the path and tunnel
// tables, and the content-hash-keyed packet cache used by cachePacket.

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/sirupsen/logrus"
)

const (
	destinationTablePath = "destination_table"
	tunnelTablePath      = "tunnels"
	hashlistPath         = "packet_hashlist"
	identityPath         = "transport_identity"
	cacheDir             = "packets"
)

// packetCache lazily builds the on-disk packet cache the first time it's
// needed, so a Context with no Storage configured never touches disk.
func (tr *Transport) packetCache() *diskLRU {
	if tr.cache != nil {
		return tr.cache
	}
	tr.cache = newDiskLRU(tr.ctx.Store, cacheDir, defaultCacheEntries)
	return tr.cache
}

// CachedPacket fetches a previously cached ANNOUNCE/PROOF packet by its
// full hash, used to answer CACHE_REQUEST.
func (tr *Transport) CachedPacket(fullHash [32]byte) (*Packet, bool) {
	raw, ok := tr.packetCache().get(hexHash(fullHash[:]))
	if !ok {
		return nil, false
	}
	pkt, err := Unpack(raw)
	if err != nil {
		return nil, false
	}
	return pkt, true
}

// persistEntry is the on-disk encoding for one path-table record: dest(16)
// ∥ transport-id(16) ∥ has-transport(1) ∥ hops(1) ∥ emission(8) ∥
// expires(8). The interface is not persisted (interfaces are runtime-only).
type persistEntry struct {
	Dest         DestHash
	TransportID  [16]byte
	HasTransport bool
	Hops         byte
	EmissionTime int64
	Expires      int64
}

func marshalPersistEntries(entries []persistEntry) []byte {
	buf := make([]byte, 0, 4+len(entries)*(16+16+1+1+8+8))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(entries)))
	buf = append(buf, n[:]...)
	for _, e := range entries {
		buf = append(buf, e.Dest[:]...)
		buf = append(buf, e.TransportID[:]...)
		hasT := byte(0)
		if e.HasTransport {
			hasT = 1
		}
		buf = append(buf, hasT, e.Hops)
		var emit, exp [8]byte
		binary.BigEndian.PutUint64(emit[:], uint64(e.EmissionTime))
		binary.BigEndian.PutUint64(exp[:], uint64(e.Expires))
		buf = append(buf, emit[:]...)
		buf = append(buf, exp[:]...)
	}
	return buf
}

func unmarshalPersistEntries(buf []byte) ([]persistEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("transport: truncated table snapshot")
	}
	count := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	const recSize = 16 + 16 + 1 + 1 + 8 + 8
	out := make([]persistEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < recSize {
			return nil, fmt.Errorf("transport: truncated table record %d", i)
		}
		var e persistEntry
		copy(e.Dest[:], buf[0:16])
		copy(e.TransportID[:], buf[16:32])
		e.HasTransport = buf[32] != 0
		e.Hops = buf[33]
		e.EmissionTime = int64(binary.BigEndian.Uint64(buf[34:42]))
		e.Expires = int64(binary.BigEndian.Uint64(buf[42:50]))
		out = append(out, e)
		buf = buf[recSize:]
	}
	return out, nil
}

// SaveTables writes the path table to storagepath/destination_table,
// gated by a CRC of the serialised form so unchanged state is not
// rewritten. Every path entry is written, including ones whose backing
// interface no longer exists.
func (tr *Transport) SaveTables() error {
	if tr.ctx.Store == nil {
		return nil
	}
	st := tr.state()
	entries := make([]persistEntry, 0, st.Path.Len())
	st.Path.Each(func(dest DestHash, e *PathEntry, _ int64) {
		entries = append(entries, persistEntry{
			Dest: dest, TransportID: e.TransportID, HasTransport: e.HasTransport,
			Hops: e.Hops, EmissionTime: e.EmissionTime, Expires: e.Expires,
		})
	})
	buf := marshalPersistEntries(entries)
	sum := crc32.ChecksumIEEE(buf)
	if tr.tablesCRCSet && sum == tr.tablesCRC {
		return nil
	}
	if err := tr.ctx.Store.Write(destinationTablePath, buf); err != nil {
		return err
	}
	tr.tablesCRC, tr.tablesCRCSet = sum, true
	return nil
}

// LoadTables reloads the path table at startup. Interface ids are not
// persisted (interfaces are runtime-only), so every reloaded entry starts
// with InterfaceID unset; generalTransportHandling's existing missing-
// interface cull removes it the first time it's looked up and found
// unattached, which is the §4.5.4 invalid-entry rule applied lazily instead
// of up front.
func (tr *Transport) LoadTables() error {
	if tr.ctx.Store == nil || !tr.ctx.Store.Exists(destinationTablePath) {
		return nil
	}
	raw, err := tr.ctx.Store.Read(destinationTablePath)
	if err != nil {
		return err
	}
	entries, err := unmarshalPersistEntries(raw)
	if err != nil {
		return err
	}
	st := tr.state()
	now := nowUnix()
	for _, e := range entries {
		st.Path.Put(e.Dest, &PathEntry{
			TransportID: e.TransportID, HasTransport: e.HasTransport,
			Hops: e.Hops, EmissionTime: e.EmissionTime, Expires: e.Expires,
			ReceivedFrom: e.Dest,
		}, now)
	}
	tr.tablesCRC, tr.tablesCRCSet = crc32.ChecksumIEEE(raw), true
	logrus.WithField("count", len(entries)).Debug("transport: reloaded path table")
	return nil
}

// tunnelPersistEntry is the on-disk encoding for one tunnel-table record:
// tunnel-id(16) ∥ expires(8) ∥ path-count(4) ∥ path-hash(16) × count.
func marshalTunnels(ids [][16]byte, entries []*TunnelEntry) []byte {
	buf := make([]byte, 0, 4)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(ids)))
	buf = append(buf, n[:]...)
	for i, id := range ids {
		e := entries[i]
		buf = append(buf, id[:]...)
		var exp [8]byte
		binary.BigEndian.PutUint64(exp[:], uint64(e.Expires))
		buf = append(buf, exp[:]...)
		var pc [4]byte
		binary.BigEndian.PutUint32(pc[:], uint32(len(e.Paths)))
		buf = append(buf, pc[:]...)
		for _, p := range e.Paths {
			buf = append(buf, p[:]...)
		}
	}
	return buf
}

func unmarshalTunnels(buf []byte) (map[[16]byte]*TunnelEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("transport: truncated tunnel snapshot")
	}
	count := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	out := make(map[[16]byte]*TunnelEntry, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 16+8+4 {
			return nil, fmt.Errorf("transport: truncated tunnel record %d", i)
		}
		var id [16]byte
		copy(id[:], buf[0:16])
		expires := int64(binary.BigEndian.Uint64(buf[16:24]))
		pathCount := binary.BigEndian.Uint32(buf[24:28])
		buf = buf[28:]
		paths := make([]DestHash, 0, pathCount)
		for j := uint32(0); j < pathCount; j++ {
			if len(buf) < 16 {
				return nil, fmt.Errorf("transport: truncated tunnel path %d/%d", i, j)
			}
			var p DestHash
			copy(p[:], buf[0:16])
			paths = append(paths, p)
			buf = buf[16:]
		}
		out[id] = &TunnelEntry{Expires: expires, Paths: paths}
	}
	return out, nil
}

// SaveTunnels writes the tunnel table to storagepath/tunnels, gated by a
// CRC of the serialised form so unchanged state is not rewritten.
func (tr *Transport) SaveTunnels() error {
	if tr.ctx.Store == nil {
		return nil
	}
	st := tr.state()
	var ids [][16]byte
	var entries []*TunnelEntry
	st.Tunnels.Each(func(id [16]byte, e *TunnelEntry, _ int64) {
		ids = append(ids, id)
		entries = append(entries, e)
	})
	buf := marshalTunnels(ids, entries)
	sum := crc32.ChecksumIEEE(buf)
	if tr.tunnelsCRCSet && sum == tr.tunnelsCRC {
		return nil
	}
	if err := tr.ctx.Store.Write(tunnelTablePath, buf); err != nil {
		return err
	}
	tr.tunnelsCRC, tr.tunnelsCRCSet = sum, true
	return nil
}

// LoadTunnels reloads the tunnel table at startup. InterfaceID is not
// persisted for the same reason path entries drop it, and reloaded entries
// keep it unset.
func (tr *Transport) LoadTunnels() error {
	if tr.ctx.Store == nil || !tr.ctx.Store.Exists(tunnelTablePath) {
		return nil
	}
	raw, err := tr.ctx.Store.Read(tunnelTablePath)
	if err != nil {
		return err
	}
	tunnels, err := unmarshalTunnels(raw)
	if err != nil {
		return err
	}
	st := tr.state()
	now := nowUnix()
	for id, e := range tunnels {
		st.Tunnels.Put(id, e, now)
	}
	tr.tunnelsCRC, tr.tunnelsCRCSet = crc32.ChecksumIEEE(raw), true
	return nil
}

// marshalHashlist encodes the packet dedup ring's keys: count(4) ∥
// hash(16) × count.
func marshalHashlist(keys []PktHash) []byte {
	buf := make([]byte, 0, 4+len(keys)*16)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(keys)))
	buf = append(buf, n[:]...)
	for _, k := range keys {
		buf = append(buf, k[:]...)
	}
	return buf
}

func unmarshalHashlist(buf []byte) ([]PktHash, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("transport: truncated hashlist snapshot")
	}
	count := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	out := make([]PktHash, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 16 {
			return nil, fmt.Errorf("transport: truncated hashlist record %d", i)
		}
		var k PktHash
		copy(k[:], buf[:16])
		out = append(out, k)
		buf = buf[16:]
	}
	return out, nil
}

// SaveHashlist writes the packet dedup ring to storagepath/packet_hashlist,
// gated by a CRC of the serialised form, so duplicate suppression survives
// a restart instead of resetting.
func (tr *Transport) SaveHashlist() error {
	if tr.ctx.Store == nil {
		return nil
	}
	buf := marshalHashlist(tr.state().PacketHashlist.Snapshot())
	sum := crc32.ChecksumIEEE(buf)
	if tr.hashlistCRCSet && sum == tr.hashlistCRC {
		return nil
	}
	if err := tr.ctx.Store.Write(hashlistPath, buf); err != nil {
		return err
	}
	tr.hashlistCRC, tr.hashlistCRCSet = sum, true
	return nil
}

// LoadHashlist reloads the packet dedup ring at startup.
func (tr *Transport) LoadHashlist() error {
	if tr.ctx.Store == nil || !tr.ctx.Store.Exists(hashlistPath) {
		return nil
	}
	raw, err := tr.ctx.Store.Read(hashlistPath)
	if err != nil {
		return err
	}
	keys, err := unmarshalHashlist(raw)
	if err != nil {
		return err
	}
	tr.state().PacketHashlist.Restore(keys)
	tr.hashlistCRC, tr.hashlistCRCSet = crc32.ChecksumIEEE(raw), true
	return nil
}

// SaveIdentity writes ctx.Identity to storagepath/transport_identity, so a
// node's long-term identity hash survives a restart. Gated on whether the
// identity was already loaded from cfg.Node.IdentityPath — callers that
// manage identity persistence through that path (LoadOrCreateIdentityFile)
// don't need this; it exists for deployments that configure Storage but
// not IdentityPath.
func (tr *Transport) SaveIdentity() error {
	if tr.ctx.Store == nil || tr.ctx.Identity == nil {
		return nil
	}
	return tr.ctx.Store.Write(identityPath, tr.ctx.Identity.MarshalIdentity())
}

// LoadIdentity reloads ctx.Identity from storagepath/transport_identity if
// present, returning false if there was nothing to load.
func (tr *Transport) LoadIdentity() (bool, error) {
	if tr.ctx.Store == nil || !tr.ctx.Store.Exists(identityPath) {
		return false, nil
	}
	raw, err := tr.ctx.Store.Read(identityPath)
	if err != nil {
		return false, err
	}
	id, err := UnmarshalIdentity(raw)
	if err != nil {
		return false, err
	}
	tr.ctx.Identity = id
	return true, nil
}

// CleanCaches deletes any cached entry whose backing file has gone missing
// or become unreadable — the startup sweep named in §4.5.4. Entries still
// within the cache's capacity are otherwise left to its first-in eviction.
func (tr *Transport) CleanCaches() {
	cache := tr.packetCache()
	for _, k := range cache.keys() {
		if _, err := tr.ctx.Store.Read(cacheDir + "/" + k); err != nil {
			cache.remove(k)
		}
	}
}
