package dtsc

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valurhrafn/mistlib/internal/buffer"
	"github.com/valurhrafn/mistlib/internal/logger"
	"github.com/valurhrafn/mistlib/internal/metrics"
	"github.com/valurhrafn/mistlib/internal/socket"
)

// SeekResult reports whether a media time can be served from the retained
// live window.
type SeekResult int

const (
	// SeekExact means the time lies inside the retained window.
	SeekExact SeekResult = iota
	// SeekNear means the time has been evicted; seeking snaps forward to
	// the oldest retained keyframe.
	SeekNear
	// SeekUnavailable means the time is newer than anything received.
	SeekUnavailable
)

type entry struct {
	pos LivePos
	pkt *Packet
}

// Stream is the live media buffer: a time-ordered window of recent packets
// across all tracks, read concurrently through Rings. One writer feeds it
// via ParsePacket/AddPacket; mutations appear atomic to readers.
type Stream struct {
	mu sync.Mutex

	name        string
	bufferCount int
	bufferTime  uint64 // ms, 0 disables temporal retention

	entries   []entry // ascending by LivePos
	keyframes map[uint32][]LivePos
	rings     map[*Ring]struct{}

	meta         *Meta
	lastMetaPack []byte
	ended        bool
	resyncing    bool

	log logger.Logger
}

// NewStream creates a live buffer retaining at least bufferCount packets
// and, when bufferTime is positive, at least that much wall time.
func NewStream(name string, bufferCount int, bufferTime time.Duration, log logger.Logger) *Stream {
	if bufferCount < 1 {
		bufferCount = 1
	}
	return &Stream{
		name:        name,
		bufferCount: bufferCount,
		bufferTime:  uint64(bufferTime / time.Millisecond),
		keyframes:   make(map[uint32][]LivePos),
		rings:       make(map[*Ring]struct{}),
		log:         log.WithField("component", "stream").WithField("stream", name),
	}
}

// SetBufferTime changes the minimum temporal retention.
func (s *Stream) SetBufferTime(d time.Duration) {
	s.mu.Lock()
	s.bufferTime = uint64(d / time.Millisecond)
	s.mu.Unlock()
}

// Meta returns the current stream metadata, nil before any header packet.
func (s *Stream) Meta() *Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// SetMeta replaces the stream metadata.
func (s *Stream) SetMeta(m *Meta) {
	s.mu.Lock()
	s.meta = m
	s.lastMetaPack = m.Packed()
	s.mu.Unlock()
}

// OutHeader returns the packed header record for relaying the stream in
// its native container format.
func (s *Stream) OutHeader() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMetaPack
}

// OutPacket returns the packed data record at the given position, or nil.
func (s *Stream) OutPacket(pos LivePos) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.packetAtLocked(pos); p != nil {
		return p.Packed()
	}
	return nil
}

// Ended reports whether the stream has been marked terminal.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// EndStream marks the stream terminal. Readers reach a deterministic end
// after draining what is buffered.
func (s *Stream) EndStream() {
	s.mu.Lock()
	s.ended = true
	for r := range s.rings {
		r.Updated = true
	}
	s.mu.Unlock()
}

// ParsePacket consumes at most one data record from the byte source,
// together with a header record directly in front of it. Header records
// replace the stream metadata; data records are added to the buffer. It
// returns true only when a data record was added, so a header with no
// complete data record behind it is consumed and false is returned.
// Partial input leaves the incomplete record intact and returns false.
// Malformed input is consumed up to the next record boundary, also
// returning false.
func (s *Stream) ParsePacket(b *buffer.Buffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := b.Copy(8)
	if head == nil {
		return false
	}
	if bytes.Equal(head, MagicHeader) {
		prefix := b.Copy(12)
		if prefix == nil {
			return false
		}
		bodyLen := int(binary.BigEndian.Uint32(prefix[8:12]))
		if !b.Available(12 + bodyLen) {
			return false
		}
		whole := b.Remove(12 + bodyLen)
		v, _ := UnmarshalValue(whole[12:])
		m := MetaFromValue(v, s.log)
		if m == nil {
			metrics.IncParseError(s.name, "dtsc")
			return false
		}
		m.Live = true
		s.meta = m
		s.lastMetaPack = whole
		s.resyncing = false
		head = b.Copy(8)
		if head == nil {
			return false
		}
	}
	if bytes.Equal(head[:4], MagicPacket) {
		bodyLen := int(binary.BigEndian.Uint32(head[4:8]))
		if !b.Available(8 + bodyLen) {
			return false
		}
		whole := b.Remove(8 + bodyLen)
		v, _ := UnmarshalValue(whole[8:])
		p := PacketFromValue(v)
		if p == nil || p.Kind == KindInvalid {
			metrics.IncParseError(s.name, "dtsc")
			return false
		}
		s.addPacketLocked(p)
		s.resyncing = false
		return true
	}
	// invalid data: consume up to the next record boundary
	if !s.resyncing {
		s.log.Warn("invalid container data received, resyncing")
		s.resyncing = true
	}
	metrics.IncParseError(s.name, "dtsc")
	queued := b.Copy(b.Bytes(1 << 30))
	if idx := bytes.Index(queued, MagicPacket); idx > 0 {
		b.Remove(idx)
	} else if idx < 0 {
		b.Clear()
	}
	return false
}

// AddPacket inserts one packet into the buffer, assigning it a unique
// LivePos and evicting old data while the retention policy allows.
func (s *Stream) AddPacket(p *Packet) {
	s.mu.Lock()
	s.addPacketLocked(p)
	s.mu.Unlock()
}

func (s *Stream) addPacketLocked(p *Packet) {
	lp := LivePos{MS: p.Time, TrackID: p.TrackID}
	for s.existsLocked(lp) {
		lp.MS++
	}
	p.Time = lp.MS

	if p.Kind == KindVideo && p.Keyframe {
		s.keyframes[p.TrackID] = insertPos(s.keyframes[p.TrackID], lp)
	}
	// retention is evaluated against the state before this packet was
	// added: the packet that overflows the window never retires the run
	// it extends itself
	overfull := len(s.entries) > s.bufferCount
	s.insertEntryLocked(entry{pos: lp, pkt: p})
	metrics.IncStreamPacket(s.name, p.Kind.String())

	if s.meta != nil {
		if t := s.meta.Track(p.TrackID); t != nil && lp.MS > t.LastMS {
			t.LastMS = lp.MS
			if lp.MS > s.meta.LastMS {
				s.meta.LastMS = lp.MS
			}
		}
	}

	for overfull && s.shouldCutLocked() {
		s.cutOneBufferLocked()
		overfull = len(s.entries) > s.bufferCount
	}
	metrics.SetBufferDepth(s.name, len(s.entries))
}

func (s *Stream) existsLocked(lp LivePos) bool {
	i := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].pos.Less(lp)
	})
	return i < len(s.entries) && s.entries[i].pos == lp
}

func (s *Stream) insertEntryLocked(e entry) {
	n := len(s.entries)
	if n == 0 || s.entries[n-1].pos.Less(e.pos) {
		s.entries = append(s.entries, e)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return e.pos.Less(s.entries[i].pos)
	})
	s.entries = append(s.entries, entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func insertPos(list []LivePos, lp LivePos) []LivePos {
	n := len(list)
	if n == 0 || list[n-1].Less(lp) {
		return append(list, lp)
	}
	i := sort.Search(n, func(i int) bool {
		return lp.Less(list[i])
	})
	list = append(list, LivePos{})
	copy(list[i+1:], list[i:])
	list[i] = lp
	return list
}

// hasVideoLocked reports whether any video keyframes are tracked.
func (s *Stream) hasVideoLocked() bool {
	for _, kfs := range s.keyframes {
		if len(kfs) > 0 {
			return true
		}
	}
	return false
}

// keyframeCountLocked returns the number of keyframes across all tracks.
func (s *Stream) keyframeCountLocked() int {
	total := 0
	for _, kfs := range s.keyframes {
		total += len(kfs)
	}
	return total
}

// oldestKeyframeLocked returns the oldest keyframe position of any video
// track.
func (s *Stream) oldestKeyframeLocked() (LivePos, bool) {
	var oldest LivePos
	found := false
	for _, kfs := range s.keyframes {
		if len(kfs) == 0 {
			continue
		}
		if !found || kfs[0].Less(oldest) {
			oldest = kfs[0]
			found = true
		}
	}
	return oldest, found
}

// nextKeyframeAfterLocked returns the oldest keyframe strictly after pos.
func (s *Stream) nextKeyframeAfterLocked(pos LivePos) (LivePos, bool) {
	var next LivePos
	found := false
	for _, kfs := range s.keyframes {
		for _, kf := range kfs {
			if pos.Less(kf) {
				if !found || kf.Less(next) {
					next = kf
					found = true
				}
				break
			}
		}
	}
	return next, found
}

// shouldCutLocked evaluates the retention policy: keep at least
// bufferCount packets, keep the head keyframe-aligned, and keep at least
// bufferTime of wall time behind the newest packet.
func (s *Stream) shouldCutLocked() bool {
	if len(s.entries) <= s.bufferCount {
		return false
	}
	if !s.hasVideoLocked() {
		return true
	}
	if s.keyframeCountLocked() < 2 {
		return false
	}
	if s.bufferTime > 0 {
		// the span that would remain after cutting to the next keyframe
		oldest, ok := s.oldestKeyframeLocked()
		if !ok {
			return false
		}
		cutTo := oldest
		if s.entries[0].pos == oldest {
			next, ok := s.nextKeyframeAfterLocked(oldest)
			if !ok {
				return false
			}
			cutTo = next
		}
		newest := s.entries[len(s.entries)-1].pos.MS
		if newest < cutTo.MS || newest-cutTo.MS < s.bufferTime {
			return false
		}
	}
	return true
}

// cutOneBufferLocked drops the oldest keyframe-delimited run of packets,
// or the single oldest packet when no video track exists. Rings pointing
// inside the evicted range are advanced to the new head.
func (s *Stream) cutOneBufferLocked() {
	dropped := 0
	if kf, ok := s.oldestKeyframeLocked(); ok {
		cutTo := kf
		if s.entries[0].pos == kf {
			// head already keyframe aligned: retire this keyframe and cut
			// to the next one
			next, ok := s.nextKeyframeAfterLocked(kf)
			if !ok {
				return
			}
			cutTo = next
		}
		for len(s.entries) > 0 && s.entries[0].pos.Less(cutTo) {
			s.dropHeadKeyframeLocked(s.entries[0].pos)
			s.entries = s.entries[1:]
			dropped++
		}
	} else {
		if len(s.entries) == 0 {
			return
		}
		s.entries = s.entries[1:]
		dropped = 1
	}
	if dropped > 0 {
		metrics.AddStreamDrops(s.name, dropped)
		s.advanceRingsLocked()
	}
}

// dropHeadKeyframeLocked removes pos from the keyframe index if present.
func (s *Stream) dropHeadKeyframeLocked(pos LivePos) {
	kfs := s.keyframes[pos.TrackID]
	if len(kfs) > 0 && kfs[0] == pos {
		s.keyframes[pos.TrackID] = kfs[1:]
	}
}

// advanceRingsLocked moves rings that now point before the buffer head
// forward to the head, never backward.
func (s *Stream) advanceRingsLocked() {
	if len(s.entries) == 0 {
		return
	}
	head := s.entries[0].pos
	for r := range s.rings {
		if r.Pos.Less(head) {
			r.Pos = head
			r.fresh = true
			r.Updated = true
		}
	}
}

// GetRing creates a reader positioned at the newest keyframe across the
// selected tracks, or the newest packet when no video is selected. An
// empty selection means all tracks.
func (s *Stream) GetRing(selected ...uint32) *Ring {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Ring{
		ID:      uuid.NewString(),
		Updated: true,
		fresh:   true,
		stream:  s,
	}
	if len(selected) > 0 {
		r.Selected = make(map[uint32]bool, len(selected))
		for _, id := range selected {
			r.Selected[id] = true
		}
	}
	if pos, ok := s.newestKeyframeLocked(r.Selected); ok {
		r.Pos = pos
	} else if pos, ok := s.newestEntryLocked(r.Selected); ok {
		r.Pos = pos
	} else {
		r.Waiting = true
		r.fresh = false
	}
	s.rings[r] = struct{}{}
	metrics.SetActiveRings(s.name, len(s.rings))
	return r
}

// DropRing detaches a reader. Unknown rings are silently ignored.
func (s *Stream) DropRing(r *Ring) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rings[r]; ok {
		delete(s.rings, r)
		r.Starved = true
		metrics.SetActiveRings(s.name, len(s.rings))
	}
}

func allowed(sel map[uint32]bool, track uint32) bool {
	return sel == nil || sel[track]
}

func (s *Stream) newestKeyframeLocked(sel map[uint32]bool) (LivePos, bool) {
	var newest LivePos
	found := false
	for track, kfs := range s.keyframes {
		if len(kfs) == 0 || !allowed(sel, track) {
			continue
		}
		last := kfs[len(kfs)-1]
		if !found || newest.Less(last) {
			newest = last
			found = true
		}
	}
	return newest, found
}

func (s *Stream) newestEntryLocked(sel map[uint32]bool) (LivePos, bool) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if allowed(sel, s.entries[i].pos.TrackID) {
			return s.entries[i].pos, true
		}
	}
	return LivePos{}, false
}

func (s *Stream) packetAtLocked(pos LivePos) *Packet {
	i := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].pos.Less(pos)
	})
	if i < len(s.entries) && s.entries[i].pos == pos {
		return s.entries[i].pkt
	}
	return nil
}

// MsSeek returns the best position at or before the given media time over
// the allowed tracks. When any allowed track has video the result is a
// keyframe; seeks outside the retained window snap to the nearest edge.
func (s *Stream) MsSeek(ms uint64, sel map[uint32]bool) LivePos {
	s.mu.Lock()
	defer s.mu.Unlock()

	var anyVideo bool
	for track, kfs := range s.keyframes {
		if len(kfs) > 0 && allowed(sel, track) {
			anyVideo = true
			break
		}
	}
	if anyVideo {
		var best LivePos
		found := false
		var oldest, newest LivePos
		haveEdges := false
		for track, kfs := range s.keyframes {
			if len(kfs) == 0 || !allowed(sel, track) {
				continue
			}
			if !haveEdges || kfs[0].Less(oldest) {
				oldest = kfs[0]
			}
			if !haveEdges || newest.Less(kfs[len(kfs)-1]) {
				newest = kfs[len(kfs)-1]
			}
			haveEdges = true
			for _, kf := range kfs {
				if kf.MS <= ms && (!found || best.Less(kf)) {
					best = kf
					found = true
				}
			}
		}
		if found {
			return best
		}
		if haveEdges {
			if ms > newest.MS {
				s.log.WithField("ms", ms).Warn("seeking past ingest")
				return newest
			}
			s.log.WithField("ms", ms).Warn("seeking past buffer window")
			return oldest
		}
		return LivePos{}
	}
	var best LivePos
	found := false
	for _, e := range s.entries {
		if !allowed(sel, e.pos.TrackID) {
			continue
		}
		if e.pos.MS <= ms {
			best = e.pos
			found = true
		} else {
			break
		}
	}
	if found {
		return best
	}
	if pos, ok := s.oldestEntryLocked(sel); ok {
		return pos
	}
	return LivePos{}
}

func (s *Stream) oldestEntryLocked(sel map[uint32]bool) (LivePos, bool) {
	for _, e := range s.entries {
		if allowed(sel, e.pos.TrackID) {
			return e.pos, true
		}
	}
	return LivePos{}, false
}

// CanSeekMs reports whether the given media time can be served from the
// retained window.
func (s *Stream) CanSeekMs(ms uint64) SeekResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return SeekUnavailable
	}
	if ms > s.entries[len(s.entries)-1].pos.MS {
		return SeekUnavailable
	}
	if ms < s.entries[0].pos.MS {
		return SeekNear
	}
	return SeekExact
}

// IsNewest reports whether no allowed packet newer than pos is buffered.
func (s *Stream) IsNewest(pos LivePos, sel map[uint32]bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nextLocked(pos, sel)
	return !ok
}

// GetNext returns the next position after pos over the allowed tracks, or
// pos unchanged when the reader has caught up.
func (s *Stream) GetNext(pos LivePos, sel map[uint32]bool) LivePos {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.nextLocked(pos, sel); ok {
		return next
	}
	return pos
}

func (s *Stream) nextLocked(pos LivePos, sel map[uint32]bool) (LivePos, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return pos.Less(s.entries[i].pos)
	})
	for ; i < len(s.entries); i++ {
		if allowed(sel, s.entries[i].pos.TrackID) {
			return s.entries[i].pos, true
		}
	}
	return LivePos{}, false
}

// BufferDepth returns the number of retained packets.
func (s *Stream) BufferDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Oldest returns the buffer head position, false when empty.
func (s *Stream) Oldest() (LivePos, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return LivePos{}, false
	}
	return s.entries[0].pos, true
}

// WaitForMeta blocks until metadata has been received on the connection
// or the source disconnects. Returns true when metadata is available.
func (s *Stream) WaitForMeta(conn *socket.Conn) bool {
	for {
		s.mu.Lock()
		haveMeta := s.meta != nil
		s.mu.Unlock()
		if haveMeta {
			return true
		}
		if !conn.Connected() {
			return false
		}
		if !conn.Spool() {
			time.Sleep(5 * time.Millisecond)
		}
		s.ParsePacket(conn.Received())
	}
}
