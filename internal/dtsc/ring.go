package dtsc

// Ring is a reader cursor into a live Stream. The application owns the
// Ring; the Stream keeps only a registry reference used by eviction to
// advance stale cursors. Drop a Ring with Stream.DropRing when done.
type Ring struct {
	ID  string
	Pos LivePos

	// Waiting is set when the reader has caught up with the writer.
	Waiting bool
	// Starved is set when the cursor can no longer produce data: the
	// stream ended and drained, or the Ring was dropped.
	Starved bool
	// Updated is set by the stream whenever bookkeeping moved the cursor
	// or new metadata applies.
	Updated bool

	PlayCount int

	// Selected restricts the cursor to these track ids; nil means all.
	Selected map[uint32]bool

	// fresh marks that the packet at Pos has not been delivered yet.
	fresh  bool
	stream *Stream
}

// Next returns the next packet for this reader, advancing the cursor. It
// returns nil when the reader has caught up (Waiting is set) or when the
// stream has terminally ended (Starved is set). The cursor position never
// moves backward.
func (r *Ring) Next() *Packet {
	s := r.stream
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Starved {
		return nil
	}
	if r.fresh {
		if p := s.packetAtLocked(r.Pos); p != nil {
			r.fresh = false
			r.Waiting = false
			return p
		}
		r.fresh = false
	}
	next, ok := s.nextLocked(r.Pos, r.Selected)
	if !ok {
		r.Waiting = true
		if s.ended {
			r.Starved = true
		}
		return nil
	}
	r.Pos = next
	r.Waiting = false
	return s.packetAtLocked(next)
}

// SeekMS moves the cursor to the best position at or before the given
// media time. The move may go backward in the retained window; the
// returned position is keyframe-aligned when the selection has video.
func (r *Ring) SeekMS(ms uint64) LivePos {
	pos := r.stream.MsSeek(ms, r.Selected)
	s := r.stream
	s.mu.Lock()
	r.Pos = pos
	r.fresh = true
	r.Waiting = false
	s.mu.Unlock()
	return pos
}
