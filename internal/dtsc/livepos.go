package dtsc

// LivePos identifies a slot in the live buffer: packets are totally
// ordered by media time, then track id.
type LivePos struct {
	MS      uint64
	TrackID uint32
}

// Less reports whether a orders before b.
func (a LivePos) Less(b LivePos) bool {
	if a.MS != b.MS {
		return a.MS < b.MS
	}
	return a.TrackID < b.TrackID
}

// SeekPos multiplexes fixed-file byte cursors: the next keyframe position
// per selected track, ordered by time, byte position, then track.
type SeekPos struct {
	SeekTime uint64
	BytePos  int64
	TrackID  uint32
}

// Less reports whether a orders before b.
func (a SeekPos) Less(b SeekPos) bool {
	if a.SeekTime != b.SeekTime {
		return a.SeekTime < b.SeekTime
	}
	if a.BytePos != b.BytePos {
		return a.BytePos < b.BytePos
	}
	return a.TrackID < b.TrackID
}
