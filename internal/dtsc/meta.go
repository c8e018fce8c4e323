package dtsc

import (
	"fmt"
	"sort"

	"github.com/valurhrafn/mistlib/internal/logger"
)

// Key is one entry of a track's key index: a keyframe-aligned run of media
// parts in a fixed (on-disk) stream.
type Key struct {
	Time      uint64 // media time of the keyframe, ms
	BytePos   int64  // file byte position of the run
	Length    uint64 // duration of the run, ms
	Size      uint64 // total byte size of the run
	PartCount int    // number of media parts in the run
	Parts     string // encoded per-part byte sizes
}

// Track is the per-track metadata record.
type Track struct {
	ID    uint32
	Name  string
	Type  string // video, audio or meta
	Codec string
	Init  []byte

	// video
	Width  int
	Height int
	FPKS   int // frames per 1000 seconds

	// audio
	Rate     int // Hz
	Size     int // bits per sample
	Channels int

	BPS int // bytes per second

	FirstMS uint64
	LastMS  uint64

	// Keys is only populated for fixed streams.
	Keys []Key
}

// Meta is the stream-wide metadata: all tracks plus the global timeline.
type Meta struct {
	Tracks   map[uint32]*Track
	FirstMS  uint64
	LastMS   uint64
	LengthMS uint64
	Live     bool

	// Extra holds unrecognised top-level members so they survive a
	// decode/re-encode round trip.
	Extra Object
}

// NewMeta returns an empty metadata record.
func NewMeta() *Meta {
	return &Meta{Tracks: make(map[uint32]*Track)}
}

// EncodeSizes packs part byte sizes into the key index encoding: one 16-bit
// big-endian value per part, with 0xFFFF acting as an overflow continuation
// added into the next value.
func EncodeSizes(sizes []uint64) string {
	var out []byte
	for _, size := range sizes {
		for size >= 0xFFFF {
			out = append(out, 0xFF, 0xFF)
			size -= 0xFFFF
		}
		out = append(out, byte(size>>8), byte(size))
	}
	return string(out)
}

// DecodeSizes unpacks an encoded part size string.
func DecodeSizes(encoded string) []uint64 {
	var out []uint64
	var acc uint64
	for i := 0; i+1 < len(encoded); i += 2 {
		cur := uint64(encoded[i])<<8 | uint64(encoded[i+1])
		acc += cur
		if cur != 0xFFFF {
			out = append(out, acc)
			acc = 0
		}
	}
	return out
}

// aliased reads an integer member under its canonical name, falling back
// to a known historical misspelling with a warning.
func aliased(o Object, canonical, alias string, log logger.Logger) int64 {
	if objHas(o, canonical) {
		return objInt(o, canonical)
	}
	if objHas(o, alias) {
		log.WithField("alias", alias).Warnf("metadata uses legacy spelling of %q", canonical)
		return objInt(o, alias)
	}
	return 0
}

// TrackFromValue builds a Track from one member of the metadata tracks
// object.
func TrackFromValue(name string, v Value, log logger.Logger) *Track {
	o, ok := v.(Object)
	if !ok {
		return nil
	}
	t := &Track{
		ID:       uint32(objInt(o, "trackid")),
		Name:     name,
		Type:     objString(o, "type"),
		Codec:    objString(o, "codec"),
		Init:     []byte(objString(o, "init")),
		Width:    int(objInt(o, "width")),
		Height:   int(objInt(o, "height")),
		Rate:     int(objInt(o, "rate")),
		Size:     int(objInt(o, "size")),
		Channels: int(objInt(o, "channels")),
		BPS:      int(objInt(o, "bps")),
		LastMS:   uint64(objInt(o, "lastms")),
	}
	t.FPKS = int(aliased(o, "fpks", "fkps", log))
	t.FirstMS = uint64(aliased(o, "firstms", "firsms", log))
	if keys, ok := o["keys"].([]interface{}); ok {
		for _, kv := range keys {
			ko, ok := kv.(Object)
			if !ok {
				continue
			}
			t.Keys = append(t.Keys, Key{
				Time:      uint64(objInt(ko, "time")),
				BytePos:   objInt(ko, "bpos"),
				Length:    uint64(objInt(ko, "len")),
				Size:      uint64(objInt(ko, "size")),
				PartCount: int(objInt(ko, "partsize")),
				Parts:     objString(ko, "parts"),
			})
		}
	}
	return t
}

// ToValue rebuilds the track metadata object.
func (t *Track) ToValue() Object {
	o := Object{
		"trackid": int64(t.ID),
		"type":    t.Type,
		"codec":   t.Codec,
		"firstms": int64(t.FirstMS),
		"lastms":  int64(t.LastMS),
	}
	if len(t.Init) > 0 {
		o["init"] = string(t.Init)
	}
	if t.BPS != 0 {
		o["bps"] = int64(t.BPS)
	}
	switch t.Type {
	case "video":
		o["width"] = int64(t.Width)
		o["height"] = int64(t.Height)
		o["fpks"] = int64(t.FPKS)
	case "audio":
		o["rate"] = int64(t.Rate)
		o["size"] = int64(t.Size)
		o["channels"] = int64(t.Channels)
	}
	if len(t.Keys) > 0 {
		keys := make([]interface{}, 0, len(t.Keys))
		for _, k := range t.Keys {
			keys = append(keys, Object{
				"time":     int64(k.Time),
				"bpos":     k.BytePos,
				"len":      int64(k.Length),
				"size":     int64(k.Size),
				"partsize": int64(k.PartCount),
				"parts":    k.Parts,
			})
		}
		o["keys"] = keys
	}
	return o
}

// TotalParts returns the number of media parts across the track's keys.
func (t *Track) TotalParts() int {
	total := 0
	for _, k := range t.Keys {
		total += k.PartCount
	}
	return total
}

// MetaFromValue builds a Meta from a decoded header body. Returns nil if
// the body is not an object.
func MetaFromValue(v Value, log logger.Logger) *Meta {
	o, ok := v.(Object)
	if !ok {
		return nil
	}
	m := NewMeta()
	m.LastMS = uint64(objInt(o, "lastms"))
	m.FirstMS = uint64(aliased(o, "firstms", "firsms", log))
	m.LengthMS = uint64(objInt(o, "length")) * 1000
	if objHas(o, "live") {
		m.Live = objInt(o, "live") != 0
	}
	if tracks, ok := o["tracks"].(Object); ok {
		names := make([]string, 0, len(tracks))
		for name := range tracks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if t := TrackFromValue(name, tracks[name], log); t != nil {
				m.Tracks[t.ID] = t
			}
		}
	}
	for k, val := range o {
		switch k {
		case "tracks", "lastms", "firstms", "firsms", "length", "live", "moreheader":
		default:
			if m.Extra == nil {
				m.Extra = Object{}
			}
			m.Extra[k] = val
		}
	}
	return m
}

// ToValue rebuilds the metadata header object.
func (m *Meta) ToValue() Object {
	tracks := Object{}
	for _, t := range m.Tracks {
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("track%d", t.ID)
		}
		tracks[name] = t.ToValue()
	}
	o := Object{
		"tracks":  tracks,
		"firstms": int64(m.FirstMS),
		"lastms":  int64(m.LastMS),
	}
	if m.LengthMS > 0 {
		o["length"] = int64(m.LengthMS / 1000)
	}
	if m.Live {
		o["live"] = int64(1)
	}
	for k, v := range m.Extra {
		o[k] = v
	}
	return o
}

// Packed serialises the metadata as a wire header record.
func (m *Meta) Packed() []byte {
	return PackHeader(m.ToValue())
}

// Track returns the metadata for a track id, or nil.
func (m *Meta) Track(id uint32) *Track {
	return m.Tracks[id]
}

// TrackOrCreate returns the metadata for a track id, creating an empty
// record when absent.
func (m *Meta) TrackOrCreate(id uint32, trackType string) *Track {
	if t, ok := m.Tracks[id]; ok {
		return t
	}
	t := &Track{ID: id, Type: trackType, Name: fmt.Sprintf("track%d", id)}
	m.Tracks[id] = t
	return t
}

// HasVideo reports whether any video track is known.
func (m *Meta) HasVideo() bool {
	for _, t := range m.Tracks {
		if t.Type == "video" {
			return true
		}
	}
	return false
}

// HasAudio reports whether any audio track is known.
func (m *Meta) HasAudio() bool {
	for _, t := range m.Tracks {
		if t.Type == "audio" {
			return true
		}
	}
	return false
}
