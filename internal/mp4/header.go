package mp4

import (
	"fmt"
	"math"
	"sort"

	"github.com/valurhrafn/mistlib/internal/dtsc"
)

// sampleDelta is the fixed per-sample duration written to stts. The value
// is arbitrary; the per-track timescale derivation compensates, so any
// non-zero constant works as long as both use the same one.
const sampleDelta = 42

// esds fixed bitrate fields.
const (
	esdsBufferSize = 1250000
	esdsMaxBitrate = 10000000
)

// KeyPart is one keyframe-delimited run of media parts in the planned
// interleave, ordered by time, then track, then byte position.
type KeyPart struct {
	TrackID   uint32
	Time      uint64
	Size      uint64
	Length    uint64
	PartCount int
	Parts     string
	BytePos   int64
}

func (a KeyPart) less(b KeyPart) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	if a.TrackID != b.TrackID {
		return a.TrackID < b.TrackID
	}
	return a.BytePos < b.BytePos
}

// PlanInterleave collects every key of every track into the single
// ordered interleave plan the header and the media stream both follow.
func PlanInterleave(meta *dtsc.Meta) []KeyPart {
	var plan []KeyPart
	for id, track := range meta.Tracks {
		for _, k := range track.Keys {
			if k.Size == 0 {
				continue
			}
			plan = append(plan, KeyPart{
				TrackID:   id,
				Time:      k.Time,
				Size:      k.Size,
				Length:    k.Length,
				PartCount: k.PartCount,
				Parts:     k.Parts,
				BytePos:   k.BytePos,
			})
		}
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].less(plan[j]) })
	return plan
}

// BuildHeader synthesises the complete ftyp+moov+mdat preamble for a
// fixed stream. The returned plan orders the media parts the caller must
// stream after the header.
func BuildHeader(meta *dtsc.Meta) ([]byte, []KeyPart, error) {
	if meta == nil || len(meta.Tracks) == 0 {
		return nil, nil, fmt.Errorf("no tracks to build a header from")
	}
	plan := PlanInterleave(meta)
	if len(plan) == 0 {
		return nil, nil, fmt.Errorf("no key index available, not a fixed stream")
	}

	ftyp := buildFtyp()

	// lay the moov out once with zero-based chunk offsets to learn its
	// size, then rebuild with the real header offset patched in; all
	// offset entries are fixed width so the size cannot change
	moovProbe, _, err := buildMoov(meta, plan, 0)
	if err != nil {
		return nil, nil, err
	}
	headerOffset := uint64(len(ftyp) + len(moovProbe) + 8)
	moov, mdatSize, err := buildMoov(meta, plan, headerOffset)
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, 0, len(ftyp)+len(moov)+8)
	out = append(out, ftyp...)
	out = append(out, moov...)
	out = append(out, byte(mdatSize>>24), byte(mdatSize>>16), byte(mdatSize>>8), byte(mdatSize))
	out = append(out, "mdat"...)
	return out, plan, nil
}

func buildFtyp() []byte {
	var w bw
	w.str("mp41") // major brand
	w.u32(0)      // minor version
	w.str("isom")
	w.str("iso2")
	w.str("avc1")
	w.str("mp41")
	return box("ftyp", w.b)
}

// buildMoov emits the moov box with the given header offset added to
// every chunk offset, returning the box and the total mdat payload size.
func buildMoov(meta *dtsc.Meta, plan []KeyPart, headerOffset uint64) ([]byte, uint64, error) {
	duration := meta.LastMS + meta.FirstMS

	var w bw
	w.u32(0) // creation time
	w.u32(0) // modification time
	w.u32(1000)
	w.u32(uint32(duration))
	w.u32(0x00010000) // rate
	w.u16(256)        // volume
	w.zero(2 + 8)
	identityMatrix(&w)
	w.zero(24)
	w.u32(0) // next track id
	payload := fullBox("mvhd", 0, 0, w.b)

	ids := make([]uint32, 0, len(meta.Tracks))
	for id := range meta.Tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var mdatSize uint64
	for _, id := range ids {
		track := meta.Tracks[id]
		if track.Type != "video" && track.Type != "audio" {
			continue
		}
		trak, size, err := buildTrak(track, plan, headerOffset)
		if err != nil {
			return nil, 0, err
		}
		payload = append(payload, trak...)
		mdatSize = size
	}
	return box("moov", payload), mdatSize, nil
}

func buildTrak(track *dtsc.Track, plan []KeyPart, headerOffset uint64) ([]byte, uint64, error) {
	duration := track.LastMS + track.FirstMS
	if duration == 0 {
		duration = 1
	}
	totalParts := track.TotalParts()
	timescale := uint32(math.Round(float64(sampleDelta*totalParts) / float64(duration) * 1000))
	if timescale == 0 {
		timescale = 1
	}

	// tkhd
	var w bw
	w.u32(0) // creation time
	w.u32(0) // modification time
	w.u32(track.ID)
	w.zero(4)
	w.u32(uint32(duration))
	w.zero(8)
	w.u16(0) // layer
	if track.Type == "video" {
		w.u16(0) // alternate group
		w.u16(0) // volume
	} else {
		w.u16(1)
		w.u16(256)
	}
	w.zero(2)
	identityMatrix(&w)
	if track.Type == "video" {
		w.u32(uint32(track.Width) << 16)
		w.u32(uint32(track.Height) << 16)
	} else {
		w.u32(0)
		w.u32(0)
	}
	tkhd := fullBox("tkhd", 0, 15, w.b)

	// mdhd
	w = bw{}
	w.u32(0)
	w.u32(0)
	w.u32(timescale)
	w.u32(uint32(float64(duration) * float64(timescale) / 1000))
	w.u16(0x55C4) // language: und
	w.u16(0)
	mdhd := fullBox("mdhd", 0, 0, w.b)

	// hdlr
	w = bw{}
	w.u32(0) // predefined
	if track.Type == "video" {
		w.str("vide")
	} else {
		w.str("soun")
	}
	w.zero(12)
	w.str(track.Name)
	w.u8(0)
	hdlr := fullBox("hdlr", 0, 0, w.b)

	stbl, mdatSize, err := buildStbl(track, plan, headerOffset)
	if err != nil {
		return nil, 0, err
	}

	var mediaHeader []byte
	if track.Type == "video" {
		w = bw{}
		w.u16(0) // graphics mode
		w.zero(6)
		mediaHeader = fullBox("vmhd", 0, 1, w.b)
	} else {
		w = bw{}
		w.u16(0) // balance
		w.u16(0)
		mediaHeader = fullBox("smhd", 0, 0, w.b)
	}

	url := fullBox("url ", 0, 1, nil)
	w = bw{}
	w.u32(1) // entry count
	w.raw(url)
	dinf := box("dinf", fullBox("dref", 0, 0, w.b))

	minf := box("minf", append(append(mediaHeader, dinf...), stbl...))
	mdia := box("mdia", append(append(mdhd, hdlr...), minf...))
	trak := box("trak", append(tkhd, mdia...))
	return trak, mdatSize, nil
}

func buildStbl(track *dtsc.Track, plan []KeyPart, headerOffset uint64) ([]byte, uint64, error) {
	totalParts := track.TotalParts()

	// stsd
	var entry []byte
	switch track.Type {
	case "video":
		entry = buildVisualEntry(track)
	case "audio":
		entry = buildAudioEntry(track)
	default:
		return nil, 0, fmt.Errorf("track %d has unsupported type %q", track.ID, track.Type)
	}
	var w bw
	w.u32(1) // entry count
	w.raw(entry)
	stsd := fullBox("stsd", 0, 0, w.b)

	// stts: one run of totalParts samples at the fixed delta
	w = bw{}
	w.u32(1)
	w.u32(uint32(totalParts))
	w.u32(sampleDelta)
	stts := fullBox("stts", 0, 0, w.b)

	// stss: keyframe sample numbers, video only
	var stss []byte
	if track.Type == "video" {
		w = bw{}
		w.u32(uint32(len(track.Keys)))
		sample := uint32(1)
		for _, k := range track.Keys {
			w.u32(sample)
			sample += uint32(k.PartCount)
		}
		stss = fullBox("stss", 0, 0, w.b)
	}

	// stsc: every part is its own chunk
	w = bw{}
	w.u32(1)
	w.u32(1) // first chunk
	w.u32(1) // samples per chunk
	w.u32(1) // sample description index
	stsc := fullBox("stsc", 0, 0, w.b)

	// stsz: per-part sizes in key order
	w = bw{}
	w.u32(0) // sample size: per-entry
	w.u32(uint32(totalParts))
	for _, k := range track.Keys {
		for _, size := range dtsc.DecodeSizes(k.Parts) {
			w.u32(uint32(size))
		}
	}
	stsz := fullBox("stsz", 0, 0, w.b)

	// stco, version 1 with 64-bit offsets: walk the full interleave and
	// record the running byte cursor at each of this track's parts
	w = bw{}
	entryCount := uint32(0)
	var offsets bw
	var cursor uint64
	for _, kp := range plan {
		if kp.TrackID == track.ID {
			for _, size := range dtsc.DecodeSizes(kp.Parts) {
				offsets.u64(cursor + headerOffset)
				entryCount++
				cursor += size
			}
		} else {
			cursor += kp.Size
		}
	}
	w.u32(entryCount)
	w.raw(offsets.b)
	stco := fullBox("stco", 1, 0, w.b)

	parts := append(append([]byte{}, stsd...), stts...)
	parts = append(parts, stss...)
	parts = append(parts, stsc...)
	parts = append(parts, stsz...)
	parts = append(parts, stco...)
	return box("stbl", parts), cursor, nil
}

func buildVisualEntry(track *dtsc.Track) []byte {
	var w bw
	w.zero(6) // reserved
	w.u16(1)  // data reference index
	w.u16(0)  // predefined
	w.u16(0)  // reserved
	w.zero(12)
	w.u16(uint16(track.Width))
	w.u16(uint16(track.Height))
	w.u32(0x00480000) // horizontal dpi
	w.u32(0x00480000) // vertical dpi
	w.u32(0)
	w.u16(1) // frame count
	w.zero(32)
	w.u16(0x0018) // depth
	w.u16(0xFFFF) // predefined
	w.raw(box("avcC", track.Init))
	return box("avc1", w.b)
}

func buildAudioEntry(track *dtsc.Track) []byte {
	var w bw
	w.zero(6)
	w.u16(1) // data reference index
	w.zero(8)
	w.u16(uint16(track.Channels))
	w.u16(uint16(track.Size))
	w.u16(0)
	w.u16(0)
	w.u32(uint32(track.Rate) << 16)
	w.raw(buildEsds(track))
	return box("mp4a", w.b)
}

// buildEsds emits the elementary stream descriptor with the fixed bitrate
// fields and the codec init bytes as decoder-specific info.
func buildEsds(track *dtsc.Track) []byte {
	initLen := len(track.Init)
	var w bw
	w.u8(0x03) // ES descriptor
	w.u24(0x808080)
	w.u8(byte(32 + initLen))
	w.u16(2) // ES id
	w.u8(0)  // stream priority
	w.u8(0x04)
	w.u24(0x808080)
	w.u8(byte(18 + initLen))
	w.u8(0x40) // object type: MPEG-4 audio
	w.u8(0x15) // stream type 5, reserved flag
	w.u24(esdsBufferSize)
	w.u32(esdsMaxBitrate)
	w.u32(uint32(track.BPS * 8))
	w.u8(0x05) // decoder specific info
	w.u24(0x808080)
	w.u8(byte(initLen))
	w.raw(track.Init)
	w.u8(0x06) // SL config
	w.u24(0x808080)
	w.u8(1)
	w.u8(0x02)
	return fullBox("esds", 0, 0, w.b)
}
