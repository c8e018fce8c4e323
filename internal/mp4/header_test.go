package mp4

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valurhrafn/mistlib/internal/dtsc"
)

// twoTrackMeta builds the fixed-stream metadata of scenario: one H264
// keyframe of 1000 bytes followed by one audio frame of 200 bytes.
func twoTrackMeta() *dtsc.Meta {
	meta := dtsc.NewMeta()
	video := meta.TrackOrCreate(1, "video")
	video.Codec = "H264"
	video.Width = 640
	video.Height = 360
	video.Init = []byte{0x01, 0x64, 0x00, 0x1E}
	video.LastMS = 40
	video.Keys = []dtsc.Key{
		{Time: 0, BytePos: 100, Length: 40, Size: 1000, PartCount: 1, Parts: dtsc.EncodeSizes([]uint64{1000})},
	}
	audio := meta.TrackOrCreate(2, "audio")
	audio.Codec = "AAC"
	audio.Rate = 44100
	audio.Size = 16
	audio.Channels = 2
	audio.BPS = 16000
	audio.Init = []byte{0x12, 0x10}
	audio.LastMS = 23
	audio.Keys = []dtsc.Key{
		{Time: 10, BytePos: 1100, Length: 23, Size: 200, PartCount: 1, Parts: dtsc.EncodeSizes([]uint64{200})},
	}
	meta.LastMS = 40
	return meta
}

// stcoEntries extracts the 64-bit offset entries of every stco box in the
// header, in track order.
func stcoEntries(t *testing.T, header []byte) [][]uint64 {
	t.Helper()
	var result [][]uint64
	for pos := 0; ; {
		idx := bytes.Index(header[pos:], []byte("stco"))
		if idx < 0 {
			break
		}
		base := pos + idx + 4 // past the type tag
		version := header[base]
		require.EqualValues(t, 1, version, "stco must be version 1")
		count := binary.BigEndian.Uint32(header[base+4 : base+8])
		entries := make([]uint64, count)
		for i := range entries {
			off := base + 8 + i*8
			entries[i] = binary.BigEndian.Uint64(header[off : off+8])
		}
		result = append(result, entries)
		pos = base
	}
	return result
}

func TestBuildHeader_TwoTrackOffsets(t *testing.T) {
	header, plan, err := BuildHeader(twoTrackMeta())
	require.NoError(t, err)
	require.Len(t, plan, 2)

	// header ends with the 4-byte mdat size and the mdat tag
	require.True(t, bytes.HasSuffix(header, []byte("mdat")))
	mdatSize := binary.BigEndian.Uint32(header[len(header)-8 : len(header)-4])
	assert.EqualValues(t, 1200, mdatSize)

	// the interleave puts video (t=0) before audio (t=10)
	assert.EqualValues(t, 1, plan[0].TrackID)
	assert.EqualValues(t, 2, plan[1].TrackID)

	headerOffset := uint64(len(header)) // ftyp + moov + 8-byte mdat header
	stcos := stcoEntries(t, header)
	require.Len(t, stcos, 2)
	require.Len(t, stcos[0], 1)
	require.Len(t, stcos[1], 1)
	assert.Equal(t, headerOffset, stcos[0][0], "video starts right after the header")
	assert.Equal(t, headerOffset+1000, stcos[1][0], "audio starts after the video part")
}

func TestBuildHeader_FtypLayout(t *testing.T) {
	header, _, err := BuildHeader(twoTrackMeta())
	require.NoError(t, err)

	size := binary.BigEndian.Uint32(header[0:4])
	assert.Equal(t, []byte("ftyp"), header[4:8])
	assert.Equal(t, []byte("mp41"), header[8:12])
	assert.EqualValues(t, 0, binary.BigEndian.Uint32(header[12:16]))
	assert.Equal(t, []byte("isomiso2avc1mp41"), header[16:32])
	assert.EqualValues(t, 32, size)
	assert.Equal(t, []byte("moov"), header[36:40])
}

func TestBuildHeader_OffsetInvariant(t *testing.T) {
	// three keys per track, most of them with multiple parts
	meta := dtsc.NewMeta()
	video := meta.TrackOrCreate(1, "video")
	video.Codec = "H264"
	video.Init = []byte{1}
	video.LastMS = 3000
	audio := meta.TrackOrCreate(2, "audio")
	audio.Codec = "AAC"
	audio.Rate = 48000
	audio.Size = 16
	audio.Channels = 2
	audio.Init = []byte{2, 2}
	audio.LastMS = 3000

	videoSizes := [][]uint64{{900, 100, 200}, {800, 50}, {1200}}
	audioSizes := [][]uint64{{64, 64}, {64}, {64, 64, 64}}
	var bpos int64 = 1
	for i, sizes := range videoSizes {
		var total uint64
		for _, s := range sizes {
			total += s
		}
		video.Keys = append(video.Keys, dtsc.Key{
			Time: uint64(i * 1000), BytePos: bpos, Size: total,
			PartCount: len(sizes), Parts: dtsc.EncodeSizes(sizes),
		})
		bpos += int64(total)
	}
	for i, sizes := range audioSizes {
		var total uint64
		for _, s := range sizes {
			total += s
		}
		audio.Keys = append(audio.Keys, dtsc.Key{
			Time: uint64(i*1000 + 10), BytePos: bpos, Size: total,
			PartCount: len(sizes), Parts: dtsc.EncodeSizes(sizes),
		})
		bpos += int64(total)
	}
	meta.LastMS = 3010

	header, plan, err := BuildHeader(meta)
	require.NoError(t, err)
	headerOffset := uint64(len(header))

	// independently replay the interleave walk and compare every offset
	want := map[uint32][]uint64{}
	cursor := headerOffset
	for _, kp := range plan {
		for _, size := range dtsc.DecodeSizes(kp.Parts) {
			want[kp.TrackID] = append(want[kp.TrackID], cursor)
			cursor += size
		}
	}

	stcos := stcoEntries(t, header)
	require.Len(t, stcos, 2)
	assert.Equal(t, want[1], stcos[0])
	assert.Equal(t, want[2], stcos[1])
}

func TestBuildHeader_EsdsDescriptorLengths(t *testing.T) {
	header, _, err := BuildHeader(twoTrackMeta())
	require.NoError(t, err)

	idx := bytes.Index(header, []byte("esds"))
	require.Positive(t, idx)
	esds := header[idx+4:]
	initLen := 2 // AAC AudioSpecificConfig in the fixture

	// version+flags, then the ES descriptor chain
	assert.EqualValues(t, 0x03, esds[4])
	assert.EqualValues(t, 32+initLen, esds[8], "ES descriptor length")
	assert.EqualValues(t, 2, binary.BigEndian.Uint16(esds[9:11]), "ES id")
	assert.EqualValues(t, 0x04, esds[12])
	assert.EqualValues(t, 18+initLen, esds[16], "decoder config length")
	assert.EqualValues(t, 0x40, esds[17])
	bufferSize := uint32(esds[19])<<16 | uint32(esds[20])<<8 | uint32(esds[21])
	assert.EqualValues(t, 1250000, bufferSize)
	assert.EqualValues(t, 10000000, binary.BigEndian.Uint32(esds[22:26]))
	assert.EqualValues(t, 16000*8, binary.BigEndian.Uint32(esds[26:30]))
	assert.EqualValues(t, 0x05, esds[30])
	assert.EqualValues(t, initLen, esds[34])
	assert.Equal(t, []byte{0x12, 0x10}, esds[35:37])
	assert.EqualValues(t, 0x06, esds[37])
}

func TestBuildHeader_SttsAndStss(t *testing.T) {
	header, _, err := BuildHeader(twoTrackMeta())
	require.NoError(t, err)

	idx := bytes.Index(header, []byte("stts"))
	require.Positive(t, idx)
	stts := header[idx+4:]
	assert.EqualValues(t, 1, binary.BigEndian.Uint32(stts[4:8]), "one stts entry")
	assert.EqualValues(t, 1, binary.BigEndian.Uint32(stts[8:12]), "sample count")
	assert.EqualValues(t, sampleDelta, binary.BigEndian.Uint32(stts[12:16]))

	idx = bytes.Index(header, []byte("stss"))
	require.Positive(t, idx)
	stss := header[idx+4:]
	assert.EqualValues(t, 1, binary.BigEndian.Uint32(stss[4:8]))
	assert.EqualValues(t, 1, binary.BigEndian.Uint32(stss[8:12]), "first sample is a keyframe")

	// only the video track carries an stss
	assert.Equal(t, idx, bytes.LastIndex(header, []byte("stss")))
}

func TestBuildHeader_NoKeysFails(t *testing.T) {
	meta := dtsc.NewMeta()
	track := meta.TrackOrCreate(1, "video")
	track.Codec = "H264"

	_, _, err := BuildHeader(meta)
	assert.Error(t, err)
}

func TestConverter_InterleavesInPlanOrder(t *testing.T) {
	_, plan, err := BuildHeader(twoTrackMeta())
	require.NoError(t, err)

	c := NewConverter(plan)
	// audio arrives first, but video owns the first slot
	c.Parse(&dtsc.Packet{TrackID: 2, Kind: dtsc.KindAudio, Data: bytes.Repeat([]byte{'a'}, 200)})
	assert.False(t, c.Ready())

	c.Parse(&dtsc.Packet{TrackID: 1, Kind: dtsc.KindVideo, Data: bytes.Repeat([]byte{'v'}, 1000)})
	require.True(t, c.Ready())

	out := c.Take()
	require.Len(t, out, 1200)
	assert.Equal(t, byte('v'), out[0])
	assert.Equal(t, byte('v'), out[999])
	assert.Equal(t, byte('a'), out[1000])
	assert.True(t, c.Done())
	assert.False(t, c.Ready())
}

func TestConverter_MultiPartKeys(t *testing.T) {
	plan := []KeyPart{
		{TrackID: 1, Time: 0, PartCount: 2, Size: 30, Parts: dtsc.EncodeSizes([]uint64{10, 20})},
		{TrackID: 2, Time: 5, PartCount: 1, Size: 5, Parts: dtsc.EncodeSizes([]uint64{5})},
		{TrackID: 1, Time: 10, PartCount: 1, Size: 15, Parts: dtsc.EncodeSizes([]uint64{15})},
	}
	c := NewConverter(plan)

	c.Parse(&dtsc.Packet{TrackID: 2, Data: []byte("AAAAA")})
	c.Parse(&dtsc.Packet{TrackID: 1, Data: bytes.Repeat([]byte{'x'}, 10)})
	c.Parse(&dtsc.Packet{TrackID: 1, Data: bytes.Repeat([]byte{'y'}, 20)})
	c.Parse(&dtsc.Packet{TrackID: 1, Data: bytes.Repeat([]byte{'z'}, 15)})

	out := c.Take()
	want := append(bytes.Repeat([]byte{'x'}, 10), bytes.Repeat([]byte{'y'}, 20)...)
	want = append(want, []byte("AAAAA")...)
	want = append(want, bytes.Repeat([]byte{'z'}, 15)...)
	assert.Equal(t, want, out)
	assert.True(t, c.Done())
}
