package flv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	amf0 "github.com/yutopp/go-amf0"

	"github.com/valurhrafn/mistlib/internal/buffer"
	"github.com/valurhrafn/mistlib/internal/dtsc"
	"github.com/valurhrafn/mistlib/internal/logger"
)

func loadTag(t *testing.T, raw []byte) *Tag {
	t.Helper()
	resetParseState()
	tag := NewTag()
	b := buffer.New()
	b.Append(raw)
	var loaded bool
	for i := 0; i < 4 && !loaded; i++ {
		loaded = tag.MemLoader(b)
	}
	require.True(t, loaded)
	return tag
}

func TestToPacket_AACInitTag(t *testing.T) {
	tag := loadTag(t, buildTag(0x08, 0, []byte{0xAF, 0x00, 0x12, 0x10}))
	meta := dtsc.NewMeta()

	p := tag.ToPacket(meta, logger.NewNullLogger())
	assert.Nil(t, p)

	track := meta.Track(AudioTrackID)
	require.NotNil(t, track)
	assert.Equal(t, "AAC", track.Codec)
	assert.Equal(t, []byte{0x12, 0x10}, track.Init)
}

func TestToPacket_AACAudioFrame(t *testing.T) {
	tag := loadTag(t, buildTag(0x08, 500, []byte{0xAF, 0x01, 0xDE, 0xAD, 0xBE}))
	meta := dtsc.NewMeta()

	p := tag.ToPacket(meta, logger.NewNullLogger())
	require.NotNil(t, p)
	assert.Equal(t, dtsc.KindAudio, p.Kind)
	assert.EqualValues(t, AudioTrackID, p.TrackID)
	assert.EqualValues(t, 500, p.Time)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE}, p.Data)

	track := meta.Track(AudioTrackID)
	require.NotNil(t, track)
	assert.Equal(t, 44100, track.Rate)
	assert.Equal(t, 16, track.Size)
	assert.Equal(t, 2, track.Channels)
}

func TestToPacket_H264Frame(t *testing.T) {
	// H264 interframe, NALU, composition offset -2 (0xFFFFFE in 24 bits)
	body := []byte{0x27, 0x01, 0xFF, 0xFF, 0xFE, 0x00, 0x01, 0x02}
	tag := loadTag(t, buildTag(0x09, 1000, body))
	meta := dtsc.NewMeta()

	p := tag.ToPacket(meta, logger.NewNullLogger())
	require.NotNil(t, p)
	assert.Equal(t, dtsc.KindVideo, p.Kind)
	assert.True(t, p.Interframe)
	assert.False(t, p.Keyframe)
	assert.Equal(t, dtsc.NALUUnit, p.NALU)
	assert.EqualValues(t, -2, p.Offset)
	assert.Equal(t, []byte{0x00, 0x01, 0x02}, p.Data)
	assert.Equal(t, "H264", meta.Track(VideoTrackID).Codec)
}

func TestToPacket_H264InitTag(t *testing.T) {
	init := []byte{0x01, 0x64, 0x00, 0x28}
	body := append([]byte{0x17, 0x00, 0x00, 0x00, 0x00}, init...)
	tag := loadTag(t, buildTag(0x09, 0, body))
	meta := dtsc.NewMeta()

	assert.Nil(t, tag.ToPacket(meta, logger.NewNullLogger()))
	assert.Equal(t, init, meta.Track(VideoTrackID).Init)
}

func TestToPacket_VideoInfoFrameDropped(t *testing.T) {
	tag := loadTag(t, buildTag(0x09, 0, []byte{0x57, 0x00, 0x01}))
	meta := dtsc.NewMeta()
	assert.Nil(t, tag.ToPacket(meta, logger.NewNullLogger()))
}

func TestToPacket_ScriptData(t *testing.T) {
	var body bytes.Buffer
	enc := amf0.NewEncoder(&body)
	require.NoError(t, enc.Encode("onMetaData"))
	require.NoError(t, enc.Encode(amf0.ECMAArray{
		"videocodecid":    float64(7),
		"audiocodecid":    float64(10),
		"width":           float64(1280),
		"height":          float64(720),
		"framerate":       float64(29.97),
		"videodatarate":   float64(2000),
		"audiodatarate":   float64(128),
		"audiosamplerate": float64(48000),
		"audiosamplesize": float64(16),
		"stereo":          true,
		"encoder":         "obs-output",
	}))

	tag := loadTag(t, buildTag(0x12, 0, body.Bytes()))
	meta := dtsc.NewMeta()
	p := tag.ToPacket(meta, logger.NewNullLogger())

	video := meta.Track(VideoTrackID)
	audio := meta.Track(AudioTrackID)
	require.NotNil(t, video)
	require.NotNil(t, audio)
	assert.Equal(t, "H264", video.Codec)
	assert.Equal(t, "AAC", audio.Codec)
	assert.Equal(t, 1280, video.Width)
	assert.Equal(t, 720, video.Height)
	assert.Equal(t, 29970, video.FPKS)
	assert.Equal(t, 2000*1024/8, video.BPS)
	assert.Equal(t, 128*1024/8, audio.BPS)
	assert.Equal(t, 48000, audio.Rate)
	assert.Equal(t, 16, audio.Size)
	assert.Equal(t, 2, audio.Channels)

	// unrecognised keys survive in the outgoing metadata packet
	require.NotNil(t, p)
	data, ok := p.Extra["data"].(dtsc.Object)
	require.True(t, ok)
	assert.Equal(t, "obs-output", data["encoder"])
}

func TestRoundTrip_H264Video(t *testing.T) {
	meta := dtsc.NewMeta()
	track := meta.TrackOrCreate(VideoTrackID, "video")
	track.Codec = "H264"

	in := &dtsc.Packet{
		Kind:     dtsc.KindVideo,
		TrackID:  VideoTrackID,
		Time:     12345,
		Keyframe: true,
		NALU:     dtsc.NALUUnit,
		Offset:   40,
		Data:     []byte{0x65, 0x88, 0x84, 0x21},
	}

	tag := NewTag()
	require.True(t, tag.FromPacket(in, track))

	// reload the serialised tag through the incremental loader
	reloaded := loadTag(t, tag.Data())
	out := reloaded.ToPacket(meta, logger.NewNullLogger())
	require.NotNil(t, out)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.Time, out.Time)
	assert.Equal(t, in.Keyframe, out.Keyframe)
	assert.Equal(t, in.NALU, out.NALU)
	assert.Equal(t, in.Offset, out.Offset)
	assert.Equal(t, in.Data, out.Data)
	assert.True(t, reloaded.IsKeyframe)
}

func TestRoundTrip_AACAudio(t *testing.T) {
	meta := dtsc.NewMeta()
	track := meta.TrackOrCreate(AudioTrackID, "audio")
	track.Codec = "AAC"
	track.Rate = 44100
	track.Size = 16
	track.Channels = 2

	in := &dtsc.Packet{
		Kind:    dtsc.KindAudio,
		TrackID: AudioTrackID,
		Time:    777,
		Data:    []byte{0x21, 0x42, 0x63},
	}

	tag := NewTag()
	require.True(t, tag.FromPacket(in, track))

	reloaded := loadTag(t, tag.Data())
	out := reloaded.ToPacket(meta, logger.NewNullLogger())
	require.NotNil(t, out)
	assert.Equal(t, in.Time, out.Time)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, dtsc.KindAudio, out.Kind)
}

func TestInitTags(t *testing.T) {
	video := &dtsc.Track{ID: VideoTrackID, Type: "video", Codec: "H264", Init: []byte{1, 2, 3, 4}}
	audio := &dtsc.Track{
		ID: AudioTrackID, Type: "audio", Codec: "AAC",
		Rate: 44100, Size: 16, Channels: 2, Init: []byte{0x12, 0x10},
	}

	vt := NewTag()
	require.True(t, vt.DTSCVideoInit(video))
	assert.Equal(t, byte(0x09), vt.TagType())
	assert.Equal(t, byte(0x17), vt.Data()[11])
	assert.True(t, vt.IsInitData())
	assert.Equal(t, []byte{1, 2, 3, 4}, vt.Data()[16:vt.Len()-4])

	at := NewTag()
	require.True(t, at.DTSCAudioInit(audio))
	assert.Equal(t, byte(0x08), at.TagType())
	assert.Equal(t, byte(0xAF), at.Data()[11])
	assert.True(t, at.IsInitData())
	assert.Equal(t, []byte{0x12, 0x10}, at.Data()[13:at.Len()-4])
}

func TestDTSCMetaInit_RoundTrip(t *testing.T) {
	meta := dtsc.NewMeta()
	video := meta.TrackOrCreate(VideoTrackID, "video")
	video.Codec = "H264"
	video.Width = 1920
	video.Height = 1080
	video.FPKS = 25000
	audio := meta.TrackOrCreate(AudioTrackID, "audio")
	audio.Codec = "AAC"
	audio.Rate = 48000
	audio.Size = 16
	audio.Channels = 2

	tag := NewTag()
	require.True(t, tag.DTSCMetaInit(meta, video, audio))
	assert.Equal(t, byte(0x12), tag.TagType())

	// the generated script tag parses back into the same dimensions and
	// audio format
	out := dtsc.NewMeta()
	reloaded := loadTag(t, tag.Data())
	reloaded.ToPacket(out, logger.NewNullLogger())
	assert.Equal(t, 1920, out.Track(VideoTrackID).Width)
	assert.Equal(t, 1080, out.Track(VideoTrackID).Height)
	assert.Equal(t, 48000, out.Track(AudioTrackID).Rate)
	assert.Equal(t, 16, out.Track(AudioTrackID).Size)
}
