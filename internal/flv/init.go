package flv

import (
	"bytes"

	amf0 "github.com/yutopp/go-amf0"

	"github.com/valurhrafn/mistlib/internal/dtsc"
)

// DTSCVideoInit builds an H264 sequence header tag from the track's codec
// init data. Tracks with unknown codec are assumed H264.
func (t *Tag) DTSCVideoInit(track *dtsc.Track) bool {
	if track.Codec == "?" || track.Codec == "" {
		track.Codec = "H264"
	}
	if track.Codec != "H264" {
		return false
	}
	t.length = len(track.Init) + 20
	t.checkBufferSize()
	copy(t.data[16:], track.Init)
	t.data[12] = 0 // H264 sequence header
	t.data[13] = 0
	t.data[14] = 0
	t.data[15] = 0
	t.data[11] = 0x17 // H264 keyframe
	t.finishTag(0x09, 0)
	return true
}

// DTSCAudioInit builds an AAC sequence header tag from the track's codec
// init data. Tracks with unknown codec are assumed AAC.
func (t *Tag) DTSCAudioInit(track *dtsc.Track) bool {
	if track.Codec == "?" || track.Codec == "" {
		track.Codec = "AAC"
	}
	if track.Codec != "AAC" {
		return false
	}
	t.length = len(track.Init) + 17
	t.checkBufferSize()
	copy(t.data[13:], track.Init)
	t.data[12] = 0 // AAC sequence header
	t.data[11] = audioFlags(track)
	t.finishTag(0x08, 0)
	return true
}

// DTSCMetaInit serialises stream metadata into an onMetaData script tag.
// The script-data decode reads back width, height, data rates, sample rate
// and sample size from it; the codec ids (written as strings), the
// videoframerate key and the audiochannels key are not read back.
func (t *Tag) DTSCMetaInit(meta *dtsc.Meta, video, audio *dtsc.Track) bool {
	info := amf0.ECMAArray{}
	if meta.LengthMS > 0 {
		info["duration"] = float64(meta.LengthMS) / 1000
	}
	if video != nil {
		info["hasVideo"] = true
		switch video.Codec {
		case "H264":
			info["videocodecid"] = "avc1"
		case "VP6":
			info["videocodecid"] = float64(4)
		case "H263":
			info["videocodecid"] = float64(2)
		}
		if video.Width > 0 {
			info["width"] = float64(video.Width)
		}
		if video.Height > 0 {
			info["height"] = float64(video.Height)
		}
		if video.FPKS > 0 {
			info["videoframerate"] = float64(video.FPKS) / 1000
		}
		if video.BPS > 0 {
			info["videodatarate"] = float64(video.BPS) * 8 / 1024
		}
	}
	if audio != nil {
		info["hasAudio"] = true
		info["audiodelay"] = float64(0)
		switch audio.Codec {
		case "AAC":
			info["audiocodecid"] = "mp4a"
		case "MP3":
			info["audiocodecid"] = "mp3"
		}
		if audio.Channels > 0 {
			info["audiochannels"] = float64(audio.Channels)
		}
		if audio.Rate > 0 {
			info["audiosamplerate"] = float64(audio.Rate)
		}
		if audio.Size > 0 {
			info["audiosamplesize"] = float64(audio.Size)
		}
		if audio.BPS > 0 {
			info["audiodatarate"] = float64(audio.BPS) * 8 / 1024
		}
	}

	var body bytes.Buffer
	enc := amf0.NewEncoder(&body)
	if err := enc.Encode("onMetaData"); err != nil {
		return false
	}
	if err := enc.Encode(info); err != nil {
		return false
	}
	t.length = body.Len() + 15
	t.checkBufferSize()
	copy(t.data[11:], body.Bytes())
	t.finishTag(0x12, 0)
	return true
}
