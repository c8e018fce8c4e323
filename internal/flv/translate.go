package flv

import (
	"bytes"
	"math"

	amf0 "github.com/yutopp/go-amf0"

	"github.com/valurhrafn/mistlib/internal/dtsc"
	"github.com/valurhrafn/mistlib/internal/logger"
)

// Track numbering used when demuxing FLV: video is track 1, audio is
// track 2. Script data carries no track of its own.
const (
	VideoTrackID = 1
	AudioTrackID = 2
)

// amfToMap normalises a decoded AMF value into a plain map.
func amfToMap(v interface{}) map[string]interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return tv
	case amf0.ECMAArray:
		return tv
	}
	return nil
}

func amfNumber(v interface{}) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case bool:
		if tv {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// ToPacket translates a complete FLV tag into a stream container packet,
// updating the stream metadata with whatever the tag reveals about its
// track. Init-data tags update metadata only and return nil. Script tags
// update metadata and return a metadata packet carrying the unrecognised
// onMetaData keys, or nil when there are none.
func (t *Tag) ToPacket(meta *dtsc.Meta, log logger.Logger) *dtsc.Packet {
	switch t.data[0] {
	case 0x12:
		t.scriptToMeta(meta, log)
		return t.scriptToPacket(log)
	case 0x08:
		return t.audioToPacket(meta)
	case 0x09:
		return t.videoToPacket(meta)
	}
	return nil
}

// scriptToMeta parses an onMetaData script tag and populates the track
// metadata from its recognised keys.
func (t *Tag) scriptToMeta(meta *dtsc.Meta, log logger.Logger) {
	values := t.decodeScript(log)
	var info map[string]interface{}
	for i, v := range values {
		if s, ok := v.(string); ok && s == "onMetaData" && i+1 < len(values) {
			info = amfToMap(values[i+1])
			break
		}
	}
	if info == nil {
		return
	}
	video := meta.TrackOrCreate(VideoTrackID, "video")
	audio := func() *dtsc.Track { return meta.TrackOrCreate(AudioTrackID, "audio") }

	if n, ok := amfNumber(info["videocodecid"]); ok {
		switch int(n) {
		case 2:
			video.Codec = "H263"
		case 4:
			video.Codec = "VP6"
		case 7:
			video.Codec = "H264"
		default:
			video.Codec = "?"
		}
	}
	if n, ok := amfNumber(info["audiocodecid"]); ok {
		switch int(n) {
		case 2:
			audio().Codec = "MP3"
		case 10:
			audio().Codec = "AAC"
		default:
			audio().Codec = "?"
		}
	}
	if n, ok := amfNumber(info["width"]); ok {
		video.Width = int(n)
	}
	if n, ok := amfNumber(info["height"]); ok {
		video.Height = int(n)
	}
	if n, ok := amfNumber(info["framerate"]); ok {
		video.FPKS = int(math.Round(n * 1000))
	}
	if n, ok := amfNumber(info["videodatarate"]); ok {
		video.BPS = int(n*1024) / 8
	}
	if n, ok := amfNumber(info["audiodatarate"]); ok {
		audio().BPS = int(n*1024) / 8
	}
	if n, ok := amfNumber(info["audiosamplerate"]); ok {
		audio().Rate = int(n)
	}
	if n, ok := amfNumber(info["audiosamplesize"]); ok {
		audio().Size = int(n)
	}
	if n, ok := amfNumber(info["stereo"]); ok {
		if n == 1 {
			audio().Channels = 2
		} else {
			audio().Channels = 1
		}
	}
}

// scriptToPacket preserves unrecognised onMetaData keys in an outgoing
// metadata packet, or returns nil when nothing is left to forward.
func (t *Tag) scriptToPacket(log logger.Logger) *dtsc.Packet {
	values := t.decodeScript(log)
	var info map[string]interface{}
	for i, v := range values {
		if s, ok := v.(string); ok && s == "onMetaData" && i+1 < len(values) {
			info = amfToMap(values[i+1])
			break
		}
	}
	if info == nil {
		return nil
	}
	data := dtsc.Object{}
	for key, v := range info {
		switch key {
		case "videocodecid", "audiocodecid", "width", "height", "framerate",
			"videodatarate", "audiodatarate", "audiosamplerate",
			"audiosamplesize", "stereo":
			continue
		}
		if n, ok := amfNumber(v); ok && n != 0 {
			data[key] = int64(n)
		} else if s, ok := v.(string); ok && s != "" {
			data[key] = s
		}
	}
	if len(data) == 0 {
		return nil
	}
	return &dtsc.Packet{
		Kind:  dtsc.KindMeta,
		Time:  uint64(t.Time()),
		Extra: dtsc.Object{"data": data},
	}
}

// decodeScript parses the AMF values of a script-data tag body.
func (t *Tag) decodeScript(log logger.Logger) []interface{} {
	if t.length < 15 {
		return nil
	}
	dec := amf0.NewDecoder(bytes.NewReader(t.data[11 : t.length-4]))
	var values []interface{}
	for {
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			break
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		log.Debug("script data tag carried no AMF values")
	}
	return values
}

// audioToPacket translates an audio tag, filling in track metadata from
// the tag flags when not already known.
func (t *Tag) audioToPacket(meta *dtsc.Meta) *dtsc.Packet {
	audiodata := t.data[11]
	track := meta.TrackOrCreate(AudioTrackID, "audio")
	if track.Codec == "" || track.Codec == "?" {
		track.Codec = t.AudioCodec()
	}
	if t.NeedsInitData() && t.IsInitData() {
		if audiodata&0xF0 == 0xA0 && t.length >= 17 {
			track.Init = append([]byte(nil), t.data[13:t.length-4]...)
		} else if t.length >= 16 {
			track.Init = append([]byte(nil), t.data[12:t.length-4]...)
		}
		return nil
	}
	if track.Rate < 1 {
		switch audiodata & 0x0C {
		case 0x0:
			track.Rate = 5512
		case 0x4:
			track.Rate = 11025
		case 0x8:
			track.Rate = 22050
		case 0xC:
			track.Rate = 44100
		}
	}
	if track.Size < 1 {
		if audiodata&0x02 == 0x02 {
			track.Size = 16
		} else {
			track.Size = 8
		}
	}
	if track.Channels < 1 {
		if audiodata&0x01 == 0x01 {
			track.Channels = 2
		} else {
			track.Channels = 1
		}
	}
	p := &dtsc.Packet{
		Kind:    dtsc.KindAudio,
		TrackID: AudioTrackID,
		Time:    uint64(t.Time()),
	}
	if audiodata&0xF0 == 0xA0 {
		if t.length < 18 {
			return nil
		}
		p.Data = append([]byte(nil), t.data[13:t.length-4]...)
	} else {
		if t.length < 17 {
			return nil
		}
		p.Data = append([]byte(nil), t.data[12:t.length-4]...)
	}
	return p
}

// videoToPacket translates a video tag, extracting H264 composition time
// and NALU framing where present.
func (t *Tag) videoToPacket(meta *dtsc.Meta) *dtsc.Packet {
	videodata := t.data[11]
	track := meta.TrackOrCreate(VideoTrackID, "video")
	if track.Codec == "" || track.Codec == "?" {
		track.Codec = t.VideoCodec()
	}
	if t.NeedsInitData() && t.IsInitData() {
		if videodata&0x0F == 7 {
			if t.length < 21 {
				return nil
			}
			track.Init = append([]byte(nil), t.data[16:t.length-4]...)
		} else {
			if t.length < 17 {
				return nil
			}
			track.Init = append([]byte(nil), t.data[12:t.length-4]...)
		}
		return nil
	}
	p := &dtsc.Packet{
		Kind:    dtsc.KindVideo,
		TrackID: VideoTrackID,
		Time:    uint64(t.Time()),
	}
	switch videodata & 0xF0 {
	case 0x10, 0x40:
		p.Keyframe = true
	case 0x20:
		p.Interframe = true
	case 0x30:
		p.Disposable = true
	case 0x50:
		// video info frames carry nothing useful downstream
		return nil
	}
	if videodata&0x0F == 7 {
		switch t.data[12] {
		case 1:
			p.NALU = dtsc.NALUUnit
		case 2:
			p.NALU = dtsc.NALUEndOfSequence
		}
		offset := int32(t.data[13])<<16 | int32(t.data[14])<<8 | int32(t.data[15])
		p.Offset = (offset << 8) >> 8 // sign-extend 24 bits
		if t.length < 21 {
			return nil
		}
		p.Data = append([]byte(nil), t.data[16:t.length-4]...)
	} else {
		if t.length < 17 {
			return nil
		}
		p.Data = append([]byte(nil), t.data[12:t.length-4]...)
	}
	return p
}

// audioFlags derives the audio tag flag byte from track metadata.
func audioFlags(track *dtsc.Track) byte {
	var flags byte
	switch track.Codec {
	case "AAC":
		flags += 0xA0
	case "MP3":
		flags += 0x20
	}
	switch {
	case track.Rate >= 44100:
		flags += 0x0C
	case track.Rate >= 22050:
		flags += 0x08
	case track.Rate >= 11025:
		flags += 0x04
	}
	if track.Size == 16 {
		flags += 0x02
	}
	if track.Channels > 1 {
		flags += 0x01
	}
	return flags
}

// finishTag writes the fixed header fields shared by every outgoing tag.
func (t *Tag) finishTag(tagType byte, ms uint32) {
	t.setTagLen()
	t.data[0] = tagType
	bodyLen := t.length - 15
	t.data[1] = byte(bodyLen >> 16)
	t.data[2] = byte(bodyLen >> 8)
	t.data[3] = byte(bodyLen)
	t.data[8] = 0
	t.data[9] = 0
	t.data[10] = 0
	t.SetTime(ms)
}

// FromPacket serialises a stream container packet as an FLV tag, using
// the track metadata for codec flags. Returns false when the packet kind
// cannot be represented.
func (t *Tag) FromPacket(p *dtsc.Packet, track *dtsc.Track) bool {
	switch p.Kind {
	case dtsc.KindVideo:
		t.length = len(p.Data) + 16
		isH264 := track != nil && track.Codec == "H264"
		if isH264 {
			t.length += 4
		}
		t.checkBufferSize()
		if isH264 {
			copy(t.data[16:], p.Data)
			if p.NALU == dtsc.NALUEndOfSequence {
				t.data[12] = 2
			} else {
				t.data[12] = 1
			}
			t.data[13] = byte(p.Offset >> 16)
			t.data[14] = byte(p.Offset >> 8)
			t.data[15] = byte(p.Offset)
		} else {
			copy(t.data[12:], p.Data)
		}
		t.data[11] = 0
		if track != nil {
			switch track.Codec {
			case "H264":
				t.data[11] += 7
			case "H263":
				t.data[11] += 2
			}
		}
		switch {
		case p.Keyframe:
			t.data[11] += 0x10
		case p.Interframe:
			t.data[11] += 0x20
		case p.Disposable:
			t.data[11] += 0x30
		}
		t.finishTag(0x09, uint32(p.Time))
		return true
	case dtsc.KindAudio:
		t.length = len(p.Data) + 16
		isAAC := track != nil && track.Codec == "AAC"
		if isAAC {
			t.length++
		}
		t.checkBufferSize()
		if isAAC {
			copy(t.data[13:], p.Data)
			t.data[12] = 1 // raw AAC data, not a sequence header
		} else {
			copy(t.data[12:], p.Data)
		}
		t.data[11] = 0
		if track != nil {
			t.data[11] = audioFlags(track)
		}
		t.finishTag(0x08, uint32(p.Time))
		return true
	case dtsc.KindMeta:
		var body bytes.Buffer
		enc := amf0.NewEncoder(&body)
		if err := enc.Encode("onMetaData"); err != nil {
			return false
		}
		data := amf0.ECMAArray{}
		if inner, ok := p.Extra["data"].(dtsc.Object); ok {
			for k, v := range inner {
				switch tv := v.(type) {
				case int64:
					data[k] = float64(tv)
				case string:
					data[k] = tv
				}
			}
		}
		if err := enc.Encode(data); err != nil {
			return false
		}
		t.length = body.Len() + 15
		t.checkBufferSize()
		copy(t.data[11:], body.Bytes())
		t.finishTag(0x12, uint32(p.Time))
		return true
	}
	return false
}
