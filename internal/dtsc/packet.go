package dtsc

// Kind classifies a media packet.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindVideo
	KindAudio
	KindMeta
	KindPauseMark
	KindModifiedHeader
)

// String returns the datatype string used on the wire.
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindMeta:
		return "meta"
	case KindPauseMark:
		return "pause_marker"
	case KindModifiedHeader:
		return "modified_header"
	default:
		return "invalid"
	}
}

// kindFromString maps a wire datatype string to its Kind.
func kindFromString(s string) Kind {
	switch s {
	case "video":
		return KindVideo
	case "audio":
		return KindAudio
	case "meta":
		return KindMeta
	case "pause_marker":
		return KindPauseMark
	case "modified_header":
		return KindModifiedHeader
	default:
		return KindInvalid
	}
}

// NALUFlag marks H264 payload framing on a video packet.
type NALUFlag uint8

const (
	NALUNone NALUFlag = iota
	NALUUnit
	NALUEndOfSequence
)

// Packet is one time-stamped media unit.
type Packet struct {
	TrackID uint32
	Time    uint64 // milliseconds
	Kind    Kind
	Data    []byte

	Keyframe   bool
	Interframe bool
	Disposable bool
	NALU       NALUFlag
	Offset     int32 // signed 24-bit composition time offset

	// Extra holds unrecognised members of the packet body so they survive
	// a decode/re-encode round trip.
	Extra Object
}

// PacketFromValue builds a Packet from a decoded packet body. Returns nil
// if the body is not an object; a missing or unknown datatype yields a
// packet of KindInvalid.
func PacketFromValue(v Value) *Packet {
	o, ok := v.(Object)
	if !ok {
		return nil
	}
	p := &Packet{
		TrackID: uint32(objInt(o, "trackid")),
		Time:    uint64(objInt(o, "time")),
		Kind:    kindFromString(objString(o, "datatype")),
		Data:    []byte(objString(o, "data")),
	}
	p.Keyframe = objHas(o, "keyframe")
	p.Interframe = objHas(o, "interframe")
	p.Disposable = objHas(o, "disposableframe")
	if objHas(o, "nalu") {
		p.NALU = NALUUnit
	}
	if objHas(o, "nalu_end") {
		p.NALU = NALUEndOfSequence
	}
	p.Offset = int32(objInt(o, "offset"))
	for k, val := range o {
		switch k {
		case "trackid", "time", "datatype", "data", "keyframe", "interframe",
			"disposableframe", "nalu", "nalu_end", "offset":
		default:
			if p.Extra == nil {
				p.Extra = Object{}
			}
			p.Extra[k] = val
		}
	}
	return p
}

// ToValue rebuilds the packet body object.
func (p *Packet) ToValue() Object {
	o := Object{
		"datatype": p.Kind.String(),
		"trackid":  int64(p.TrackID),
		"time":     int64(p.Time),
		"data":     string(p.Data),
	}
	if p.Keyframe {
		o["keyframe"] = int64(1)
	}
	if p.Interframe {
		o["interframe"] = int64(1)
	}
	if p.Disposable {
		o["disposableframe"] = int64(1)
	}
	switch p.NALU {
	case NALUUnit:
		o["nalu"] = int64(1)
	case NALUEndOfSequence:
		o["nalu_end"] = int64(1)
	}
	if p.Offset != 0 {
		o["offset"] = int64(p.Offset)
	}
	for k, v := range p.Extra {
		o[k] = v
	}
	return o
}

// Packed serialises the packet as a wire data record.
func (p *Packet) Packed() []byte {
	return PackPacket(p.ToValue())
}
