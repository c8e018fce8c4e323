// Package dtsc implements the stream container format: the packed value
// serialisation, media packets, stream metadata, the live stream buffer
// with its reader rings, and seekable container files.
package dtsc

import (
	"encoding/binary"
	"sort"
)

// Magic prefixes for container records on the wire and on disk.
var (
	MagicHeader = []byte("DTSC-hdr")
	MagicPacket = []byte("DTSC")
)

// Packed value type markers.
const (
	markerInt    = 0x01
	markerString = 0x02
	markerArray  = 0x0A
	markerObject = 0xE0
	markerObjAlt = 0xFF
)

// Value is one serialised metadata or packet body node: an int64, a
// string, a []interface{} or a map[string]interface{}.
type Value = interface{}

// Object is a packed object node.
type Object = map[string]interface{}

// MarshalValue serialises a value into its packed binary form. Object keys
// are emitted in sorted order so output is deterministic. Unknown types
// marshal as the integer zero.
func MarshalValue(v Value) []byte {
	var out []byte
	return appendValue(out, v)
}

func appendValue(out []byte, v Value) []byte {
	switch tv := v.(type) {
	case int64:
		out = append(out, markerInt)
		var num [8]byte
		binary.BigEndian.PutUint64(num[:], uint64(tv))
		return append(out, num[:]...)
	case int:
		return appendValue(out, int64(tv))
	case uint64:
		return appendValue(out, int64(tv))
	case bool:
		if tv {
			return appendValue(out, int64(1))
		}
		return appendValue(out, int64(0))
	case string:
		out = append(out, markerString)
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(tv)))
		out = append(out, size[:]...)
		return append(out, tv...)
	case []byte:
		return appendValue(out, string(tv))
	case []interface{}:
		out = append(out, markerArray)
		for _, item := range tv {
			out = appendValue(out, item)
		}
		return append(out, 0x00, 0x00, 0xEE)
	case Object:
		out = append(out, markerObject)
		keys := make([]string, 0, len(tv))
		for k := range tv {
			if k != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, byte(len(k)>>8), byte(len(k)))
			out = append(out, k...)
			out = appendValue(out, tv[k])
		}
		return append(out, 0x00, 0x00, 0xEE)
	default:
		return appendValue(out, int64(0))
	}
}

// UnmarshalValue parses a single packed value from data, returning the
// value and the number of bytes consumed. A short or unknown scalar record
// returns nil and the bytes consumed up to the point of failure; a short
// object or array returns the members decoded before the input ran out.
func UnmarshalValue(data []byte) (Value, int) {
	v, i := readValue(data, 0)
	return v, i
}

func readValue(data []byte, i int) (Value, int) {
	if i >= len(data) {
		return nil, i
	}
	switch data[i] {
	case markerInt:
		if i+9 > len(data) {
			return nil, len(data)
		}
		v := int64(binary.BigEndian.Uint64(data[i+1 : i+9]))
		return v, i + 9
	case markerString:
		if i+5 > len(data) {
			return nil, len(data)
		}
		size := int(binary.BigEndian.Uint32(data[i+1 : i+5]))
		if i+5+size > len(data) {
			return nil, len(data)
		}
		return string(data[i+5 : i+5+size]), i + 5 + size
	case markerObject, markerObjAlt:
		i++
		obj := Object{}
		for i+1 < len(data) && (data[i] != 0 || data[i+1] != 0) {
			keyLen := int(data[i])<<8 | int(data[i+1])
			i += 2
			if i+keyLen > len(data) {
				return nil, len(data)
			}
			key := string(data[i : i+keyLen])
			i += keyLen
			var v Value
			v, i = readValue(data, i)
			obj[key] = v
		}
		return obj, min(i+3, len(data)) // skip the 0x0000EE terminator
	case markerArray:
		i++
		arr := []interface{}{}
		for i+1 < len(data) && (data[i] != 0 || data[i+1] != 0) {
			var v Value
			v, i = readValue(data, i)
			arr = append(arr, v)
		}
		return arr, min(i+3, len(data))
	}
	return nil, i + 1
}

// packRecord prefixes a packed body with the given magic and a 32-bit
// big-endian length.
func packRecord(magic []byte, body []byte) []byte {
	out := make([]byte, 0, len(magic)+4+len(body))
	out = append(out, magic...)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))
	out = append(out, size[:]...)
	return append(out, body...)
}

// PackPacket serialises an object as a wire data packet record.
func PackPacket(v Object) []byte {
	return packRecord(MagicPacket, MarshalValue(v))
}

// PackHeader serialises an object as a wire header record.
func PackHeader(v Object) []byte {
	return packRecord(MagicHeader, MarshalValue(v))
}

// Object field accessors tolerant of missing or mistyped members.

func objInt(o Object, key string) int64 {
	switch v := o[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func objString(o Object, key string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return ""
}

func objHas(o Object, key string) bool {
	_, ok := o[key]
	return ok
}
