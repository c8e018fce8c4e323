package dtsc

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/valurhrafn/mistlib/internal/errors"
	"github.com/valurhrafn/mistlib/internal/logger"
)

// File is a seekable on-disk stream container. The layout is a header
// record at offset zero (8-byte magic, 4-byte big-endian length, packed
// metadata) followed by data packet records.
type File struct {
	f          *os.File
	headerSize int64 // body length of the header record at offset 0
	meta       *Meta
	firstMeta  *Meta

	selected map[uint32]bool
	cursors  []SeekPos

	lastPacket  *Packet
	lastReadPos int64
	atKeyframe  bool

	log logger.Logger
}

// OpenFile opens an existing container file for reading and scans its
// header.
func OpenFile(path string, log logger.Logger) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	df := &File{f: f, log: log.WithField("component", "dtsc.file")}
	if err := df.readHeader(0); err != nil {
		f.Close()
		return nil, err
	}
	df.firstMeta = df.meta
	return df, nil
}

// CreateFile creates a new container file, reserving an empty header
// record that WriteHeader fills in later.
func CreateFile(path string, log logger.Logger) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	df := &File{f: f, log: log.WithField("component", "dtsc.file")}
	var prefix [12]byte
	copy(prefix[:], MagicHeader)
	if _, err := f.Write(prefix[:]); err != nil {
		f.Close()
		return nil, err
	}
	return df, nil
}

// Meta returns the active header metadata.
func (df *File) Meta() *Meta {
	return df.meta
}

// FirstMeta returns the metadata of the header record at offset zero.
func (df *File) FirstMeta() *Meta {
	return df.firstMeta
}

// HeaderSize returns the total byte size of the header region.
func (df *File) HeaderSize() int64 {
	return int64(len(MagicHeader)) + 4 + df.headerSize
}

// readHeader reads the header record at the given file position.
func (df *File) readHeader(pos int64) error {
	if _, err := df.f.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	var prefix [12]byte
	if _, err := io.ReadFull(df.f, prefix[:]); err != nil {
		return errors.WrapIOError(err, "could not read header")
	}
	if string(prefix[:8]) != string(MagicHeader) {
		return errors.NewProtocolError(fmt.Sprintf("invalid header magic %q", prefix[:8]))
	}
	bodyLen := int64(binary.BigEndian.Uint32(prefix[8:12]))
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(df.f, body); err != nil {
		return errors.WrapIOError(err, "could not read header body")
	}
	v, _ := UnmarshalValue(body)
	m := MetaFromValue(v, df.log)
	if m == nil {
		return errors.NewProtocolError("header is not an object")
	}
	if pos == 0 {
		df.headerSize = bodyLen
	}
	df.meta = m
	// chase a moreheader pointer to the active header
	if o, ok := v.(Object); ok {
		if more := objInt(o, "moreheader"); more > 0 {
			return df.readHeader(more)
		}
	}
	return nil
}

// WriteHeader (re)writes the header record at offset zero. Unless force
// is set, the new body must have the same length as the existing header
// so packet byte positions stay valid.
func (df *File) WriteHeader(body []byte, force bool) error {
	if df.headerSize != int64(len(body)) && !force && df.headerSize != 0 {
		return errors.NewConflictError(
			fmt.Sprintf("header size mismatch: have %d, got %d", df.headerSize, len(body)))
	}
	var prefix [12]byte
	copy(prefix[:], MagicHeader)
	binary.BigEndian.PutUint32(prefix[8:12], uint32(len(body)))
	if _, err := df.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := df.f.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := df.f.Write(body); err != nil {
		return err
	}
	df.headerSize = int64(len(body))
	return nil
}

// AddHeader appends a header record at the end of the file, returning the
// position it was written at.
func (df *File) AddHeader(body []byte) (int64, error) {
	pos, err := df.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	var prefix [12]byte
	copy(prefix[:], MagicHeader)
	binary.BigEndian.PutUint32(prefix[8:12], uint32(len(body)))
	if _, err := df.f.Write(prefix[:]); err != nil {
		return 0, err
	}
	if _, err := df.f.Write(body); err != nil {
		return 0, err
	}
	return pos, nil
}

// AddPacket appends a data packet record at the end of the file.
func (df *File) AddPacket(p *Packet) error {
	if _, err := df.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err := df.f.Write(p.Packed())
	return err
}

// SelectTracks restricts reading to the given track ids. No arguments
// selects all tracks.
func (df *File) SelectTracks(ids ...uint32) {
	if len(ids) == 0 {
		df.selected = nil
		return
	}
	df.selected = make(map[uint32]bool, len(ids))
	for _, id := range ids {
		df.selected[id] = true
	}
}

// SeekTime positions the per-track cursors at the last key with a time at
// or before ms, using each selected track's key index. A track whose keys
// all lie after ms is positioned at its first key.
func (df *File) SeekTime(ms uint64) {
	df.cursors = nil
	if df.meta == nil {
		return
	}
	for id, track := range df.meta.Tracks {
		if !allowed(df.selected, id) || len(track.Keys) == 0 {
			continue
		}
		best := track.Keys[0]
		for _, k := range track.Keys {
			if k.Time > ms {
				break
			}
			best = k
		}
		df.insertCursor(SeekPos{SeekTime: best.Time, BytePos: best.BytePos, TrackID: id})
	}
}

func (df *File) insertCursor(sp SeekPos) {
	// cursors that converged on the same byte position collapse into one
	for _, c := range df.cursors {
		if c.BytePos == sp.BytePos {
			return
		}
	}
	i := 0
	for i < len(df.cursors) && df.cursors[i].Less(sp) {
		i++
	}
	df.cursors = append(df.cursors, SeekPos{})
	copy(df.cursors[i+1:], df.cursors[i:])
	df.cursors[i] = sp
}

// SeekNext pops the smallest cursor and seeks the file there. Returns
// false when no cursor remains.
func (df *File) SeekNext() bool {
	if len(df.cursors) == 0 {
		return false
	}
	sp := df.cursors[0]
	df.cursors = df.cursors[1:]
	if _, err := df.f.Seek(sp.BytePos, io.SeekStart); err != nil {
		return false
	}
	return true
}

// ParseNext reads a single packet record at the current file position and
// re-queues a cursor for the bytes that follow it. Returns nil at end of
// file or on a malformed record. Records of unselected tracks are skipped.
func (df *File) ParseNext() *Packet {
	for {
		pos, err := df.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil
		}
		var prefix [8]byte
		if _, err := io.ReadFull(df.f, prefix[:]); err != nil {
			return nil
		}
		if string(prefix[:]) == string(MagicHeader) {
			// a later header record ends the packet run
			return nil
		}
		if string(prefix[:4]) != string(MagicPacket) {
			return nil
		}
		bodyLen := int64(binary.BigEndian.Uint32(prefix[4:8]))
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(df.f, body); err != nil {
			return nil
		}
		v, _ := UnmarshalValue(body)
		p := PacketFromValue(v)
		if p == nil {
			return nil
		}
		df.lastReadPos = pos
		if !allowed(df.selected, p.TrackID) {
			continue
		}
		df.lastPacket = p
		df.atKeyframe = df.beginsKey(pos, p.TrackID)
		df.insertCursor(SeekPos{SeekTime: p.Time, BytePos: pos + 8 + bodyLen, TrackID: p.TrackID})
		return p
	}
}

// beginsKey reports whether the given byte position is listed in the
// track's key index.
func (df *File) beginsKey(pos int64, track uint32) bool {
	t := df.meta.Track(track)
	if t == nil {
		return false
	}
	for _, k := range t.Keys {
		if k.BytePos == pos {
			return true
		}
	}
	return false
}

// AtKeyframe reports whether the last-read packet began on a keyframe.
func (df *File) AtKeyframe() bool {
	return df.atKeyframe
}

// LastReadPos returns the byte position of the last packet read.
func (df *File) LastReadPos() int64 {
	return df.lastReadPos
}

// Close closes the underlying file. Safe to call multiple times.
func (df *File) Close() error {
	if df.f == nil {
		return nil
	}
	err := df.f.Close()
	df.f = nil
	return err
}
