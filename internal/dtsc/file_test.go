package dtsc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valurhrafn/mistlib/internal/logger"
)

// writeFixtureFile builds a small two-track container file with a key
// index and returns its path.
func writeFixtureFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.dtsc")
	log := logger.NewNullLogger()

	df, err := CreateFile(path, log)
	require.NoError(t, err)

	packets := []*Packet{
		{TrackID: 1, Time: 0, Kind: KindVideo, Keyframe: true, Data: []byte("kf0")},
		{TrackID: 2, Time: 10, Kind: KindAudio, Data: []byte("a0")},
		{TrackID: 1, Time: 40, Kind: KindVideo, Data: []byte("if0")},
		{TrackID: 1, Time: 1000, Kind: KindVideo, Keyframe: true, Data: []byte("kf1")},
		{TrackID: 2, Time: 1010, Kind: KindAudio, Data: []byte("a1")},
	}

	// the key index is built twice: once with placeholder byte positions
	// to learn the header size, then with the real positions. Integers
	// pack at fixed width, so the size does not change between passes.
	buildMeta := func(base int64) *Meta {
		meta := NewMeta()
		video := meta.TrackOrCreate(1, "video")
		video.Codec = "H264"
		audio := meta.TrackOrCreate(2, "audio")
		audio.Codec = "AAC"
		pos := base
		for _, p := range packets {
			size := int64(len(p.Packed()))
			key := Key{
				Time: p.Time, BytePos: pos, PartCount: 1,
				Size: uint64(size), Parts: EncodeSizes([]uint64{uint64(size)}),
			}
			if p.Kind == KindVideo && p.Keyframe {
				video.Keys = append(video.Keys, key)
			}
			if p.Kind == KindAudio {
				audio.Keys = append(audio.Keys, key)
			}
			pos += size
		}
		meta.LastMS = 1010
		return meta
	}

	probe := MarshalValue(buildMeta(0).ToValue())
	base := int64(12 + len(probe))
	body := MarshalValue(buildMeta(base).ToValue())
	require.Equal(t, len(probe), len(body))

	require.NoError(t, df.WriteHeader(body, true))
	for _, p := range packets {
		require.NoError(t, df.AddPacket(p))
	}
	require.NoError(t, df.Close())
	return path
}

func TestFile_HeaderSizeMismatchWithoutForce(t *testing.T) {
	path := writeFixtureFile(t)
	df, err := OpenFile(path, logger.NewNullLogger())
	require.NoError(t, err)
	defer df.Close()

	err = df.WriteHeader([]byte("short"), false)
	assert.Error(t, err)
}

func TestFile_OpenReadsHeader(t *testing.T) {
	path := writeFixtureFile(t)
	df, err := OpenFile(path, logger.NewNullLogger())
	require.NoError(t, err)
	defer df.Close()

	meta := df.Meta()
	require.NotNil(t, meta)
	assert.Equal(t, "H264", meta.Track(1).Codec)
	assert.Equal(t, "AAC", meta.Track(2).Codec)
	assert.Len(t, meta.Track(1).Keys, 2)
	assert.Same(t, df.FirstMeta(), meta)
}

func TestFile_SeekTimeAndParse(t *testing.T) {
	path := writeFixtureFile(t)
	df, err := OpenFile(path, logger.NewNullLogger())
	require.NoError(t, err)
	defer df.Close()

	df.SelectTracks(1)
	df.SeekTime(500)
	require.True(t, df.SeekNext())

	p := df.ParseNext()
	require.NotNil(t, p)
	// seeks snap back to the t=0 keyframe
	assert.EqualValues(t, 0, p.Time)
	assert.True(t, p.Keyframe)
	assert.True(t, df.AtKeyframe())
}

func TestFile_SequentialReadSkipsUnselected(t *testing.T) {
	path := writeFixtureFile(t)
	df, err := OpenFile(path, logger.NewNullLogger())
	require.NoError(t, err)
	defer df.Close()

	df.SelectTracks(2)
	df.SeekTime(0)
	require.True(t, df.SeekNext())

	var times []uint64
	for {
		p := df.ParseNext()
		if p == nil {
			break
		}
		assert.EqualValues(t, 2, p.TrackID)
		times = append(times, p.Time)
		if !df.SeekNext() {
			break
		}
	}
	assert.Equal(t, []uint64{10, 1010}, times)
}

func TestFile_FullReadAllTracks(t *testing.T) {
	path := writeFixtureFile(t)
	df, err := OpenFile(path, logger.NewNullLogger())
	require.NoError(t, err)
	defer df.Close()

	df.SeekTime(0)
	require.True(t, df.SeekNext())

	count := 0
	var last uint64
	for {
		p := df.ParseNext()
		if p == nil {
			break
		}
		assert.GreaterOrEqual(t, p.Time, last)
		last = p.Time
		count++
		if !df.SeekNext() {
			break
		}
	}
	assert.Equal(t, 5, count)
}
