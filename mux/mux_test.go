package mux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mp4/demux"
	"github.com/tetsuo/mp4/pipeline"
	"github.com/tetsuo/mp4/track"
)

func opusFormat(trackID uint32) pipeline.StreamFormat {
	return pipeline.StreamFormat{
		TrackID:      trackID,
		Kind:         "audio",
		Codec:        "Opus",
		TimeScale:    48000,
		ChannelCount: 2,
		SampleRate:   48000,
	}
}

// ticksToDuration is the inverse of this package's scaleDuration: it turns a
// track-timescale tick count into the wallclock time.Duration a pipeline
// Buffer carries.
func ticksToDuration(ticks int64, timescale uint32) time.Duration {
	return time.Duration(ticks) * time.Second / time.Duration(timescale)
}

func TestMuxerFinalizeProducesDecodableFile(t *testing.T) {
	m := New(Config{})

	_, err := m.HandleStreamFormat(opusFormat(1))
	require.NoError(t, err)

	payloads := [][]byte{
		{0x01, 0x02, 0x03},
		{0x04, 0x05},
		{0x06, 0x07, 0x08, 0x09},
	}
	for i, p := range payloads {
		dts := int64(i) * 960
		_, err := m.HandleBuffer(pipeline.Buffer{
			TrackID: 1,
			Payload: p,
			DTS:     ticksToDuration(dts, 48000),
			PTS:     ticksToDuration(dts, 48000),
		})
		require.NoError(t, err)
	}

	_, err = m.HandleEOS()
	require.NoError(t, err)

	out, err := m.Finalize()
	require.NoError(t, err)
	require.NotEmpty(t, out)

	// A second Finalize call must fail: the muxer is single-use.
	_, err = m.Finalize()
	require.ErrorIs(t, err, ErrAlreadyFinalized)

	tracks, payloadsOut := decodeAndReadAll(t, out, 1)
	require.Len(t, tracks, 1)
	require.Equal(t, track.TrackAudio, tracks[0].Kind)
	require.Equal(t, payloads, payloadsOut)
}

func TestMuxerFastStartProducesSameSamplesAsNonFastStart(t *testing.T) {
	build := func(fastStart bool) []byte {
		m := New(Config{FastStart: fastStart})
		_, err := m.HandleStreamFormat(opusFormat(1))
		require.NoError(t, err)
		for i := range 5 {
			_, err := m.HandleBuffer(pipeline.Buffer{
				TrackID: 1,
				Payload: []byte{byte(i), byte(i + 1)},
				DTS:     ticksToDuration(int64(i)*960, 48000),
				PTS:     ticksToDuration(int64(i)*960, 48000),
			})
			require.NoError(t, err)
		}
		_, err = m.HandleEOS()
		require.NoError(t, err)
		out, err := m.Finalize()
		require.NoError(t, err)
		return out
	}

	normal := build(false)
	fast := build(true)

	_, normalPayloads := decodeAndReadAll(t, normal, 1)
	_, fastPayloads := decodeAndReadAll(t, fast, 1)
	require.Equal(t, normalPayloads, fastPayloads)
}

func TestMuxerRejectsStreamFormatChange(t *testing.T) {
	m := New(Config{})
	_, err := m.HandleStreamFormat(opusFormat(1))
	require.NoError(t, err)

	changed := opusFormat(1)
	changed.TimeScale = 44100
	_, err = m.HandleStreamFormat(changed)
	require.ErrorIs(t, err, ErrStreamFormatChange)
}

func TestMuxerRejectsUnknownTrack(t *testing.T) {
	m := New(Config{})
	_, err := m.HandleStreamFormat(opusFormat(1))
	require.NoError(t, err)

	_, err = m.HandleBuffer(pipeline.Buffer{TrackID: 2, Payload: []byte{0x00}})
	require.ErrorIs(t, err, ErrUnknownTrack)
}

func TestMuxerFinalizeWithNoTracksFails(t *testing.T) {
	m := New(Config{})
	_, err := m.Finalize()
	require.ErrorIs(t, err, ErrNoTracks)
}

// decodeAndReadAll feeds data into a demux.Engine over an in-memory ReadAt
// and drains every sample from trackID, confirming the bytes Finalize wrote
// parse back through the ISOM demuxer unchanged.
func decodeAndReadAll(t *testing.T, data []byte, trackID uint32) ([]*track.Track, [][]byte) {
	t.Helper()
	eng := demux.NewEngine(func(offset, length int64) ([]byte, error) {
		end := offset + length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		return data[offset:end], nil
	}, demux.Config{})
	require.NoError(t, eng.Open())

	var payloads [][]byte
	for {
		_, payload, err := eng.ReadSample(trackID)
		if err != nil {
			break
		}
		payloads = append(payloads, append([]byte(nil), payload...))
	}
	return eng.Tracks(), payloads
}
