package demux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mp4/mux"
	"github.com/tetsuo/mp4/pipeline"
)

func buildTestFile(t *testing.T) []byte {
	t.Helper()
	m := mux.New(mux.Config{})

	_, err := m.HandleStreamFormat(pipeline.StreamFormat{
		TrackID:      1,
		Kind:         "audio",
		Codec:        "Opus",
		TimeScale:    48000,
		ChannelCount: 1,
		SampleRate:   48000,
	})
	require.NoError(t, err)

	for i := range 4 {
		dts := time.Duration(i) * 20 * time.Millisecond
		_, err := m.HandleBuffer(pipeline.Buffer{
			TrackID:  1,
			Payload:  []byte{byte(i), byte(i * 2)},
			DTS:      dts,
			PTS:      dts,
			KeyFrame: true,
		})
		require.NoError(t, err)
	}
	_, err = m.HandleEOS()
	require.NoError(t, err)

	out, err := m.Finalize()
	require.NoError(t, err)
	return out
}

func newTestEngine(t *testing.T, data []byte) *Engine {
	t.Helper()
	return NewEngine(func(offset, length int64) ([]byte, error) {
		end := offset + length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		return data[offset:end], nil
	}, Config{})
}

func TestEngineOpenParsesTracks(t *testing.T) {
	data := buildTestFile(t)
	e := newTestEngine(t, data)
	require.NoError(t, e.Open())

	tracks := e.Tracks()
	require.Len(t, tracks, 1)
	require.EqualValues(t, 1, tracks[0].ID)
	require.EqualValues(t, 48000, tracks[0].TimeScale)
}

func TestEngineReadSampleAdvancesCursor(t *testing.T) {
	data := buildTestFile(t)
	e := newTestEngine(t, data)
	require.NoError(t, e.Open())

	s0, p0, err := e.ReadSample(1)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0}, p0)
	require.EqualValues(t, 0, s0.DTS)

	s1, p1, err := e.ReadSample(1)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, p1)
	require.Greater(t, s1.DTS, s0.DTS)

	_, _, err = e.ReadSample(1)
	require.NoError(t, err)
	_, _, err = e.ReadSample(1)
	require.NoError(t, err)

	_, _, err = e.ReadSample(1)
	require.ErrorIs(t, err, ErrEndOfTrack)
}

func TestEngineReadSampleUnknownTrack(t *testing.T) {
	data := buildTestFile(t)
	e := newTestEngine(t, data)
	require.NoError(t, e.Open())

	_, _, err := e.ReadSample(99)
	require.ErrorIs(t, err, ErrUnknownTrack)
}

func TestEngineSeekRewindsCursor(t *testing.T) {
	data := buildTestFile(t)
	e := newTestEngine(t, data)
	require.NoError(t, e.Open())

	_, _, err := e.ReadSample(1)
	require.NoError(t, err)
	_, _, err = e.ReadSample(1)
	require.NoError(t, err)

	require.NoError(t, e.Seek(1, 0))

	_, p, err := e.ReadSample(1)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0}, p)
}

func TestEngineHandleDemandEmitsFormatThenBuffersThenEOS(t *testing.T) {
	data := buildTestFile(t)
	e := newTestEngine(t, data)
	require.NoError(t, e.Open())

	actions, err := e.HandleDemand()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, pipeline.ActionEmitStreamFormat, actions[0].Kind)
	require.Equal(t, "audio", actions[0].StreamFormat.Kind)

	var buffers int
	for {
		actions, err = e.HandleDemand()
		require.NoError(t, err)
		require.Len(t, actions, 1)
		if actions[0].Kind == pipeline.ActionEmitEOS {
			break
		}
		require.Equal(t, pipeline.ActionEmitBuffer, actions[0].Kind)
		buffers++
	}
	require.Equal(t, 4, buffers)
}

func TestEngineBeforeOpenFails(t *testing.T) {
	e := newTestEngine(t, buildTestFile(t))
	_, err := e.HandleDemand()
	require.ErrorIs(t, err, ErrNotOpened)
}

func TestEngineSourceElementRejectsInboundActions(t *testing.T) {
	e := newTestEngine(t, buildTestFile(t))
	require.NoError(t, e.Open())

	_, err := e.HandleStreamFormat(pipeline.StreamFormat{})
	require.Error(t, err)

	_, err = e.HandleBuffer(pipeline.Buffer{})
	require.Error(t, err)
}
