package cmaf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/mp4/pipeline"
)

func opusFormat(trackID uint32) pipeline.StreamFormat {
	return pipeline.StreamFormat{
		TrackID:      trackID,
		Kind:         "audio",
		Codec:        "Opus",
		TimeScale:    48000,
		ChannelCount: 1,
		SampleRate:   48000,
	}
}

// pushFrames feeds n Opus frames of frameDur each through m, starting at t0,
// and collects every segment any HandleBuffer call emits.
func pushFrames(t *testing.T, m *Muxer, trackID uint32, n int, frameDur time.Duration) [][]byte {
	t.Helper()
	var segments [][]byte
	for i := range n {
		dts := time.Duration(i) * frameDur
		actions, err := m.HandleBuffer(pipeline.Buffer{
			TrackID:  trackID,
			Payload:  []byte{byte(i), byte(i + 1), byte(i + 2)},
			DTS:      dts,
			PTS:      dts,
			KeyFrame: true,
		})
		require.NoError(t, err)
		for _, a := range actions {
			if a.Kind == pipeline.ActionEmitSegment {
				segments = append(segments, a.Segment)
			}
		}
	}
	return segments
}

func TestMuxerEmitsSegmentOnAudioMidCrossing(t *testing.T) {
	m := New(Config{SegmentMinDuration: 500 * time.Millisecond, SegmentDuration: 1 * time.Second})
	_, err := m.HandleStreamFormat(opusFormat(1))
	require.NoError(t, err)

	// Frames every 200ms: crosses the 500ms mid threshold on the 4th sample (600ms).
	segments := pushFrames(t, m, 1, 4, 200*time.Millisecond)
	require.Len(t, segments, 1)
}

func TestMuxerHandleEOSFlushesRemainder(t *testing.T) {
	m := New(Config{SegmentMinDuration: 500 * time.Millisecond, SegmentDuration: 1 * time.Second})
	_, err := m.HandleStreamFormat(opusFormat(1))
	require.NoError(t, err)

	segments := pushFrames(t, m, 1, 2, 200*time.Millisecond)
	require.Empty(t, segments, "two 200ms frames stay under the 500ms min threshold")

	actions, err := m.HandleEOS()
	require.NoError(t, err)

	var final [][]byte
	sawEOS := false
	for _, a := range actions {
		switch a.Kind {
		case pipeline.ActionEmitSegment:
			final = append(final, a.Segment)
		case pipeline.ActionEmitEOS:
			sawEOS = true
		}
	}
	require.True(t, sawEOS)
	require.Len(t, final, 1)

	_, err = m.HandleEOS()
	require.NoError(t, err)
}

func TestMuxerFinalizeSegmentForcesCollection(t *testing.T) {
	m := New(Config{SegmentMinDuration: 500 * time.Millisecond, SegmentDuration: 10 * time.Second})
	_, err := m.HandleStreamFormat(opusFormat(1))
	require.NoError(t, err)

	segments := pushFrames(t, m, 1, 4, 200*time.Millisecond)
	require.Empty(t, segments, "10s segment duration never crosses mid on its own here")

	actions, err := m.FinalizeSegment()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, pipeline.ActionEmitSegment, actions[0].Kind)
}

func TestCMAFRoundTripThroughDemuxer(t *testing.T) {
	m := New(Config{SegmentMinDuration: 500 * time.Millisecond, SegmentDuration: 1 * time.Second})
	_, err := m.HandleStreamFormat(opusFormat(1))
	require.NoError(t, err)

	init, err := m.InitSegment()
	require.NoError(t, err)
	require.NotEmpty(t, init)

	frameDur := 200 * time.Millisecond
	segments := pushFrames(t, m, 1, 4, frameDur)
	require.Len(t, segments, 1)

	actions, err := m.HandleEOS()
	require.NoError(t, err)
	for _, a := range actions {
		if a.Kind == pipeline.ActionEmitSegment {
			segments = append(segments, a.Segment)
		}
	}
	require.Len(t, segments, 2)

	d := NewDemuxer(Config{})
	require.NoError(t, d.Parse(init))

	tracks := d.Tracks()
	require.Len(t, tracks, 1)
	require.Equal(t, "audio", tracks[0].Kind)
	require.EqualValues(t, 48000, tracks[0].TimeScale)

	var allSamples []Sample
	for _, seg := range segments {
		out, err := d.ProcessSegment(seg)
		require.NoError(t, err)
		allSamples = append(allSamples, out[1]...)
	}

	require.Len(t, allSamples, 4)
	for i, s := range allSamples {
		require.Equal(t, []byte{byte(i), byte(i + 1), byte(i + 2)}, s.Payload)
		require.True(t, s.IsSync)
	}
}

func TestMuxerHandleBufferUnknownTrack(t *testing.T) {
	m := New(Config{})
	_, err := m.HandleBuffer(pipeline.Buffer{TrackID: 7})
	require.ErrorIs(t, err, ErrUnknownTrack)
}

func TestMuxerInitSegmentRequiresTracks(t *testing.T) {
	m := New(Config{})
	_, err := m.InitSegment()
	require.ErrorIs(t, err, ErrNoTracks)
}
