package cmaf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSamplesQueueVideoCollectsOnKeyframeAtMid(t *testing.T) {
	q := newSamplesQueue(true)
	const minDur = 1 * time.Second
	const segDur = 2 * time.Second

	samples := []queuedSample{
		{wallDTS: 0, keyFrame: true},
		{wallDTS: 500 * time.Millisecond},
		{wallDTS: 1200 * time.Millisecond, keyFrame: true}, // past mid (1s), is a keyframe
	}

	var target []queuedSample
	var collected bool
	for _, s := range samples {
		target, collected = q.push(s, minDur, segDur)
	}

	require.True(t, collected)
	require.Len(t, target, 2)
	require.Equal(t, time.Duration(0), target[0].wallDTS)
	require.Equal(t, 500*time.Millisecond, target[1].wallDTS)
	require.Len(t, q.pending, 1)
	require.Equal(t, 1200*time.Millisecond, q.pending[0].wallDTS)
}

func TestSamplesQueueVideoIgnoresMidCrossingWithoutKeyframe(t *testing.T) {
	q := newSamplesQueue(true)
	const minDur = 1 * time.Second
	const segDur = 2 * time.Second

	_, collected := q.push(queuedSample{wallDTS: 0, keyFrame: true}, minDur, segDur)
	require.False(t, collected)
	_, collected = q.push(queuedSample{wallDTS: 1200 * time.Millisecond, keyFrame: false}, minDur, segDur)
	require.False(t, collected, "a non-keyframe past mid must not trigger collection")

	// Crossing the unconditional "end" threshold always collects, keyframe or not.
	target, collected := q.push(queuedSample{wallDTS: 2100 * time.Millisecond, keyFrame: false}, minDur, segDur)
	require.True(t, collected)
	require.Len(t, target, 2)
}

func TestSamplesQueueAudioCollectsAtMidRegardlessOfKeyframe(t *testing.T) {
	q := newSamplesQueue(false)
	const minDur = 1 * time.Second
	const segDur = 2 * time.Second

	_, collected := q.push(queuedSample{wallDTS: 0}, minDur, segDur)
	require.False(t, collected)
	target, collected := q.push(queuedSample{wallDTS: 1100 * time.Millisecond}, minDur, segDur)
	require.True(t, collected)
	require.Len(t, target, 1)
}

func TestSamplesQueueBelowMinNeverCollects(t *testing.T) {
	q := newSamplesQueue(true)
	const minDur = 1 * time.Second
	const segDur = 2 * time.Second

	_, collected := q.push(queuedSample{wallDTS: 0, keyFrame: true}, minDur, segDur)
	require.False(t, collected)
	// Still below min (1s), even though it's a keyframe past a hypothetical mid.
	_, collected = q.push(queuedSample{wallDTS: 900 * time.Millisecond, keyFrame: true}, minDur, segDur)
	require.False(t, collected)
}

func TestSamplesQueueCutAtSplitsPending(t *testing.T) {
	q := newSamplesQueue(false)
	q.pending = []queuedSample{
		{wallDTS: 0},
		{wallDTS: 500 * time.Millisecond},
		{wallDTS: 1500 * time.Millisecond},
		{wallDTS: 2500 * time.Millisecond},
	}

	target := q.cutAt(1500 * time.Millisecond)
	require.Len(t, target, 2)
	require.Equal(t, time.Duration(0), target[0].wallDTS)
	require.Equal(t, 500*time.Millisecond, target[1].wallDTS)

	require.Len(t, q.pending, 2)
	require.Equal(t, 1500*time.Millisecond, q.pending[0].wallDTS)
	require.Equal(t, 2500*time.Millisecond, q.pending[1].wallDTS)
	require.Equal(t, 1500*time.Millisecond, q.segmentStart)
}

func TestSamplesQueueDrainEmptiesPending(t *testing.T) {
	q := newSamplesQueue(true)
	q.pending = []queuedSample{{wallDTS: 0}, {wallDTS: 100}}

	target := q.drain()
	require.Len(t, target, 2)
	require.Empty(t, q.pending)
}
