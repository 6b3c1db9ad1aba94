package buffer_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segstream/internal/buffer"
	"segstream/internal/manifest"
	"segstream/internal/timeline"
)

var testContent = manifest.Content{
	Period:         &manifest.Period{ID: "p1"},
	Adaptation:     &manifest.Adaptation{ID: "video"},
	Representation: &manifest.Representation{ID: "video-hd"},
}

func mediaSegment(start, end float64) manifest.SegmentContent {
	return manifest.SegmentContent{
		Content: testContent,
		Segment: timeline.Descriptor{
			ID:       fmt.Sprintf("%d", int(start)),
			Time:     start,
			Duration: end - start,
			End:      end,
			Complete: true,
		},
	}
}

func initSegment() manifest.SegmentContent {
	return manifest.SegmentContent{
		Content: testContent,
		Segment: timeline.Descriptor{ID: "init", IsInit: true, Complete: true},
	}
}

func pushAndSeal(t *testing.T, b *buffer.MemoryBuffer, seg manifest.SegmentContent, chunks ...[]byte) {
	t.Helper()
	ctx := context.Background()
	for _, c := range chunks {
		require.NoError(t, b.PushChunk(ctx, buffer.PushedChunk{Content: seg, Data: c}))
	}
	require.NoError(t, b.EndOfSegment(ctx, seg))
}

func TestMemoryBuffer_PushAndSeal(t *testing.T) {
	b := buffer.NewMemoryBuffer(4, nil)
	seg := mediaSegment(0, 2)
	pushAndSeal(t, b, seg, []byte("hello "), []byte("world"))

	inventory := b.Inventory()
	require.Len(t, inventory, 1)
	info := inventory[0]
	assert.Equal(t, 0.0, info.Start)
	assert.Equal(t, 2.0, info.End)
	assert.True(t, info.HasBufferedStart())
	assert.True(t, info.HasBufferedEnd())

	data, ok := b.SegmentData(seg)
	require.True(t, ok)
	assert.Equal(t, "hello world", string(data))
}

func TestMemoryBuffer_SealWithoutChunks(t *testing.T) {
	b := buffer.NewMemoryBuffer(4, nil)
	err := b.EndOfSegment(context.Background(), mediaSegment(0, 2))
	assert.Error(t, err)
}

func TestMemoryBuffer_EvictionMarksEdgesUnknown(t *testing.T) {
	b := buffer.NewMemoryBuffer(2, nil)
	pushAndSeal(t, b, mediaSegment(0, 2), []byte("a"))
	pushAndSeal(t, b, mediaSegment(2, 4), []byte("b"))
	pushAndSeal(t, b, mediaSegment(4, 6), []byte("c"))

	inventory := b.Inventory()
	require.Len(t, inventory, 3, "evicted segments stay in the inventory")
	assert.False(t, inventory[0].HasBufferedStart())
	assert.False(t, inventory[0].HasBufferedEnd())
	assert.True(t, inventory[1].HasBufferedStart())
	assert.True(t, inventory[2].HasBufferedEnd())

	_, ok := b.SegmentData(mediaSegment(0, 2))
	assert.False(t, ok, "the payload itself is gone")
}

func TestMemoryBuffer_InitDataIsNeverEvicted(t *testing.T) {
	b := buffer.NewMemoryBuffer(1, nil)
	init := initSegment()
	pushAndSeal(t, b, init, []byte("ftyp"))
	pushAndSeal(t, b, mediaSegment(0, 2), []byte("a"))
	pushAndSeal(t, b, mediaSegment(2, 4), []byte("b"))

	data, ok := b.SegmentData(init)
	require.True(t, ok)
	assert.Equal(t, "ftyp", string(data))

	assert.Len(t, b.Inventory(), 2, "init segments are not part of the media inventory")
}

func TestMemoryBuffer_BufferedRanges(t *testing.T) {
	b := buffer.NewMemoryBuffer(8, nil)
	pushAndSeal(t, b, mediaSegment(0, 2), []byte("a"))
	pushAndSeal(t, b, mediaSegment(2, 4), []byte("b"))
	pushAndSeal(t, b, mediaSegment(10, 12), []byte("c"))

	ranges := b.BufferedRanges()
	require.Len(t, ranges, 2)
	assert.Equal(t, buffer.Range{Start: 0, End: 4}, ranges[0])
	assert.Equal(t, buffer.Range{Start: 10, End: 12}, ranges[1])
}

func TestMemoryBuffer_Close(t *testing.T) {
	b := buffer.NewMemoryBuffer(4, nil)
	pushAndSeal(t, b, mediaSegment(0, 2), []byte("a"))
	b.Close()

	err := b.PushChunk(context.Background(), buffer.PushedChunk{Content: mediaSegment(2, 4), Data: []byte("b")})
	assert.ErrorIs(t, err, buffer.ErrClosed)
	assert.Empty(t, b.Inventory())
}
