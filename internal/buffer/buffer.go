package buffer

import (
	"context"
	"math"

	"segstream/internal/manifest"
)

// SegmentInfo describes what is actually present in a buffer for one segment.
// BufferedStart/BufferedEnd may differ from the nominal Start/End when the
// underlying buffer partially evicted the data; NaN means the corresponding
// edge is unknown, which callers must treat as fully evicted.
type SegmentInfo struct {
	Content       manifest.SegmentContent
	Start         float64
	End           float64
	BufferedStart float64
	BufferedEnd   float64
}

// HasBufferedStart reports whether the buffered start edge is known.
func (s SegmentInfo) HasBufferedStart() bool { return !math.IsNaN(s.BufferedStart) }

// HasBufferedEnd reports whether the buffered end edge is known.
func (s SegmentInfo) HasBufferedEnd() bool { return !math.IsNaN(s.BufferedEnd) }

// Range is a buffered time range, in seconds.
type Range struct {
	Start float64
	End   float64
}

// PushedChunk is one piece of media data, with the initialization data it must
// be appended under when the container format requires it.
type PushedChunk struct {
	Content  manifest.SegmentContent
	Data     []byte
	InitData []byte
}

// SegmentBuffer is the narrow contract of the per-track media buffer the
// scheduling core pushes into. Chunks of the same segment must be pushed in
// the order received and sealed with EndOfSegment.
type SegmentBuffer interface {
	PushChunk(ctx context.Context, chunk PushedChunk) error
	EndOfSegment(ctx context.Context, content manifest.SegmentContent) error
	Inventory() []SegmentInfo
	BufferedRanges() []Range
}
