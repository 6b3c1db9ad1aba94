package status

import (
	"segstream/internal/buffer"
	"segstream/internal/config"
)

// adjacentEdgeTolerance is the gap under which two neighboring buffered
// segments are considered contiguous: such small holes are encoding artifacts,
// not evictions.
const adjacentEdgeTolerance = 0.1

// isStartGarbageCollected reports whether the start of a buffered segment was
// evicted by the playback buffer. prev is the buffered segment right before
// it, or nil.
func isStartGarbageCollected(info buffer.SegmentInfo, prev *buffer.SegmentInfo, rangeStart float64, cfg *config.Config) bool {
	if !info.HasBufferedStart() {
		// No report on where the data actually starts: assume the worst.
		return true
	}
	if prev != nil && prev.HasBufferedEnd() && info.BufferedStart-prev.BufferedEnd < adjacentEdgeTolerance {
		return false
	}
	return rangeStart < info.BufferedStart &&
		info.BufferedStart-info.Start > cfg.MaxTimeMissingFromCompleteSegment
}

// isEndGarbageCollected reports whether the end of a buffered segment was
// evicted by the playback buffer. next is the buffered segment right after it,
// or nil.
func isEndGarbageCollected(info buffer.SegmentInfo, next *buffer.SegmentInfo, rangeEnd float64, cfg *config.Config) bool {
	if !info.HasBufferedEnd() {
		return true
	}
	if next != nil && next.HasBufferedStart() && next.BufferedStart-info.BufferedEnd < adjacentEdgeTolerance {
		return false
	}
	return rangeEnd > info.BufferedEnd &&
		info.End-info.BufferedEnd > cfg.MaxTimeMissingFromCompleteSegment
}
