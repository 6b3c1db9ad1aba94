package status

import (
	"segstream/internal/buffer"
	"segstream/internal/config"
	"segstream/internal/logger"
	"segstream/internal/manifest"
)

// NeededSegment is one segment the stream should download, with its priority.
// Lower priority numbers are more urgent.
type NeededSegment struct {
	Content  manifest.SegmentContent
	Priority int
}

// Args is the immutable snapshot of inputs one evaluation works from.
type Args struct {
	Content             manifest.Content
	Position            float64
	FastSwitchThreshold float64 // NaN when undefined
	NeededRange         buffer.Range
	SegmentsBeingPushed []manifest.SegmentContent
	BufferedSegments    []buffer.SegmentInfo
	Priority            PriorityFunc
	Config              *config.Config
	Logger              logger.Logger
}

// Evaluation is the outcome of one buffer status evaluation.
type Evaluation struct {
	// NeededSegments lists the segments to download for the needed range, in
	// ascending time order.
	NeededSegments []NeededSegment
	// ShouldRefreshManifest is set when the timeline cannot serve the needed
	// range and more segments are expected from a manifest refresh.
	ShouldRefreshManifest bool
	// HasFinishedLoading is set when the timeline is complete and nothing in
	// the needed range remains to download.
	HasFinishedLoading bool
	// ImminentDiscontinuity is the start of the next segment when the playback
	// position sits in a hole of the timeline, and -1 otherwise.
	ImminentDiscontinuity float64
}

// GetNeededSegments computes the ordered list of segments that should be
// downloaded right now for the given range, from everything known about the
// buffer and playback state.
func GetNeededSegments(args Args) Evaluation {
	cfg := args.Config
	log := args.Logger
	if log == nil {
		log = logger.Nop()
	}
	priority := args.Priority
	if priority == nil {
		priority = DefaultPriority
	}
	eps := cfg.Epsilon()

	index := args.Content.Representation.Index
	rng := args.NeededRange
	candidates := index.Segments(rng.Start, rng.End-rng.Start)

	segmentsToKeep := filterBufferedSegments(args, log)

	var needed []NeededSegment
	for _, seg := range candidates {
		if seg.Complete && seg.Duration < cfg.MinimumSegmentSize {
			continue
		}
		content := manifest.SegmentContent{Content: args.Content, Segment: seg}
		if isBeingPushed(content, args.SegmentsBeingPushed) {
			continue
		}
		if pendingPushSupersedes(content, args, cfg) {
			continue
		}
		if coveredByKept(seg.Time, seg.End, content, segmentsToKeep, eps) {
			continue
		}
		needed = append(needed, NeededSegment{
			Content:  content,
			Priority: priority(seg.Time, args.Content.Period.Start, args.Position),
		})
	}

	eval := Evaluation{
		NeededSegments:        needed,
		ImminentDiscontinuity: index.CheckDiscontinuity(args.Position),
	}
	eval.ShouldRefreshManifest = index.ShouldRefresh(rng.Start, rng.End)
	if len(needed) == 0 && index.IsFinished() {
		if end, known := index.End(); known && rng.End >= end-eps {
			eval.HasFinishedLoading = true
		}
	}
	return eval
}

// filterBufferedSegments keeps only the buffered segments worth keeping:
// segments that should not be superseded by the current content and whose
// buffered edges survived the playback buffer's garbage collection.
func filterBufferedSegments(args Args, log logger.Logger) []buffer.SegmentInfo {
	cfg := args.Config
	var kept []buffer.SegmentInfo
	for i := range args.BufferedSegments {
		info := args.BufferedSegments[i]
		if ShouldContentBeReplaced(info.Content, args.Content, args.Position, args.FastSwitchThreshold, cfg) {
			continue
		}
		var prev, next *buffer.SegmentInfo
		if i > 0 {
			prev = &args.BufferedSegments[i-1]
		}
		if i+1 < len(args.BufferedSegments) {
			next = &args.BufferedSegments[i+1]
		}
		if isStartGarbageCollected(info, prev, args.NeededRange.Start, cfg) {
			log.Debugf("status: segment %s lost its start to garbage collection", info.Content.Segment.ID)
			continue
		}
		if isEndGarbageCollected(info, next, args.NeededRange.End, cfg) {
			log.Debugf("status: segment %s lost its end to garbage collection", info.Content.Segment.ID)
			continue
		}
		kept = append(kept, info)
	}
	return kept
}

func isBeingPushed(content manifest.SegmentContent, pushed []manifest.SegmentContent) bool {
	for _, p := range pushed {
		if p.SameContent(content) {
			return true
		}
	}
	return false
}

// pendingPushSupersedes reports whether an in-flight push from the same period
// is about to cover this segment's range with data the current content would
// not itself replace. Downloading it now would duplicate work about to land.
func pendingPushSupersedes(content manifest.SegmentContent, args Args, cfg *config.Config) bool {
	seg := content.Segment
	for _, p := range args.SegmentsBeingPushed {
		if !p.SamePeriod(content) || p.Segment.IsInit {
			continue
		}
		if p.Segment.End <= seg.Time || p.Segment.Time >= seg.End {
			continue
		}
		if !ShouldContentBeReplaced(p, args.Content, args.Position, args.FastSwitchThreshold, cfg) {
			return true
		}
	}
	return false
}

// coveredByKept reports whether [start, end] is fully covered, within epsilon,
// by a single kept buffered segment of the same period or by a contiguous run
// of them.
func coveredByKept(start, end float64, content manifest.SegmentContent, kept []buffer.SegmentInfo, eps float64) bool {
	for i := range kept {
		info := kept[i]
		if !info.Content.SamePeriod(content) {
			continue
		}
		if info.Start > start+eps {
			continue
		}
		if info.End >= end-eps {
			return true
		}
		// Walk forward through contiguous kept segments.
		runEnd := info.End
		for j := i + 1; j < len(kept); j++ {
			if !kept[j].Content.SamePeriod(content) {
				break
			}
			if runEnd+eps <= kept[j].Start {
				break
			}
			if kept[j].End > runEnd {
				runEnd = kept[j].End
			}
			if runEnd >= end-eps {
				return true
			}
		}
	}
	return false
}
