package buffer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"

	"segstream/internal/logger"
	"segstream/internal/manifest"
)

// ErrClosed is returned when pushing into a buffer that was closed.
var ErrClosed = errors.New("segment buffer is closed")

// MemoryBuffer is an in-memory SegmentBuffer. Media payloads live in an LRU
// store; when the store evicts a segment's payload to stay under capacity, the
// segment's buffered edges become unknown, which the status evaluator then
// detects as garbage collection and re-downloads.
type MemoryBuffer struct {
	mu     sync.RWMutex
	logger logger.Logger

	store    *lru.Cache
	pending  map[string][]byte
	segments map[string]*SegmentInfo
	initData map[string][]byte
	closed   bool
}

// NewMemoryBuffer creates a buffer retaining at most capacity sealed segment
// payloads. Initialization segments are kept outside the LRU store and are
// never evicted.
func NewMemoryBuffer(capacity int, log logger.Logger) *MemoryBuffer {
	if log == nil {
		log = logger.Nop()
	}
	b := &MemoryBuffer{
		logger:   log,
		pending:  make(map[string][]byte),
		segments: make(map[string]*SegmentInfo),
		initData: make(map[string][]byte),
	}
	b.store = lru.New(capacity)
	b.store.OnEvicted = func(key lru.Key, value interface{}) {
		// Called with b.mu held, from Add on overflow.
		k := key.(string)
		if info, ok := b.segments[k]; ok {
			info.BufferedStart = math.NaN()
			info.BufferedEnd = math.NaN()
			b.logger.Debugf("buffer: evicted payload of segment %s", k)
		}
	}
	return b
}

func segmentKey(c manifest.SegmentContent) string {
	if c.Segment.IsInit {
		return fmt.Sprintf("%s/%s/%s/init", c.Period.ID, c.Adaptation.ID, c.Representation.ID)
	}
	return fmt.Sprintf("%s/%s/%s/%s", c.Period.ID, c.Adaptation.ID, c.Representation.ID, c.Segment.ID)
}

// PushChunk appends one chunk of a segment. Chunks accumulate until
// EndOfSegment seals them.
func (b *MemoryBuffer) PushChunk(ctx context.Context, chunk PushedChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	key := segmentKey(chunk.Content)
	if chunk.Content.Segment.IsInit {
		b.initData[key] = append([]byte(nil), chunk.Data...)
		return nil
	}
	b.pending[key] = append(b.pending[key], chunk.Data...)
	return nil
}

// EndOfSegment seals a segment: its accumulated chunks become one payload in
// the store and the segment enters the inventory with intact buffered edges.
func (b *MemoryBuffer) EndOfSegment(ctx context.Context, content manifest.SegmentContent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	key := segmentKey(content)
	if content.Segment.IsInit {
		if _, ok := b.initData[key]; !ok {
			return errors.Errorf("end of init segment %s without pushed data", key)
		}
		return nil
	}

	data, ok := b.pending[key]
	if !ok {
		return errors.Errorf("end of segment %s without pushed chunks", key)
	}
	delete(b.pending, key)

	seg := content.Segment
	b.segments[key] = &SegmentInfo{
		Content:       content,
		Start:         seg.Time,
		End:           seg.End,
		BufferedStart: seg.Time,
		BufferedEnd:   seg.End,
	}
	b.store.Add(key, data)
	return nil
}

// Inventory returns the known segments in ascending start order, including
// ones whose payload was evicted since they were sealed.
func (b *MemoryBuffer) Inventory() []SegmentInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SegmentInfo, 0, len(b.segments))
	for _, info := range b.segments {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// BufferedRanges merges the intact buffered segments into contiguous time
// ranges.
func (b *MemoryBuffer) BufferedRanges() []Range {
	const mergeGap = 0.1

	inventory := b.Inventory()
	var ranges []Range
	for _, info := range inventory {
		if !info.HasBufferedStart() || !info.HasBufferedEnd() {
			continue
		}
		if n := len(ranges); n > 0 && info.BufferedStart <= ranges[n-1].End+mergeGap {
			if info.BufferedEnd > ranges[n-1].End {
				ranges[n-1].End = info.BufferedEnd
			}
			continue
		}
		ranges = append(ranges, Range{Start: info.BufferedStart, End: info.BufferedEnd})
	}
	return ranges
}

// SegmentData returns the sealed payload for a segment, when still resident.
func (b *MemoryBuffer) SegmentData(content manifest.SegmentContent) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := segmentKey(content)
	if content.Segment.IsInit {
		data, ok := b.initData[key]
		return data, ok
	}
	value, ok := b.store.Get(key)
	if !ok {
		return nil, false
	}
	return value.([]byte), true
}

// Close drops all state. Further pushes fail with ErrClosed.
func (b *MemoryBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.store.OnEvicted = nil
	b.store.Clear()
	b.pending = make(map[string][]byte)
	b.segments = make(map[string]*SegmentInfo)
	b.initData = make(map[string][]byte)
}
