package timeline

import (
	"math"
	"strconv"
	"strings"
	"sync"
)

// Element is one run-length encoded entry of a segment timeline: a segment
// starting at Start with the given Duration, followed by Repeat more segments
// of the same duration. Repeat == RepeatUnbounded means the entry repeats until
// the next manifest update says otherwise. All times are in seconds.
type Element struct {
	Start    float64
	Duration float64
	Repeat   int
}

// RepeatUnbounded marks an entry whose actual end is unknown until the next
// manifest update.
const RepeatUnbounded = -1

// End returns the end time of the element. For an unbounded repeat the hint,
// when non-nil, gives the start of the data known to come right after it.
func (e Element) End(hint *Element) float64 {
	if e.Repeat >= 0 {
		return e.Start + e.Duration*float64(e.Repeat+1)
	}
	if hint != nil {
		return hint.Start
	}
	// No hint: we only know about the first occurrence for sure.
	return e.Start + e.Duration
}

// Descriptor describes a single fetchable segment materialized from the
// timeline.
type Descriptor struct {
	ID       string
	Time     float64
	Duration float64
	End      float64
	IsInit   bool
	Complete bool
	URL      string
}

// Index maps playback time to segment descriptors for one representation.
// It is safe for concurrent use: manifest refreshes mutate it while
// representation streams query it.
type Index struct {
	mu sync.RWMutex

	repID         string
	timescale     uint64
	mediaTemplate string
	initURL       string
	elements      []Element
	finished      bool
	epsilon       float64

	initialized   bool
	initTimescale float64
}

// NewIndex builds an index for one representation. mediaTemplate may contain
// $RepresentationID$ and $Time$ placeholders, resolved per segment. initURL
// may be empty when the representation needs no initialization segment.
// finished indicates a fully described (static) timeline.
func NewIndex(repID string, timescale uint64, mediaTemplate, initURL string, elements []Element, finished bool, epsilon float64) *Index {
	if timescale == 0 {
		timescale = 1
	}
	return &Index{
		repID:         repID,
		timescale:     timescale,
		mediaTemplate: mediaTemplate,
		initURL:       initURL,
		elements:      append([]Element(nil), elements...),
		finished:      finished,
		epsilon:       epsilon,
	}
}

// InitSegment returns the initialization segment descriptor, or nil when the
// representation has none.
func (x *Index) InitSegment() *Descriptor {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.initURL == "" {
		return nil
	}
	return &Descriptor{
		ID:       "init",
		IsInit:   true,
		Complete: true,
		URL:      strings.Replace(x.initURL, "$RepresentationID$", x.repID, 1),
	}
}

// IsInitialized reports whether the initialization metadata for this index has
// been resolved, either because no init segment exists or because one was
// parsed and recorded via SetInitialized.
func (x *Index) IsInitialized() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.initialized || x.initURL == ""
}

// SetInitialized records the timescale declared by a parsed initialization
// segment. A zero timescale keeps the index's own.
func (x *Index) SetInitialized(initTimescale float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.initialized = true
	if initTimescale > 0 {
		x.initTimescale = initTimescale
	}
}

// InitTimescale returns the timescale learned from the init segment, or 0 when
// none was declared yet.
func (x *Index) InitTimescale() float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.initTimescale
}

// IsFinished reports whether the timeline is fully described and no further
// segments will ever be announced for it.
func (x *Index) IsFinished() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.finished
}

// SetFinished marks the timeline as fully described.
func (x *Index) SetFinished() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.finished = true
}

// End returns the end of the last known segment. The second return value is
// false when the timeline is empty or ends in an unbounded repeat.
func (x *Index) End() (float64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.endLocked()
}

func (x *Index) endLocked() (float64, bool) {
	if len(x.elements) == 0 {
		return 0, false
	}
	last := x.elements[len(x.elements)-1]
	if last.Repeat == RepeatUnbounded {
		return last.End(nil), false
	}
	return last.End(nil), true
}

// Segments returns the descriptors of every media segment overlapping
// [start, start+duration), in ascending time order. Segments belonging to an
// unbounded repeat are materialized up to the end of the requested range; the
// last of those is flagged incomplete since its real extent is only known
// after the next manifest update.
func (x *Index) Segments(start, duration float64) []Descriptor {
	x.mu.RLock()
	defer x.mu.RUnlock()

	rangeEnd := start + duration
	var out []Descriptor
	for i, el := range x.elements {
		count := el.Repeat + 1
		unbounded := el.Repeat == RepeatUnbounded
		if unbounded {
			if el.Duration <= 0 {
				continue
			}
			// Materialize occurrences until the range is covered, or until the
			// next element starts.
			limit := rangeEnd
			if i+1 < len(x.elements) && x.elements[i+1].Start < limit {
				limit = x.elements[i+1].Start
			}
			count = int(math.Ceil((limit - el.Start) / el.Duration))
			if count < 1 {
				count = 1
			}
		}
		for k := 0; k < count; k++ {
			segStart := el.Start + float64(k)*el.Duration
			segEnd := segStart + el.Duration
			if segEnd <= start+x.epsilon {
				continue
			}
			if segStart >= rangeEnd-x.epsilon {
				break
			}
			out = append(out, x.descriptorLocked(segStart, el.Duration, !(unbounded && k == count-1)))
		}
	}
	return out
}

func (x *Index) descriptorLocked(start, duration float64, complete bool) Descriptor {
	units := uint64(math.Round(start * float64(x.timescale)))
	id := strconv.FormatUint(units, 10)
	url := strings.Replace(x.mediaTemplate, "$RepresentationID$", x.repID, 1)
	url = strings.Replace(url, "$Time$", id, 1)
	return Descriptor{
		ID:       id,
		Time:     start,
		Duration: duration,
		End:      start + duration,
		Complete: complete,
		URL:      url,
	}
}

// IsSegmentStillAvailable reports whether the given segment is still part of
// the timeline, i.e. some known segment starts at the same time with the same
// duration. Init segments are always available.
func (x *Index) IsSegmentStillAvailable(seg Descriptor) bool {
	if seg.IsInit {
		return true
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	eps := x.epsilon
	for i, el := range x.elements {
		end := el.End(nil)
		if i+1 < len(x.elements) && el.Repeat == RepeatUnbounded {
			end = x.elements[i+1].Start
		} else if el.Repeat == RepeatUnbounded {
			// Open-ended entry: anything aligned after its start counts.
			end = math.Inf(1)
		}
		if seg.Time < el.Start-eps || seg.Time >= end-eps {
			continue
		}
		if math.Abs(el.Duration-seg.Duration) > eps {
			return false
		}
		offset := (seg.Time - el.Start) / el.Duration
		nearest := el.Start + math.Round(offset)*el.Duration
		return math.Abs(seg.Time-nearest) < eps
	}
	return false
}

// statusCoder matches errors carrying an HTTP status, without depending on the
// transport layer.
type statusCoder interface {
	StatusCode() int
}

// CanBeOutOfSyncError reports whether the given fetch error hints that the
// local timeline is out of sync with the server: the server does not know a
// segment close to the live edge that our (possibly stale) timeline still
// announces.
func (x *Index) CanBeOutOfSyncError(err error, seg Descriptor) bool {
	if err == nil || seg.IsInit {
		return false
	}
	var sc statusCoder
	if !asStatusCoder(err, &sc) {
		return false
	}
	if sc.StatusCode() != 404 {
		return false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.finished || len(x.elements) == 0 {
		return false
	}
	end, _ := x.endLocked()
	// Only segments near the end of the known timeline qualify; a 404 in the
	// middle of it is a plain server error.
	return seg.End >= end-seg.Duration-x.epsilon
}

func asStatusCoder(err error, target *statusCoder) bool {
	for err != nil {
		if sc, ok := err.(statusCoder); ok {
			*target = sc
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CheckDiscontinuity returns the start of the next segment when pos falls in a
// hole of the timeline (after one element's end, before the next one's start),
// and -1 otherwise.
func (x *Index) CheckDiscontinuity(pos float64) float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for i := 0; i+1 < len(x.elements); i++ {
		var hint *Element
		next := x.elements[i+1]
		hint = &next
		end := x.elements[i].End(hint)
		if pos >= end-x.epsilon && pos < next.Start-x.epsilon {
			return next.Start
		}
	}
	return -1
}

// ShouldRefresh reports whether a manifest refresh is needed to serve the
// given range: the range extends past everything the timeline knows about while
// more segments are expected.
func (x *Index) ShouldRefresh(start, end float64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.finished {
		return false
	}
	if len(x.elements) == 0 {
		return true
	}
	knownEnd, _ := x.endLocked()
	return end > knownEnd+x.epsilon
}

// Elements returns a copy of the raw timeline entries.
func (x *Index) Elements() []Element {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]Element(nil), x.elements...)
}
