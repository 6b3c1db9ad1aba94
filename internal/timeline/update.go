package timeline

import (
	"math"

	"github.com/pkg/errors"

	"segstream/internal/logger"
)

// ErrNoOverlap is returned when a refreshed timeline neither overlaps nor
// touches the known one. It indicates data was lost between two manifest
// updates and is unrecoverable for the representation.
var ErrNoOverlap = errors.New("timeline update: new segments do not overlap the known timeline")

// Update reconciles the index's timeline with newer, possibly partial data
// from a manifest refresh. The known timeline is mutated in place.
func (x *Index) Update(newElems []Element, log logger.Logger) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if log == nil {
		log = logger.Nop()
	}

	old := x.elements
	if len(old) == 0 {
		x.elements = append([]Element(nil), newElems...)
		return nil
	}
	if len(newElems) == 0 {
		return nil
	}

	eps := x.epsilon
	newStart := newElems[0].Start
	last := old[len(old)-1]
	oldIndexEnd := last.End(&newElems[0])
	if oldIndexEnd < newStart-eps {
		return errors.WithMessagef(ErrNoOverlap,
			"known end %v, new start %v", oldIndexEnd, newStart)
	}

	for i := len(old) - 1; i >= 0; i-- {
		el := &old[i]
		if el.Start > newStart+eps {
			continue
		}

		if math.Abs(el.Start-newStart) <= eps {
			// Exact match: the new data replaces this entry and everything
			// after it.
			x.elements = append(old[:i], newElems...)
			return nil
		}

		if el.Start+el.Duration > newStart+eps {
			// The new data starts in the middle of an old segment. This
			// should not happen between consistent manifests; drop the
			// overlapping tail.
			log.Warnf("timeline update: old entry at %v overlaps new data starting at %v, dropping it", el.Start, newStart)
			x.elements = append(old[:i], newElems...)
			return nil
		}

		if el.Repeat <= 0 {
			if el.Repeat < 0 {
				el.Repeat = resolveUnboundedRepeat(*el, newStart)
			}
			x.elements = append(old[:i+1], newElems...)
			return nil
		}

		// Positive pending repeat. If the new data starts exactly on one of
		// its repeat boundaries with a matching duration, fold the repeat
		// forward; otherwise clamp the run right before the new data.
		steps := (newStart - el.Start) / el.Duration
		aligned := math.Abs(steps-math.Round(steps)) <= eps
		if aligned && math.Abs(el.Duration-newElems[0].Duration) <= eps {
			el.Repeat = int(math.Round(steps)) - 1
		} else {
			log.Warnf("timeline update: new data at %v does not align with entry at %v (duration %v), clamping",
				newStart, el.Start, el.Duration)
			el.Repeat = int(math.Floor(steps+eps)) - 1
		}
		if el.Repeat < 0 {
			el.Repeat = 0
		}
		x.elements = append(old[:i+1], newElems...)
		return nil
	}

	// Every known entry starts after the new data: either a stale refresh
	// arrived late, or the server restarted its timeline far behind us.
	oldLastEnd := old[len(old)-1].End(nil)
	newLast := newElems[len(newElems)-1]
	newLastEnd := newLast.End(nil)
	if oldLastEnd >= newLastEnd {
		log.Warnf("timeline update: refreshed timeline ends at %v, before known end %v, discarding it", newLastEnd, oldLastEnd)
		return nil
	}
	log.Warnf("timeline update: refreshed timeline starting at %v supersedes the known one", newStart)
	x.elements = append([]Element(nil), newElems...)
	return nil
}

// resolveUnboundedRepeat turns an unbounded repeat into the concrete count of
// whole durations fitting before nextStart.
func resolveUnboundedRepeat(el Element, nextStart float64) int {
	if el.Duration <= 0 {
		return 0
	}
	r := int(math.Floor((nextStart-el.Start)/el.Duration)) - 1
	if r < 0 {
		r = 0
	}
	return r
}
