package status

// PriorityFunc maps a segment to a download priority. Lower numbers are more
// urgent. Implementations must be deterministic and monotonically
// non-decreasing with the distance between the segment and the playback
// position.
type PriorityFunc func(segmentStart, periodStart, position float64) int

// prioritySteps are the distance buckets, in seconds ahead of the playback
// position, delimiting each default priority level.
var prioritySteps = []float64{2, 4, 8, 12, 18, 25}

// DefaultPriority buckets segments by how far ahead of the playback position
// they start. Segments at or behind the position share the most urgent level.
func DefaultPriority(segmentStart, periodStart, position float64) int {
	if periodStart > position {
		// Playback has not reached this period yet; urgency is measured from
		// the period boundary.
		position = periodStart
	}
	distance := segmentStart - position
	for level, step := range prioritySteps {
		if distance < step {
			return level
		}
	}
	return len(prioritySteps)
}
