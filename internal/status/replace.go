package status

import (
	"math"

	"segstream/internal/config"
	"segstream/internal/manifest"
)

// CanFastSwitch decides whether data buffered from oldRep may be replaced by
// data from newRep before it plays out.
//
// With no threshold (NaN), only a clear upgrade justifies re-downloading: the
// new bitrate has to exceed the old one by the configured rebuffering ratio.
// With a threshold, the upgrade is bounded and opportunistic: anything below
// the threshold may be replaced by anything strictly better.
func CanFastSwitch(oldRep, newRep *manifest.Representation, fastSwitchThreshold float64, cfg *config.Config) bool {
	if math.IsNaN(fastSwitchThreshold) {
		return float64(newRep.Bitrate) > float64(oldRep.Bitrate)*cfg.BitrateRebufferingRatio
	}
	return float64(oldRep.Bitrate) < fastSwitchThreshold && newRep.Bitrate > oldRep.Bitrate
}

// ShouldContentBeReplaced decides whether already-buffered data (old) should
// be superseded by data from the content currently being built (current).
func ShouldContentBeReplaced(old manifest.SegmentContent, current manifest.Content, position float64, fastSwitchThreshold float64, cfg *config.Config) bool {
	if old.Period.ID != current.Period.ID {
		// Segments from another period concern another stream.
		return false
	}
	if old.Segment.Time < position+cfg.ContentReplacementPadding {
		// About to be played; replacing it would risk a rebuffering pause.
		return false
	}
	if old.Adaptation.ID != current.Adaptation.ID {
		// A track switch always replaces the previous track's data.
		return true
	}
	if old.Representation.ID == current.Representation.ID {
		return false
	}
	return CanFastSwitch(old.Representation, current.Representation, fastSwitchThreshold, cfg)
}
