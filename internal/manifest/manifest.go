package manifest

import (
	"segstream/internal/timeline"
)

// TrackType identifies the kind of media an adaptation carries.
type TrackType string

const (
	TrackVideo TrackType = "video"
	TrackAudio TrackType = "audio"
	TrackText  TrackType = "text"
)

// ProtectionData carries encryption initialization data for one DRM system.
type ProtectionData struct {
	SystemID string
	KeyID    []byte
	Data     []byte
}

// Representation is one quality variant of a track.
type Representation struct {
	ID      string
	Bitrate int
	Codecs  string
	Index   *timeline.Index

	protections []ProtectionData
}

// EncryptionData returns the protection data known for the given DRM system.
func (r *Representation) EncryptionData(systemID string) []ProtectionData {
	var out []ProtectionData
	for _, p := range r.protections {
		if p.SystemID == systemID {
			out = append(out, p)
		}
	}
	return out
}

// AllEncryptionData returns every piece of protection data known for this
// representation.
func (r *Representation) AllEncryptionData() []ProtectionData {
	return append([]ProtectionData(nil), r.protections...)
}

// AddEncryptionData records protection data discovered after manifest parsing,
// typically from an initialization segment. It reports whether the data was
// new.
func (r *Representation) AddEncryptionData(p ProtectionData) bool {
	for _, known := range r.protections {
		if known.SystemID == p.SystemID && string(known.Data) == string(p.Data) {
			return false
		}
	}
	r.protections = append(r.protections, p)
	return true
}

// Adaptation is one track (e.g. an audio language, or the video track) with
// its interchangeable representations.
type Adaptation struct {
	ID              string
	Type            TrackType
	Language        string
	Representations []*Representation
}

// Period is a time-bounded part of the presentation.
type Period struct {
	ID          string
	Start       float64
	Duration    float64 // 0 means open-ended
	Adaptations []*Adaptation
}

// End returns the period's end time. The second return value is false for an
// open-ended period.
func (p *Period) End() (float64, bool) {
	if p.Duration <= 0 {
		return 0, false
	}
	return p.Start + p.Duration, true
}

// Manifest is the in-process model of a media presentation.
type Manifest struct {
	ID        string
	IsDynamic bool
	Periods   []*Period
}

// Content identifies one representation of one track of one period. Fields are
// owned by the manifest; Content values are cheap to copy and compare.
type Content struct {
	Manifest       *Manifest
	Period         *Period
	Adaptation     *Adaptation
	Representation *Representation
}

// SegmentContent identifies one segment of a Content.
type SegmentContent struct {
	Content
	Segment timeline.Descriptor
}

// SameContent reports whether two segment references point at the same
// underlying media chunk. Equality is by period/adaptation/representation and
// segment identity, never by pointer.
func (c SegmentContent) SameContent(o SegmentContent) bool {
	return c.Period.ID == o.Period.ID &&
		c.Adaptation.ID == o.Adaptation.ID &&
		c.Representation.ID == o.Representation.ID &&
		c.Segment.ID == o.Segment.ID &&
		c.Segment.IsInit == o.Segment.IsInit
}

// SamePeriod reports whether both references belong to the same period.
func (c SegmentContent) SamePeriod(o SegmentContent) bool {
	return c.Period.ID == o.Period.ID
}
