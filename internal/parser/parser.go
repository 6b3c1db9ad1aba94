package parser

import (
	"segstream/internal/manifest"
)

// InbandEvent is an event carried inside a media chunk itself (e.g. an emsg
// box), surfaced to the host as is.
type InbandEvent struct {
	SchemeID string
	Start    float64
	End      float64
	Payload  []byte
}

// Parsed is the result of parsing one fetched chunk.
type Parsed struct {
	// IsInit is set when the payload is initialization data.
	IsInit bool
	// Data is the payload to push to the buffer.
	Data []byte
	// InitTimescale is the timescale an init segment declares, or 0.
	InitTimescale float64
	// Protections is encryption initialization data found while parsing an
	// init segment.
	Protections []manifest.ProtectionData
	// InbandEvents are events found inside a media chunk.
	InbandEvents []InbandEvent
	// NeedsManifestRefresh is set when the chunk signals that the manifest
	// must be re-fetched (e.g. an in-band manifest validity expiration).
	NeedsManifestRefresh bool
	// ProtectionUpdate is set when a media chunk carried new protection data.
	ProtectionUpdate []manifest.ProtectionData
}

// SegmentParser turns raw fetched bytes into pushable media data and
// container-level metadata. Byte-level demuxing belongs to implementations of
// this interface, not to the scheduling core.
type SegmentParser interface {
	// Parse processes one chunk. initTimescale is the timescale learned from
	// the representation's init segment, or 0 when none was parsed yet.
	Parse(chunk []byte, content manifest.SegmentContent, initTimescale float64) (Parsed, error)
}

// Passthrough is a SegmentParser that forwards payloads untouched. It serves
// containerless formats and tests.
type Passthrough struct{}

// Parse implements SegmentParser.
func (Passthrough) Parse(chunk []byte, content manifest.SegmentContent, initTimescale float64) (Parsed, error) {
	return Parsed{
		IsInit: content.Segment.IsInit,
		Data:   chunk,
	}, nil
}
