package stream

import (
	"fmt"

	"segstream/internal/manifest"
	"segstream/internal/parser"
	"segstream/internal/status"
)

// EventKind tags one event emitted by a representation stream to its host.
type EventKind int

const (
	// EventStreamStatus reports the stream's situation after an evaluation.
	EventStreamStatus EventKind = iota
	// EventStreamTerminating is the final event of a terminated stream.
	EventStreamTerminating
	// EventNeedsManifestRefresh asks the host to refresh the manifest because
	// the timeline cannot serve the needed range.
	EventNeedsManifestRefresh
	// EventManifestMightBeOutOfSync reports a fetch failure pattern hinting
	// that the local timeline diverged from the server.
	EventManifestMightBeOutOfSync
	// EventEncryptionDataEncountered carries protection data, emitted at most
	// once per stream.
	EventEncryptionDataEncountered
	// EventWarning surfaces a recoverable fetch error.
	EventWarning
	// EventInbandEvents carries events found inside a media chunk.
	EventInbandEvents
	// EventAddedSegment reports a segment fully pushed to the buffer.
	EventAddedSegment
	// EventError is terminal: a structural failure ended the stream.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStreamStatus:
		return "stream-status"
	case EventStreamTerminating:
		return "stream-terminating"
	case EventNeedsManifestRefresh:
		return "needs-manifest-refresh"
	case EventManifestMightBeOutOfSync:
		return "manifest-might-be-out-of-sync"
	case EventEncryptionDataEncountered:
		return "encryption-data-encountered"
	case EventWarning:
		return "warning"
	case EventInbandEvents:
		return "inband-events"
	case EventAddedSegment:
		return "added-segment"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Status describes the stream's situation after one evaluation.
type Status struct {
	Period *manifest.Period
	// Position is the playback position the evaluation worked from.
	Position float64
	// TrackType is the kind of buffer this stream feeds.
	TrackType manifest.TrackType
	// ImminentDiscontinuity is the start of the next segment when the
	// position sits in a timeline hole, -1 otherwise.
	ImminentDiscontinuity float64
	// HasFinishedLoading is set once nothing remains to load for this range.
	HasFinishedLoading bool
	// NeededSegments is the full list the evaluation produced.
	NeededSegments []status.NeededSegment
}

// Event is one tagged event of a representation stream. Exactly one of the
// payload fields matching Kind is set.
type Event struct {
	Kind         EventKind
	Status       *Status
	Protections  []manifest.ProtectionData
	Warning      error
	Err          error
	InbandEvents []parser.InbandEvent
	Content      manifest.SegmentContent
}
