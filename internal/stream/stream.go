package stream

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"segstream/internal/buffer"
	"segstream/internal/config"
	"segstream/internal/fetcher"
	"segstream/internal/logger"
	"segstream/internal/manifest"
	"segstream/internal/parser"
	"segstream/internal/status"
)

// ClockTick is one observation of the playback clock.
type ClockTick struct {
	Position float64
	Seeking  bool
}

type signalKind int

const (
	sigTick signalKind = iota
	sigBufferGoal
	sigFastSwitch
	sigTerminate
	sigRecheck
)

type signal struct {
	kind   signalKind
	tick   ClockTick
	value  float64
	urgent bool
}

type termination struct {
	urgent bool
}

// SegmentRequest is one in-flight segment download, as seen by the stream.
type SegmentRequest interface {
	Events() <-chan fetcher.Event
	UpdatePriority(priority int)
	Interrupt()
}

// SegmentFetcher creates prioritized segment requests. *fetcher.Fetcher
// satisfies it through AdaptFetcher.
type SegmentFetcher interface {
	CreateRequest(url string, priority int) SegmentRequest
}

// AdaptFetcher adapts the concrete HTTP fetcher to the SegmentFetcher
// interface.
func AdaptFetcher(f *fetcher.Fetcher) SegmentFetcher {
	return httpFetcher{f}
}

type httpFetcher struct {
	f *fetcher.Fetcher
}

func (h httpFetcher) CreateRequest(url string, priority int) SegmentRequest {
	return h.f.CreateRequest(url, priority)
}

type pendingRequest struct {
	content  manifest.SegmentContent
	priority int
	req      SegmentRequest
	// drained is set once the segment was fully pushed and sealed; only the
	// request's terminal event remains.
	drained bool
}

// Args bundles the collaborators of a representation stream.
type Args struct {
	Content  manifest.Content
	Type     manifest.TrackType
	Buffer   buffer.SegmentBuffer
	Fetcher  SegmentFetcher
	Parser   parser.SegmentParser
	Config   *config.Config
	Logger   logger.Logger
	Priority status.PriorityFunc
	// BufferGoal is the initial buffered-ahead duration target.
	BufferGoal float64
}

// RepresentationStream continuously builds the buffer of one (period,
// adaptation, representation) triple: it computes the segments missing from
// the buffer, downloads them one at a time and pushes them in, reacting to
// clock ticks, buffer-goal changes and termination requests.
//
// All state is owned by the Run goroutine; external signals go through a
// queue and are folded into the next evaluation, so no two evaluations of the
// same stream ever run concurrently.
type RepresentationStream struct {
	content  manifest.Content
	track    manifest.TrackType
	buf      buffer.SegmentBuffer
	fetch    SegmentFetcher
	parse    parser.SegmentParser
	cfg      *config.Config
	log      logger.Logger
	priority status.PriorityFunc

	signals chan signal
	events  chan Event

	// Run-goroutine state.
	clock                 ClockTick
	hasTick               bool
	bufferGoal            float64
	fastSwitchThreshold   float64
	terminating           *termination
	queue                 []status.NeededSegment
	current               *pendingRequest
	initData              []byte
	loadedInit            bool
	hasSentEncryptionData bool
	segmentsBeingPushed   []manifest.SegmentContent
	terminated            bool
}

// New creates a representation stream. Call Run to start it.
func New(args Args) *RepresentationStream {
	log := args.Logger
	if log == nil {
		log = logger.Nop()
	}
	prio := args.Priority
	if prio == nil {
		prio = status.DefaultPriority
	}
	p := args.Parser
	if p == nil {
		p = parser.Passthrough{}
	}
	return &RepresentationStream{
		content:             args.Content,
		track:               args.Type,
		buf:                 args.Buffer,
		fetch:               args.Fetcher,
		parse:               p,
		cfg:                 args.Config,
		log:                 log,
		priority:            prio,
		signals:             make(chan signal, 64),
		events:              make(chan Event, 32),
		bufferGoal:          args.BufferGoal,
		fastSwitchThreshold: math.NaN(),
	}
}

// Events returns the stream's outgoing event channel. It is closed when the
// stream ends, right after the terminal event.
func (s *RepresentationStream) Events() <-chan Event { return s.events }

// OnClockTick feeds a playback clock observation into the stream.
func (s *RepresentationStream) OnClockTick(tick ClockTick) {
	s.send(signal{kind: sigTick, tick: tick}, false)
}

// SetBufferGoal changes the buffered-ahead duration target.
func (s *RepresentationStream) SetBufferGoal(goal float64) {
	s.send(signal{kind: sigBufferGoal, value: goal}, true)
}

// SetFastSwitchThreshold changes the fast-switching bitrate threshold. NaN
// disables bounded fast switching.
func (s *RepresentationStream) SetFastSwitchThreshold(threshold float64) {
	s.send(signal{kind: sigFastSwitch, value: threshold}, true)
}

// Terminate requests the stream's end. With urgent set, in-flight work is
// interrupted immediately; otherwise the current request may finish first.
func (s *RepresentationStream) Terminate(urgent bool) {
	s.send(signal{kind: sigTerminate, urgent: urgent}, true)
}

// send queues a signal. Droppable signals (clock ticks, rechecks) are lost
// when the queue is full: another one always follows.
func (s *RepresentationStream) send(sig signal, mustDeliver bool) {
	if mustDeliver {
		s.signals <- sig
		return
	}
	select {
	case s.signals <- sig:
	default:
	}
}

func (s *RepresentationStream) scheduleRecheck() {
	// Goes through the signal queue rather than re-evaluating synchronously,
	// so the evaluation observes buffer state after in-flight pushes settled.
	s.send(signal{kind: sigRecheck}, false)
}

// Run drives the stream until termination, a terminal error, or context
// cancellation. It owns all mutable state.
func (s *RepresentationStream) Run(ctx context.Context) {
	defer close(s.events)

	rep := s.content.Representation
	if prot := rep.AllEncryptionData(); len(prot) > 0 && !s.hasSentEncryptionData {
		s.hasSentEncryptionData = true
		s.emit(Event{Kind: EventEncryptionDataEncountered, Protections: prot})
	}

	for !s.terminated {
		var fetchEvents <-chan fetcher.Event
		if s.current != nil {
			fetchEvents = s.current.req.Events()
		}
		select {
		case <-ctx.Done():
			s.interruptCurrent()
			return
		case sig := <-s.signals:
			s.absorb(sig)
			s.drainSignals()
			s.evaluate()
		case ev, ok := <-fetchEvents:
			if !ok {
				s.current = nil
				continue
			}
			s.onFetchEvent(ctx, ev)
		}
	}
}

func (s *RepresentationStream) drainSignals() {
	for {
		select {
		case sig := <-s.signals:
			s.absorb(sig)
		default:
			return
		}
	}
}

func (s *RepresentationStream) absorb(sig signal) {
	switch sig.kind {
	case sigTick:
		s.clock = sig.tick
		s.hasTick = true
	case sigBufferGoal:
		s.bufferGoal = sig.value
	case sigFastSwitch:
		s.fastSwitchThreshold = sig.value
	case sigTerminate:
		if s.terminating == nil || sig.urgent {
			s.terminating = &termination{urgent: sig.urgent}
		}
	case sigRecheck:
		// Re-evaluation itself is the reaction.
	default:
		panic("stream: unreachable signal kind")
	}
}

func (s *RepresentationStream) emit(ev Event) {
	s.events <- ev
}

func (s *RepresentationStream) interruptCurrent() {
	if s.current == nil {
		return
	}
	if !s.current.drained {
		s.current.req.Interrupt()
	}
	s.current = nil
}

// neededRange is the time interval the buffer should cover right now, clamped
// to the period's own bounds.
func (s *RepresentationStream) neededRange() buffer.Range {
	start := s.clock.Position
	if ps := s.content.Period.Start; start < ps {
		start = ps
	}
	end := s.clock.Position + s.bufferGoal
	if pe, bounded := s.content.Period.End(); bounded && end > pe {
		end = pe
	}
	if end < start {
		end = start
	}
	return buffer.Range{Start: start, End: end}
}

// evaluate is the single re-entrant decision function: it diffs the needed
// segments against the queue and the in-flight request and decides what to
// keep, replace or cancel.
func (s *RepresentationStream) evaluate() {
	if s.terminated {
		return
	}
	if !s.hasTick {
		if s.terminating != nil {
			s.finishTerminating()
		}
		return
	}

	rng := s.neededRange()
	index := s.content.Representation.Index
	eval := status.GetNeededSegments(status.Args{
		Content:             s.content,
		Position:            s.clock.Position,
		FastSwitchThreshold: s.fastSwitchThreshold,
		NeededRange:         rng,
		SegmentsBeingPushed: s.segmentsBeingPushed,
		BufferedSegments:    s.buf.Inventory(),
		Priority:            s.priority,
		Config:              s.cfg,
		Logger:              s.log,
	})
	needed := eval.NeededSegments

	if !index.IsInitialized() && !s.loadedInit {
		if initSeg := index.InitSegment(); initSeg != nil {
			prio := 0
			if len(needed) > 0 {
				prio = needed[0].Priority
			}
			initNeeded := status.NeededSegment{
				Content:  manifest.SegmentContent{Content: s.content, Segment: *initSeg},
				Priority: prio,
			}
			needed = append([]status.NeededSegment{initNeeded}, needed...)
		}
	}

	if s.terminating != nil {
		s.evaluateTerminating(needed)
		return
	}

	var mostNeeded *status.NeededSegment
	if len(needed) > 0 {
		mostNeeded = &needed[0]
	}

	switch {
	case mostNeeded == nil:
		// The buffer already satisfies the goal for this range; anything in
		// flight is no longer wanted.
		s.queue = nil
		s.interruptCurrent()
	case s.current == nil || s.current.drained:
		s.queue = append([]status.NeededSegment(nil), needed...)
		s.startNext()
	case !s.current.content.SameContent(mostNeeded.Content):
		// A different segment became the most urgent one (e.g. the playback
		// position jumped): replace the in-flight request.
		s.log.Debugf("stream %s/%s: replacing in-flight request for %s with %s",
			s.content.Adaptation.ID, s.content.Representation.ID,
			s.current.content.Segment.ID, mostNeeded.Content.Segment.ID)
		s.interruptCurrent()
		s.queue = append([]status.NeededSegment(nil), needed...)
		s.startNext()
	case s.current.priority != mostNeeded.Priority:
		s.current.req.UpdatePriority(mostNeeded.Priority)
		s.current.priority = mostNeeded.Priority
		s.queue = append([]status.NeededSegment(nil), needed[1:]...)
	default:
		s.queue = append([]status.NeededSegment(nil), needed[1:]...)
	}

	if eval.ShouldRefreshManifest {
		s.emit(Event{Kind: EventNeedsManifestRefresh})
	}
	s.emit(Event{Kind: EventStreamStatus, Status: &Status{
		Period:                s.content.Period,
		Position:              s.clock.Position,
		TrackType:             s.track,
		ImminentDiscontinuity: eval.ImminentDiscontinuity,
		HasFinishedLoading:    eval.HasFinishedLoading,
		NeededSegments:        needed,
	}})
}

// evaluateTerminating handles an evaluation while a termination request is
// pending.
func (s *RepresentationStream) evaluateTerminating(needed []status.NeededSegment) {
	var mostNeeded *status.NeededSegment
	if len(needed) > 0 {
		mostNeeded = &needed[0]
	}

	if s.terminating.urgent ||
		s.current == nil ||
		s.current.drained ||
		mostNeeded == nil ||
		!s.current.content.SameContent(mostNeeded.Content) {
		s.queue = nil
		s.interruptCurrent()
		s.finishTerminating()
		return
	}
	if s.current.priority != mostNeeded.Priority {
		// Keep the request running with its new urgency; terminate once it
		// finishes.
		s.current.req.UpdatePriority(mostNeeded.Priority)
		s.current.priority = mostNeeded.Priority
	}
	// Waiting for the in-flight request to finish.
}

func (s *RepresentationStream) finishTerminating() {
	s.terminated = true
	s.emit(Event{Kind: EventStreamTerminating})
}

func (s *RepresentationStream) startNext() {
	if len(s.queue) == 0 {
		return
	}
	head := s.queue[0]
	s.queue = s.queue[1:]
	req := s.fetch.CreateRequest(head.Content.Segment.URL, head.Priority)
	s.current = &pendingRequest{content: head.Content, priority: head.Priority, req: req}
}

func (s *RepresentationStream) onFetchEvent(ctx context.Context, ev fetcher.Event) {
	content := s.current.content
	index := s.content.Representation.Index

	switch ev.Kind {
	case fetcher.EventWarning:
		s.emit(Event{Kind: EventWarning, Warning: ev.Err})
		if !index.IsSegmentStillAvailable(content.Segment) {
			// Our timeline no longer lists this segment; the queue is built
			// on stale data.
			s.scheduleRecheck()
		} else if index.CanBeOutOfSyncError(ev.Err, content.Segment) {
			s.emit(Event{Kind: EventManifestMightBeOutOfSync})
		}
	case fetcher.EventChunk:
		parsed, err := s.parse.Parse(ev.Chunk, content, index.InitTimescale())
		if err != nil {
			s.fail(errors.Wrapf(err, "parsing chunk of segment %s", content.Segment.ID))
			return
		}
		s.onParsed(ctx, content, parsed)
	case fetcher.EventChunkComplete:
		s.onChunkComplete(ctx, content)
	case fetcher.EventInterrupted:
		// Cancellation is not a failure.
		s.current = nil
	case fetcher.EventEnded:
		s.current = nil
		if s.terminating != nil {
			// A graceful termination was waiting on this request.
			s.queue = nil
			s.finishTerminating()
			return
		}
		if len(s.queue) > 0 {
			s.startNext()
		} else {
			s.scheduleRecheck()
		}
	case fetcher.EventError:
		s.fail(ev.Err)
	default:
		panic("stream: unreachable fetch event kind")
	}
}

func (s *RepresentationStream) onParsed(ctx context.Context, content manifest.SegmentContent, parsed parser.Parsed) {
	rep := s.content.Representation

	if parsed.IsInit {
		s.initData = append(s.initData, parsed.Data...)
		index := rep.Index
		index.SetInitialized(parsed.InitTimescale)
		for _, p := range parsed.Protections {
			rep.AddEncryptionData(p)
		}
		if prot := rep.AllEncryptionData(); len(prot) > 0 && !s.hasSentEncryptionData {
			s.hasSentEncryptionData = true
			s.emit(Event{Kind: EventEncryptionDataEncountered, Protections: prot})
		}
		if err := s.buf.PushChunk(ctx, buffer.PushedChunk{Content: content, Data: parsed.Data}); err != nil {
			s.fail(errors.Wrap(err, "pushing init segment"))
		}
		return
	}

	if parsed.NeedsManifestRefresh {
		s.emit(Event{Kind: EventNeedsManifestRefresh})
	}
	if len(parsed.ProtectionUpdate) > 0 {
		for _, p := range parsed.ProtectionUpdate {
			rep.AddEncryptionData(p)
		}
		if !s.hasSentEncryptionData {
			s.hasSentEncryptionData = true
			s.emit(Event{Kind: EventEncryptionDataEncountered, Protections: rep.AllEncryptionData()})
		}
	}
	if len(parsed.InbandEvents) > 0 {
		s.emit(Event{Kind: EventInbandEvents, InbandEvents: parsed.InbandEvents})
	}

	if !s.isBeingPushed(content) {
		s.segmentsBeingPushed = append(s.segmentsBeingPushed, content)
	}
	err := s.buf.PushChunk(ctx, buffer.PushedChunk{
		Content:  content,
		Data:     parsed.Data,
		InitData: s.initData,
	})
	if err != nil {
		s.fail(errors.Wrapf(err, "pushing chunk of segment %s", content.Segment.ID))
	}
}

func (s *RepresentationStream) onChunkComplete(ctx context.Context, content manifest.SegmentContent) {
	if err := s.buf.EndOfSegment(ctx, content); err != nil {
		s.fail(errors.Wrapf(err, "sealing segment %s", content.Segment.ID))
		return
	}
	if s.current != nil {
		s.current.drained = true
	}
	if content.Segment.IsInit {
		s.loadedInit = true
		return
	}
	s.removeBeingPushed(content)
	s.emit(Event{Kind: EventAddedSegment, Content: content})
}

func (s *RepresentationStream) isBeingPushed(content manifest.SegmentContent) bool {
	for _, p := range s.segmentsBeingPushed {
		if p.SameContent(content) {
			return true
		}
	}
	return false
}

func (s *RepresentationStream) removeBeingPushed(content manifest.SegmentContent) {
	for i, p := range s.segmentsBeingPushed {
		if p.SameContent(content) {
			s.segmentsBeingPushed = append(s.segmentsBeingPushed[:i], s.segmentsBeingPushed[i+1:]...)
			return
		}
	}
}

// fail ends the stream on a structural failure: push errors and exhausted
// fetches are not retried at this layer.
func (s *RepresentationStream) fail(err error) {
	s.interruptCurrent()
	s.queue = nil
	s.terminated = true
	s.emit(Event{Kind: EventError, Err: err})
}
