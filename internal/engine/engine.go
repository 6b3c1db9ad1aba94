package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"segstream/internal/buffer"
	"segstream/internal/config"
	"segstream/internal/fetcher"
	"segstream/internal/logger"
	"segstream/internal/manifest"
	"segstream/internal/parser"
	"segstream/internal/stream"
)

const clockInterval = 500 * time.Millisecond

// Track is one active adaptation being buffered: its selected representation,
// its buffer and the stream filling it.
type Track struct {
	Content manifest.Content
	Buffer  *buffer.MemoryBuffer
	Stream  *stream.RepresentationStream

	mu         sync.RWMutex
	lastStatus *stream.Status
	failure    error
}

// LastStatus returns the most recent stream-status event for the track.
func (t *Track) LastStatus() *stream.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastStatus
}

// Failure returns the terminal error of the track's stream, if any.
func (t *Track) Failure() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failure
}

// Engine runs one representation stream per selected track of a presentation
// and owns the shared playback clock. It reacts to refresh requests from the
// streams by reloading the presentation description and reconciling the
// timelines in place.
type Engine struct {
	cfg              *config.Config
	log              logger.Logger
	manifest         *manifest.Manifest
	presentationPath string
	fetch            *fetcher.Fetcher
	parse            parser.SegmentParser

	mu       sync.RWMutex
	tracks   map[string]*Track
	position float64

	refreshCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an engine for the given presentation. startPosition is the
// initial playback position, in seconds of presentation time.
func New(m *manifest.Manifest, presentationPath string, f *fetcher.Fetcher, p parser.SegmentParser, cfg *config.Config, log logger.Logger, startPosition float64) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:              cfg,
		log:              log,
		manifest:         m,
		presentationPath: presentationPath,
		fetch:            f,
		parse:            p,
		tracks:           make(map[string]*Track),
		position:         startPosition,
		refreshCh:        make(chan struct{}, 1),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start selects one representation per track of the first period and starts
// their streams and the shared clock.
func (e *Engine) Start() error {
	if len(e.manifest.Periods) == 0 {
		return fmt.Errorf("presentation %q has no periods", e.manifest.ID)
	}
	period := e.manifest.Periods[0]

	for _, adaptation := range period.Adaptations {
		rep := selectRepresentation(adaptation)
		if rep == nil {
			e.log.Warnf("engine: adaptation %s has no representations, skipping", adaptation.ID)
			continue
		}
		content := manifest.Content{
			Manifest:       e.manifest,
			Period:         period,
			Adaptation:     adaptation,
			Representation: rep,
		}
		track := &Track{
			Content: content,
			Buffer:  buffer.NewMemoryBuffer(e.cfg.BufferCapacity, e.log),
		}
		track.Stream = stream.New(stream.Args{
			Content:    content,
			Type:       adaptation.Type,
			Buffer:     track.Buffer,
			Fetcher:    stream.AdaptFetcher(e.fetch),
			Parser:     e.parse,
			Config:     e.cfg,
			Logger:     e.log,
			BufferGoal: e.cfg.BufferGoal,
		})
		e.tracks[adaptation.ID] = track

		e.wg.Add(2)
		go func(t *Track) {
			defer e.wg.Done()
			t.Stream.Run(e.ctx)
		}(track)
		go func(t *Track) {
			defer e.wg.Done()
			e.consumeEvents(t)
		}(track)
		e.log.Infof("engine: started stream for %s track %s, representation %s (%d bps)",
			adaptation.Type, adaptation.ID, rep.ID, rep.Bitrate)
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.clockLoop()
	}()
	go func() {
		defer e.wg.Done()
		e.refreshLoop()
	}()
	return nil
}

// Stop terminates all streams and waits for them to finish.
func (e *Engine) Stop() {
	e.log.Infof("engine: stopping all streams")
	e.mu.RLock()
	for _, t := range e.tracks {
		t.Stream.Terminate(true)
	}
	e.mu.RUnlock()
	e.cancel()
	e.wg.Wait()
	e.mu.Lock()
	for _, t := range e.tracks {
		t.Buffer.Close()
	}
	e.mu.Unlock()
	e.log.Infof("engine: stopped")
}

// Position returns the current playback position.
func (e *Engine) Position() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.position
}

// Seek moves the playback position. Streams observe it on the next tick,
// flagged as a seek, and reprioritize or replace in-flight work accordingly.
func (e *Engine) Seek(position float64) {
	e.mu.Lock()
	e.position = position
	e.mu.Unlock()
	e.broadcastTick(stream.ClockTick{Position: position, Seeking: true})
}

// Tracks returns the active tracks keyed by adaptation ID.
func (e *Engine) Tracks() map[string]*Track {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*Track, len(e.tracks))
	for id, t := range e.tracks {
		out[id] = t
	}
	return out
}

// clockLoop advances the playback position in real time and broadcasts ticks.
func (e *Engine) clockLoop() {
	ticker := time.NewTicker(clockInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-e.ctx.Done():
			e.log.Debugf("engine: clock loop stopped")
			return
		case now := <-ticker.C:
			e.mu.Lock()
			e.position += now.Sub(last).Seconds()
			pos := e.position
			e.mu.Unlock()
			last = now
			e.broadcastTick(stream.ClockTick{Position: pos})
		}
	}
}

func (e *Engine) broadcastTick(tick stream.ClockTick) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.tracks {
		t.Stream.OnClockTick(tick)
	}
}

// consumeEvents reacts to one track's stream events.
func (e *Engine) consumeEvents(t *Track) {
	adaptation := t.Content.Adaptation
	for ev := range t.Stream.Events() {
		switch ev.Kind {
		case stream.EventStreamStatus:
			t.mu.Lock()
			t.lastStatus = ev.Status
			t.mu.Unlock()
		case stream.EventNeedsManifestRefresh:
			e.requestRefresh()
		case stream.EventManifestMightBeOutOfSync:
			e.log.Warnf("engine: track %s reports the manifest might be out of sync", adaptation.ID)
			e.requestRefresh()
		case stream.EventEncryptionDataEncountered:
			e.log.Infof("engine: track %s carries encryption data (%d system(s))", adaptation.ID, len(ev.Protections))
		case stream.EventWarning:
			e.log.Warnf("engine: track %s warning: %v", adaptation.ID, ev.Warning)
		case stream.EventInbandEvents:
			e.log.Debugf("engine: track %s emitted %d inband event(s)", adaptation.ID, len(ev.InbandEvents))
		case stream.EventAddedSegment:
			e.log.Debugf("engine: track %s buffered segment %s", adaptation.ID, ev.Content.Segment.ID)
		case stream.EventStreamTerminating:
			e.log.Infof("engine: track %s stream terminated", adaptation.ID)
		case stream.EventError:
			// Structural failure: the stream is gone. Recreating it (or
			// failing playback) is a host policy decision; record and log.
			t.mu.Lock()
			t.failure = ev.Err
			t.mu.Unlock()
			e.log.Errorf("engine: track %s stream failed: %v", adaptation.ID, ev.Err)
		default:
			panic("engine: unreachable stream event kind")
		}
	}
}

// requestRefresh coalesces refresh demands from all tracks.
func (e *Engine) requestRefresh() {
	select {
	case e.refreshCh <- struct{}{}:
	default:
	}
}

// refreshLoop serves manifest refresh requests, with a floor between reloads
// to avoid hammering the origin.
func (e *Engine) refreshLoop() {
	const minRefreshInterval = 2 * time.Second
	var lastRefresh time.Time
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.refreshCh:
			if wait := minRefreshInterval - time.Since(lastRefresh); wait > 0 {
				select {
				case <-time.After(wait):
				case <-e.ctx.Done():
					return
				}
			}
			lastRefresh = time.Now()
			e.refresh()
		}
	}
}

func (e *Engine) refresh() {
	fresh, err := manifest.Load(e.presentationPath, e.cfg.Epsilon())
	if err != nil {
		e.log.Warnf("engine: presentation refresh failed: %v", err)
		return
	}
	if err := e.manifest.Merge(fresh, e.log); err != nil {
		// A reconciliation failure means the manifest lost data we depend on;
		// nothing at this layer can repair that.
		e.log.Errorf("engine: presentation reconciliation failed: %v", err)
		return
	}
	e.log.Debugf("engine: presentation refreshed")
}

// selectRepresentation picks the representation a track starts with: the
// highest bitrate for video, the first one otherwise.
func selectRepresentation(a *manifest.Adaptation) *manifest.Representation {
	if len(a.Representations) == 0 {
		return nil
	}
	if a.Type != manifest.TrackVideo {
		return a.Representations[0]
	}
	best := a.Representations[0]
	for _, r := range a.Representations[1:] {
		if r.Bitrate > best.Bitrate {
			best = r
		}
	}
	return best
}
