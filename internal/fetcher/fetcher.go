package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"segstream/internal/config"
	"segstream/internal/logger"
)

// EventKind tags one outcome of a segment request.
type EventKind int

const (
	// EventWarning reports a recoverable fetch error; the request keeps
	// retrying internally.
	EventWarning EventKind = iota
	// EventChunk carries a piece of the segment's payload.
	EventChunk
	// EventChunkComplete signals that every chunk of the segment was emitted.
	EventChunkComplete
	// EventInterrupted signals that the request was canceled. Never an error.
	EventInterrupted
	// EventEnded signals that the request fully completed.
	EventEnded
	// EventError is terminal: the retry budget is exhausted or the failure is
	// not recoverable.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventWarning:
		return "warning"
	case EventChunk:
		return "chunk"
	case EventChunkComplete:
		return "chunk-complete"
	case EventInterrupted:
		return "interrupted"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Event is one tagged outcome of a request. Chunk is set for EventChunk, Err
// for EventWarning and EventError.
type Event struct {
	Kind  EventKind
	Chunk []byte
	Err   error
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Code, e.URL)
}

// StatusCode returns the HTTP status carried by the error.
func (e *StatusError) StatusCode() int { return e.Code }

const (
	chunkSize         = 16 * 1024
	initialRetryDelay = 200 * time.Millisecond
)

type requestState int

const (
	statePending requestState = iota
	stateActive
	stateDone
)

// Request is one scheduled segment download. Its outcome arrives on Events as
// a stream of tagged events ending with exactly one terminal event
// (interrupted, ended or error).
type Request struct {
	URL string

	f      *Fetcher
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by f.mu
	priority int
	state    requestState
	seq      uint64
}

// Events returns the outcome stream of the request. The channel is closed
// after the terminal event.
func (r *Request) Events() <-chan Event { return r.events }

// Priority returns the request's current scheduling priority.
func (r *Request) Priority() int {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	return r.priority
}

// UpdatePriority adjusts the request's scheduling weight. It never cancels an
// in-flight request.
func (r *Request) UpdatePriority(priority int) {
	r.f.UpdatePriority(r, priority)
}

// Interrupt cancels the request. It is idempotent and never surfaces an
// error: the request ends with an interrupted event.
func (r *Request) Interrupt() {
	r.f.interrupt(r)
}

// Fetcher downloads segments with bounded retries and schedules concurrent
// requests across representation streams by priority: while every slot is
// busy, the pending request with the lowest priority number starts first.
type Fetcher struct {
	httpClient *http.Client
	logger     logger.Logger
	userAgent  string

	maxRetries     int
	requestTimeout time.Duration
	maxConcurrent  int

	mu      sync.Mutex
	waiting []*Request
	active  int
	nextSeq uint64
}

// New creates a fetcher using the given HTTP client.
func New(client *http.Client, log logger.Logger, userAgent string, cfg *config.Config) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Fetcher{
		httpClient:     client,
		logger:         log,
		userAgent:      userAgent,
		maxRetries:     cfg.MaxRequestRetries,
		requestTimeout: cfg.SegmentRequestTimeout,
		maxConcurrent:  cfg.MaxConcurrentRequests,
	}
}

// CreateRequest schedules a download for the given URL. The request starts
// immediately when a slot is free, otherwise as soon as its priority entitles
// it to one.
func (f *Fetcher) CreateRequest(url string, priority int) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Request{
		URL:      url,
		f:        f,
		events:   make(chan Event, 16),
		ctx:      ctx,
		cancel:   cancel,
		priority: priority,
	}

	f.mu.Lock()
	r.seq = f.nextSeq
	f.nextSeq++
	if f.active < f.maxConcurrent {
		f.active++
		r.state = stateActive
		f.mu.Unlock()
		go f.run(r)
		return r
	}
	f.waiting = append(f.waiting, r)
	f.mu.Unlock()
	return r
}

// UpdatePriority adjusts the scheduling weight of a request. An in-flight
// request is never canceled by a priority change.
func (f *Fetcher) UpdatePriority(r *Request, priority int) {
	f.mu.Lock()
	r.priority = priority
	f.mu.Unlock()
}

func (f *Fetcher) interrupt(r *Request) {
	r.cancel()

	f.mu.Lock()
	if r.state == statePending {
		for i, w := range f.waiting {
			if w == r {
				f.waiting = append(f.waiting[:i], f.waiting[i+1:]...)
				break
			}
		}
		r.state = stateDone
		f.mu.Unlock()
		r.events <- Event{Kind: EventInterrupted}
		close(r.events)
		return
	}
	f.mu.Unlock()
	// Active or done: the running goroutine observes the canceled context and
	// terminates the event stream itself.
}

// release frees the slot of a finished request and starts the most urgent
// waiting one.
func (f *Fetcher) release() {
	f.mu.Lock()
	f.active--
	var next *Request
	nextAt := -1
	for i, w := range f.waiting {
		if next == nil || w.priority < next.priority || (w.priority == next.priority && w.seq < next.seq) {
			next, nextAt = w, i
		}
	}
	if next != nil {
		f.waiting = append(f.waiting[:nextAt], f.waiting[nextAt+1:]...)
		next.state = stateActive
		f.active++
		f.mu.Unlock()
		go f.run(next)
		return
	}
	f.mu.Unlock()
}

// emit delivers an event unless the request was canceled meanwhile.
func (r *Request) emit(ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (f *Fetcher) finish(r *Request, terminal Event) {
	f.mu.Lock()
	r.state = stateDone
	f.mu.Unlock()
	select {
	case r.events <- terminal:
	case <-r.ctx.Done():
		select {
		case r.events <- terminal:
		default:
			// The consumer went away after interrupting; dropping the
			// terminal event is fine, interruption carries no information.
		}
	}
	close(r.events)
	f.release()
}

func (f *Fetcher) run(r *Request) {
	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if r.ctx.Err() != nil {
			f.finish(r, Event{Kind: EventInterrupted})
			return
		}

		f.logger.Debugf("fetcher: downloading %s (attempt %d/%d)", r.URL, attempt, f.maxRetries)
		emitted, err := f.attempt(r)
		if err == nil {
			f.finish(r, Event{Kind: EventEnded})
			return
		}
		if r.ctx.Err() != nil {
			f.finish(r, Event{Kind: EventInterrupted})
			return
		}
		if emitted {
			// Chunks already reached the buffer; restarting the request would
			// append the segment's head twice.
			f.finish(r, Event{Kind: EventError, Err: errors.Wrapf(err, "request for %s failed mid-stream", r.URL)})
			return
		}

		lastErr = err
		if attempt < f.maxRetries {
			f.logger.Warnf("fetcher: attempt %d for %s failed: %v", attempt, r.URL, err)
			if !r.emit(Event{Kind: EventWarning, Err: err}) {
				f.finish(r, Event{Kind: EventInterrupted})
				return
			}
			delay := initialRetryDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-r.ctx.Done():
				f.finish(r, Event{Kind: EventInterrupted})
				return
			}
		}
	}
	f.finish(r, Event{Kind: EventError, Err: errors.Wrapf(lastErr, "request for %s exhausted %d attempts", r.URL, f.maxRetries)})
}

// attempt performs one download try, streaming the body as chunk events. It
// reports whether any chunk was emitted before a failure.
func (f *Fetcher) attempt(r *Request) (emitted bool, err error) {
	ctx, cancel := context.WithTimeout(r.ctx, f.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return false, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &StatusError{Code: resp.StatusCode, URL: r.URL}
	}

	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !r.emit(Event{Kind: EventChunk, Chunk: chunk}) {
				return true, r.ctx.Err()
			}
			emitted = true
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return emitted, readErr
		}
	}

	if !r.emit(Event{Kind: EventChunkComplete}) {
		return true, r.ctx.Err()
	}
	return true, nil
}
