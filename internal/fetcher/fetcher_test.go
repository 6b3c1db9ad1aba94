package fetcher_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segstream/internal/config"
	"segstream/internal/fetcher"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxRequestRetries = 3
	cfg.MaxConcurrentRequests = 2
	cfg.SegmentRequestTimeout = 5 * time.Second
	return cfg
}

// collect drains a request's event stream until the terminal event.
func collect(t *testing.T, r *fetcher.Request) []fetcher.Event {
	t.Helper()
	var events []fetcher.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(events))
		}
	}
}

func kinds(events []fetcher.Event) []fetcher.EventKind {
	out := make([]fetcher.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func payload(events []fetcher.Event) []byte {
	var out []byte
	for _, ev := range events {
		if ev.Kind == fetcher.EventChunk {
			out = append(out, ev.Chunk...)
		}
	}
	return out
}

func TestFetcher_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "segment data")
	}))
	defer server.Close()

	f := fetcher.New(server.Client(), nil, "test-agent", testConfig())
	events := collect(t, f.CreateRequest(server.URL, 0))

	require.NotEmpty(t, events)
	assert.Equal(t, fetcher.EventEnded, events[len(events)-1].Kind)
	assert.Contains(t, kinds(events), fetcher.EventChunkComplete)
	assert.Equal(t, "segment data", string(payload(events)))
}

func TestFetcher_RetryThenSuccess(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requestCount, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "final segment data")
	}))
	defer server.Close()

	f := fetcher.New(server.Client(), nil, "test-agent", testConfig())
	events := collect(t, f.CreateRequest(server.URL, 0))

	var warnings int
	for _, ev := range events {
		if ev.Kind == fetcher.EventWarning {
			warnings++
			assert.Error(t, ev.Err)
		}
	}
	assert.Equal(t, 2, warnings)
	assert.Equal(t, fetcher.EventEnded, events[len(events)-1].Kind)
	assert.Equal(t, "final segment data", string(payload(events)))
}

func TestFetcher_RetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxRequestRetries = 2
	f := fetcher.New(server.Client(), nil, "test-agent", cfg)
	events := collect(t, f.CreateRequest(server.URL, 0))

	last := events[len(events)-1]
	require.Equal(t, fetcher.EventError, last.Kind)
	require.Error(t, last.Err)

	var statusErr *fetcher.StatusError
	require.ErrorAs(t, last.Err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode())
}

func TestFetcher_NotFoundCarriesStatus(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	cfg := testConfig()
	cfg.MaxRequestRetries = 1
	f := fetcher.New(server.Client(), nil, "test-agent", cfg)
	events := collect(t, f.CreateRequest(server.URL+"/gone", 0))

	last := events[len(events)-1]
	require.Equal(t, fetcher.EventError, last.Kind)
	var statusErr *fetcher.StatusError
	require.ErrorAs(t, last.Err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode())
}

func TestFetcher_InterruptActiveRequest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer server.Close()
	defer close(release)

	f := fetcher.New(server.Client(), nil, "test-agent", testConfig())
	r := f.CreateRequest(server.URL, 0)
	<-started
	r.Interrupt()

	events := collect(t, r)
	require.NotEmpty(t, events)
	assert.Equal(t, fetcher.EventInterrupted, events[len(events)-1].Kind)
	for _, ev := range events {
		assert.NotEqual(t, fetcher.EventError, ev.Kind, "interruption must never surface as an error")
	}
}

func TestFetcher_InterruptPendingRequest(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	f := fetcher.New(server.Client(), nil, "test-agent", cfg)

	blocker := f.CreateRequest(server.URL, 0)
	pending := f.CreateRequest(server.URL, 1)
	pending.Interrupt()

	events := collect(t, pending)
	require.Len(t, events, 1)
	assert.Equal(t, fetcher.EventInterrupted, events[0].Kind)

	blocker.Interrupt()
	collect(t, blocker)
}

func TestFetcher_PriorityOrdersWaitingRequests(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/block" {
			<-release
			return
		}
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	f := fetcher.New(server.Client(), nil, "test-agent", cfg)

	blocker := f.CreateRequest(server.URL+"/block", 0)
	low := f.CreateRequest(server.URL+"/low", 5)
	urgent := f.CreateRequest(server.URL+"/urgent", 1)
	close(release)

	collect(t, blocker)
	collect(t, low)
	collect(t, urgent)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/urgent", "/low"}, order)
}

func TestFetcher_UpdatePriorityReordersQueue(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/block" {
			<-release
			return
		}
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	f := fetcher.New(server.Client(), nil, "test-agent", cfg)

	blocker := f.CreateRequest(server.URL+"/block", 0)
	a := f.CreateRequest(server.URL+"/a", 2)
	b := f.CreateRequest(server.URL+"/b", 3)
	b.UpdatePriority(1)
	assert.Equal(t, 1, b.Priority())
	close(release)

	collect(t, blocker)
	collect(t, a)
	collect(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/b", "/a"}, order)
}
