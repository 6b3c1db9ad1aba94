package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the engine tunables. All durations and paddings related to media
// time are expressed in seconds of presentation time.
type Config struct {
	// ContentReplacementPadding is the forward guard, relative to the current
	// playback position, inside which already-buffered data is never replaced.
	ContentReplacementPadding float64 `json:"contentReplacementPadding"`
	// BitrateRebufferingRatio is the safety margin a new representation's
	// bitrate must exceed before buffered data from a lower-quality
	// representation is re-downloaded.
	BitrateRebufferingRatio float64 `json:"bitrateRebufferingRatio"`
	// MaxTimeMissingFromCompleteSegment is the amount of media time a complete
	// segment can lose at one of its edges before it is considered
	// garbage-collected by the playback buffer.
	MaxTimeMissingFromCompleteSegment float64 `json:"maxTimeMissingFromCompleteSegment"`
	// MinimumSegmentSize is the duration under which a complete media segment
	// is not worth downloading.
	MinimumSegmentSize float64 `json:"minimumSegmentSize"`
	// BufferGoal is the duration of media the engine tries to keep buffered
	// ahead of the playback position.
	BufferGoal float64 `json:"bufferGoal"`

	// SegmentRequestTimeout bounds a single download attempt.
	SegmentRequestTimeout time.Duration `json:"-"`
	// SegmentRequestTimeoutSeconds is the JSON-facing form of SegmentRequestTimeout.
	SegmentRequestTimeoutSeconds float64 `json:"segmentRequestTimeoutSeconds"`
	// MaxRequestRetries is the number of attempts before a segment request is
	// declared exhausted.
	MaxRequestRetries int `json:"maxRequestRetries"`
	// MaxConcurrentRequests bounds the number of segment requests in flight
	// across all representation streams.
	MaxConcurrentRequests int `json:"maxConcurrentRequests"`

	// BufferCapacity is the number of segment payloads the in-memory buffer
	// retains before evicting the least recently used ones.
	BufferCapacity int `json:"bufferCapacity"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		ContentReplacementPadding:         1.2,
		BitrateRebufferingRatio:           1.5,
		MaxTimeMissingFromCompleteSegment: 0.15,
		MinimumSegmentSize:                0.005,
		BufferGoal:                        30,
		SegmentRequestTimeout:             5 * time.Second,
		SegmentRequestTimeoutSeconds:      5,
		MaxRequestRetries:                 3,
		MaxConcurrentRequests:             2,
		BufferCapacity:                    256,
	}
}

// Epsilon is the tolerance used wherever floating point segment boundaries are
// compared for near-equality, absorbing rounding drift from timescale
// conversions.
func (c *Config) Epsilon() float64 {
	eps := 1.0 / 60.0
	if c.MinimumSegmentSize < eps {
		eps = c.MinimumSegmentSize
	}
	return eps
}

// Load reads and parses the configuration file from the given path, applying
// defaults for any field the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	if cfg.SegmentRequestTimeoutSeconds > 0 {
		cfg.SegmentRequestTimeout = time.Duration(cfg.SegmentRequestTimeoutSeconds * float64(time.Second))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BitrateRebufferingRatio < 1 {
		return fmt.Errorf("bitrateRebufferingRatio must be >= 1, got %v", c.BitrateRebufferingRatio)
	}
	if c.MinimumSegmentSize <= 0 {
		return fmt.Errorf("minimumSegmentSize must be positive, got %v", c.MinimumSegmentSize)
	}
	if c.MaxRequestRetries < 1 {
		return fmt.Errorf("maxRequestRetries must be >= 1, got %d", c.MaxRequestRetries)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("maxConcurrentRequests must be >= 1, got %d", c.MaxConcurrentRequests)
	}
	if c.BufferCapacity < 1 {
		return fmt.Errorf("bufferCapacity must be >= 1, got %d", c.BufferCapacity)
	}
	return nil
}
