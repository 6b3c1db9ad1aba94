package engine_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segstream/internal/config"
	"segstream/internal/engine"
	"segstream/internal/fetcher"
	"segstream/internal/manifest"
)

// startOrigin serves deterministic payloads for every segment URL.
func startOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "payload:%s", r.URL.Path)
	}))
	t.Cleanup(server.Close)
	return server
}

func writePresentation(t *testing.T, origin string) string {
	t.Helper()
	presentation := fmt.Sprintf(`{
		"id": "demo",
		"periods": [{
			"id": "p1",
			"start": 0,
			"duration": 8,
			"adaptations": [{
				"id": "video",
				"type": "video",
				"representations": [
					{
						"id": "video-sd",
						"bitrate": 1000000,
						"timescale": 1,
						"media": "%[1]s/video/$RepresentationID$/$Time$",
						"finished": true,
						"timeline": [{"t": 0, "d": 2, "r": 3}]
					},
					{
						"id": "video-hd",
						"bitrate": 3000000,
						"timescale": 1,
						"media": "%[1]s/video/$RepresentationID$/$Time$",
						"finished": true,
						"timeline": [{"t": 0, "d": 2, "r": 3}]
					}
				]
			}, {
				"id": "audio",
				"type": "audio",
				"language": "en",
				"representations": [{
					"id": "audio-en",
					"bitrate": 128000,
					"timescale": 1,
					"media": "%[1]s/audio/$RepresentationID$/$Time$",
					"finished": true,
					"timeline": [{"t": 0, "d": 2, "r": 3}]
				}]
			}]
		}]
	}`, origin)

	path := filepath.Join(t.TempDir(), "presentation.json")
	require.NoError(t, os.WriteFile(path, []byte(presentation), 0o644))
	return path
}

func TestEngine_BuffersAllTracks(t *testing.T) {
	origin := startOrigin(t)
	path := writePresentation(t, origin.URL)

	cfg := config.Default()
	m, err := manifest.Load(path, cfg.Epsilon())
	require.NoError(t, err)

	f := fetcher.New(origin.Client(), nil, "segstream-test", cfg)
	eng := engine.New(m, path, f, nil, cfg, nil, 0)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	tracks := eng.Tracks()
	require.Len(t, tracks, 2)
	require.Contains(t, tracks, "video")
	require.Contains(t, tracks, "audio")
	assert.Equal(t, "video-hd", tracks["video"].Content.Representation.ID,
		"video starts on the highest bitrate")
	assert.Equal(t, "audio-en", tracks["audio"].Content.Representation.ID)

	require.Eventually(t, func() bool {
		for _, track := range tracks {
			status := track.LastStatus()
			if status == nil || !status.HasFinishedLoading {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond, "both tracks should finish buffering the period")

	for id, track := range tracks {
		assert.NoError(t, track.Failure(), "track %s", id)
		ranges := track.Buffer.BufferedRanges()
		require.NotEmpty(t, ranges, "track %s", id)
		assert.Equal(t, 0.0, ranges[0].Start)
		assert.Equal(t, 8.0, ranges[0].End)
	}
}

func TestEngine_SeekMovesPosition(t *testing.T) {
	origin := startOrigin(t)
	path := writePresentation(t, origin.URL)

	cfg := config.Default()
	m, err := manifest.Load(path, cfg.Epsilon())
	require.NoError(t, err)

	f := fetcher.New(origin.Client(), nil, "segstream-test", cfg)
	eng := engine.New(m, path, f, nil, cfg, nil, 0)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	eng.Seek(6)
	assert.InDelta(t, 6, eng.Position(), 1.0, "the clock keeps running from the seek target")
}

func TestEngine_StartWithoutPeriodsFails(t *testing.T) {
	cfg := config.Default()
	eng := engine.New(&manifest.Manifest{ID: "empty"}, "", nil, nil, cfg, nil, 0)
	assert.Error(t, eng.Start())
}
