package manifest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segstream/internal/manifest"
	"segstream/internal/timeline"
)

const testEpsilon = 0.005

const presentationJSON = `{
	"id": "demo",
	"dynamic": true,
	"periods": [{
		"id": "p1",
		"start": 0,
		"duration": 0,
		"adaptations": [{
			"id": "video",
			"type": "video",
			"representations": [{
				"id": "video-hd",
				"bitrate": 3000000,
				"codecs": "avc1.640028",
				"timescale": 90000,
				"media": "video/$RepresentationID$/$Time$.m4s",
				"initialization": "video/$RepresentationID$/init.mp4",
				"timeline": [
					{"t": 0, "d": 180000, "r": 2},
					{"d": 90000, "r": -1}
				]
			}]
		}, {
			"id": "audio",
			"type": "audio",
			"language": "en",
			"representations": [{
				"id": "audio-en",
				"bitrate": 128000,
				"timescale": 48000,
				"media": "audio/$RepresentationID$/$Time$.m4s",
				"timeline": [{"t": 0, "d": 96000, "r": 3}]
			}]
		}]
	}]
}`

func TestParse(t *testing.T) {
	m, err := manifest.Parse([]byte(presentationJSON), testEpsilon)
	require.NoError(t, err)

	assert.Equal(t, "demo", m.ID)
	assert.True(t, m.IsDynamic)
	require.Len(t, m.Periods, 1)
	require.Len(t, m.Periods[0].Adaptations, 2)

	video := m.Periods[0].Adaptations[0]
	assert.Equal(t, manifest.TrackVideo, video.Type)
	require.Len(t, video.Representations, 1)
	rep := video.Representations[0]
	assert.Equal(t, 3000000, rep.Bitrate)

	// 3 segments of 2s, then 1s segments forever.
	assert.Equal(t, []timeline.Element{
		{Start: 0, Duration: 2, Repeat: 2},
		{Start: 6, Duration: 1, Repeat: timeline.RepeatUnbounded},
	}, rep.Index.Elements())

	audio := m.Periods[0].Adaptations[1]
	assert.Equal(t, "en", audio.Language)
	end, known := audio.Representations[0].Index.End()
	assert.True(t, known)
	assert.InDelta(t, 8, end, testEpsilon)
}

func TestParse_MissingMediaTemplate(t *testing.T) {
	_, err := manifest.Parse([]byte(`{"periods":[{"id":"p1","adaptations":[{"id":"a",
		"representations":[{"id":"r","timescale":1}]}]}]}`), testEpsilon)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "media template")
}

func TestMerge(t *testing.T) {
	m, err := manifest.Parse([]byte(presentationJSON), testEpsilon)
	require.NoError(t, err)

	fresh, err := manifest.Parse([]byte(`{
		"id": "demo",
		"dynamic": true,
		"periods": [{
			"id": "p1",
			"adaptations": [{
				"id": "video",
				"type": "video",
				"representations": [{
					"id": "video-hd",
					"timescale": 90000,
					"media": "video/$RepresentationID$/$Time$.m4s",
					"finished": true,
					"timeline": [{"t": 720000, "d": 90000, "r": 1}]
				}]
			}]
		}, {
			"id": "p2",
			"start": 100,
			"adaptations": []
		}]
	}`), testEpsilon)
	require.NoError(t, err)

	require.NoError(t, m.Merge(fresh, nil))

	rep := m.Periods[0].Adaptations[0].Representations[0]
	// The unbounded 1s run is resolved against the refresh starting at 8s.
	assert.Equal(t, []timeline.Element{
		{Start: 0, Duration: 2, Repeat: 2},
		{Start: 6, Duration: 1, Repeat: 1},
		{Start: 8, Duration: 1, Repeat: 1},
	}, rep.Index.Elements())
	assert.True(t, rep.Index.IsFinished())

	// The untouched audio adaptation and the brand new period survive.
	require.Len(t, m.Periods, 2)
	assert.Equal(t, "p2", m.Periods[1].ID)
	assert.Len(t, m.Periods[0].Adaptations, 2)
}

func TestAddEncryptionData(t *testing.T) {
	rep := &manifest.Representation{ID: "video-hd"}
	p := manifest.ProtectionData{SystemID: "widevine", Data: []byte{1, 2, 3}}

	assert.True(t, rep.AddEncryptionData(p))
	assert.False(t, rep.AddEncryptionData(p), "identical data is deduplicated")
	assert.True(t, rep.AddEncryptionData(manifest.ProtectionData{SystemID: "widevine", Data: []byte{4}}))
	assert.Len(t, rep.AllEncryptionData(), 2)
	assert.Len(t, rep.EncryptionData("widevine"), 2)
	assert.Empty(t, rep.EncryptionData("playready"))
}

func TestSegmentContentIdentity(t *testing.T) {
	period := &manifest.Period{ID: "p1"}
	adaptation := &manifest.Adaptation{ID: "video"}
	repA := &manifest.Representation{ID: "a"}
	repB := &manifest.Representation{ID: "b"}

	base := manifest.Content{Period: period, Adaptation: adaptation, Representation: repA}
	seg := timeline.Descriptor{ID: "100"}

	a := manifest.SegmentContent{Content: base, Segment: seg}
	b := manifest.SegmentContent{Content: base, Segment: seg}
	assert.True(t, a.SameContent(b))

	b.Representation = repB
	assert.False(t, a.SameContent(b))
	assert.True(t, a.SamePeriod(b))

	c := a
	c.Segment.IsInit = true
	assert.False(t, a.SameContent(c), "an init descriptor never matches a media one")
}
