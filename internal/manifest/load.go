package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"segstream/internal/logger"
	"segstream/internal/timeline"
)

// rawS mirrors one timeline entry of the presentation description, in
// timescale units.
type rawS struct {
	T uint64 `json:"t"`
	D uint64 `json:"d"`
	R int    `json:"r"`
}

type rawRepresentation struct {
	ID             string `json:"id"`
	Bitrate        int    `json:"bitrate"`
	Codecs         string `json:"codecs"`
	Timescale      uint64 `json:"timescale"`
	Media          string `json:"media"`
	Initialization string `json:"initialization"`
	Finished       bool   `json:"finished"`
	Timeline       []rawS `json:"timeline"`
}

type rawAdaptation struct {
	ID              string              `json:"id"`
	Type            string              `json:"type"`
	Language        string              `json:"language"`
	Representations []rawRepresentation `json:"representations"`
}

type rawPeriod struct {
	ID          string          `json:"id"`
	Start       float64         `json:"start"`
	Duration    float64         `json:"duration"`
	Adaptations []rawAdaptation `json:"adaptations"`
}

type rawPresentation struct {
	ID      string      `json:"id"`
	Dynamic bool        `json:"dynamic"`
	Periods []rawPeriod `json:"periods"`
}

// Load reads a presentation description from a JSON file and builds the
// manifest model. epsilon is the boundary comparison tolerance handed to every
// timeline index.
func Load(path string, epsilon float64) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read presentation file at %s: %w", path, err)
	}
	return Parse(data, epsilon)
}

// Parse builds the manifest model from raw presentation description JSON.
func Parse(data []byte, epsilon float64) (*Manifest, error) {
	var raw rawPresentation
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presentation JSON: %w", err)
	}

	m := &Manifest{ID: raw.ID, IsDynamic: raw.Dynamic}
	for _, rp := range raw.Periods {
		period := &Period{ID: rp.ID, Start: rp.Start, Duration: rp.Duration}
		for _, ra := range rp.Adaptations {
			adaptation := &Adaptation{
				ID:       ra.ID,
				Type:     TrackType(ra.Type),
				Language: ra.Language,
			}
			for _, rr := range ra.Representations {
				idx, err := buildIndex(rr, epsilon)
				if err != nil {
					return nil, fmt.Errorf("representation %q: %w", rr.ID, err)
				}
				adaptation.Representations = append(adaptation.Representations, &Representation{
					ID:      rr.ID,
					Bitrate: rr.Bitrate,
					Codecs:  rr.Codecs,
					Index:   idx,
				})
			}
			period.Adaptations = append(period.Adaptations, adaptation)
		}
		m.Periods = append(m.Periods, period)
	}
	return m, nil
}

// timelineElements converts raw t/d/r entries into timeline elements in
// seconds. A t of zero continues from the running time cursor, as in DASH
// segment timelines.
func timelineElements(entries []rawS, timescale uint64) []timeline.Element {
	if timescale == 0 {
		timescale = 1
	}
	var out []timeline.Element
	var cursor uint64
	for _, s := range entries {
		if s.T > 0 {
			cursor = s.T
		}
		out = append(out, timeline.Element{
			Start:    float64(cursor) / float64(timescale),
			Duration: float64(s.D) / float64(timescale),
			Repeat:   s.R,
		})
		if s.R > 0 {
			cursor += uint64(s.R+1) * s.D
		} else {
			cursor += s.D
		}
	}
	return out
}

func buildIndex(rr rawRepresentation, epsilon float64) (*timeline.Index, error) {
	if rr.Media == "" {
		return nil, fmt.Errorf("missing media template")
	}
	elements := timelineElements(rr.Timeline, rr.Timescale)
	return timeline.NewIndex(rr.ID, rr.Timescale, rr.Media, rr.Initialization, elements, rr.Finished, epsilon), nil
}

// Merge reconciles this manifest with a freshly loaded one. Matching
// representations (by period/adaptation/representation ID) get their timeline
// updated in place; everything else in the old model is preserved. A timeline
// reconciliation failure is unrecoverable for that representation and aborts
// the merge.
func (m *Manifest) Merge(fresh *Manifest, log logger.Logger) error {
	for _, newPeriod := range fresh.Periods {
		oldPeriod := m.periodByID(newPeriod.ID)
		if oldPeriod == nil {
			m.Periods = append(m.Periods, newPeriod)
			if log != nil {
				log.Infof("manifest merge: new period %q", newPeriod.ID)
			}
			continue
		}
		for _, newAdaptation := range newPeriod.Adaptations {
			oldAdaptation := oldPeriod.adaptationByID(newAdaptation.ID)
			if oldAdaptation == nil {
				oldPeriod.Adaptations = append(oldPeriod.Adaptations, newAdaptation)
				continue
			}
			for _, newRep := range newAdaptation.Representations {
				oldRep := oldAdaptation.representationByID(newRep.ID)
				if oldRep == nil {
					oldAdaptation.Representations = append(oldAdaptation.Representations, newRep)
					continue
				}
				if err := oldRep.Index.Update(newRep.Index.Elements(), log); err != nil {
					return fmt.Errorf("period %q representation %q: %w", newPeriod.ID, newRep.ID, err)
				}
				if newRep.Index.IsFinished() {
					oldRep.Index.SetFinished()
				}
			}
		}
	}
	m.IsDynamic = fresh.IsDynamic
	return nil
}

func (m *Manifest) periodByID(id string) *Period {
	for _, p := range m.Periods {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (p *Period) adaptationByID(id string) *Adaptation {
	for _, a := range p.Adaptations {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (a *Adaptation) representationByID(id string) *Representation {
	for _, r := range a.Representations {
		if r.ID == id {
			return r
		}
	}
	return nil
}
