// Package preset defines the immutable round configurations a contest
// snapshots at creation time.
package preset

import "fmt"

// Speaker identifies which side speaks during a round.
type Speaker string

const (
	SpeakerPro  Speaker = "pro"
	SpeakerCon  Speaker = "con"
	SpeakerBoth Speaker = "both"
)

// WordLimit bounds a single turn's length in words.
type WordLimit struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Round describes one round of a contest.
type Round struct {
	Name      string    `json:"name"`
	Speaker   Speaker   `json:"speaker"`
	TimeLimit int       `json:"timeLimit"` // seconds per turn
	WordLimit WordLimit `json:"wordLimit"`
	Exchanges int       `json:"exchanges"` // 0 means 1
}

// ExchangeCount returns the number of exchange iterations for the round.
func (r Round) ExchangeCount() int {
	if r.Exchanges <= 0 {
		return 1
	}
	return r.Exchanges
}

// Preset is an ordered round sequence plus contest-level timings.
// Presets are immutable once registered; contests hold them by value.
type Preset struct {
	ID         string  `json:"id"`
	Rounds     []Round `json:"rounds"`
	PrepTime   int     `json:"prepTime"`   // seconds before round 0
	VoteWindow int     `json:"voteWindow"` // seconds of voting per round
}

// Registry holds the known presets. It is populated once at startup and
// read-only afterwards, so no locking is needed.
type Registry struct {
	presets map[string]Preset
}

// NewRegistry builds a registry from the given presets. An empty registry
// is a startup-fatal condition for the server.
func NewRegistry(presets ...Preset) (*Registry, error) {
	if len(presets) == 0 {
		return nil, fmt.Errorf("preset registry is empty")
	}
	m := make(map[string]Preset, len(presets))
	for _, p := range presets {
		if p.ID == "" {
			return nil, fmt.Errorf("preset with empty id")
		}
		if len(p.Rounds) == 0 {
			return nil, fmt.Errorf("preset %q has no rounds", p.ID)
		}
		if _, dup := m[p.ID]; dup {
			return nil, fmt.Errorf("duplicate preset id %q", p.ID)
		}
		m[p.ID] = p
	}
	return &Registry{presets: m}, nil
}

// Get returns the preset for id.
func (r *Registry) Get(id string) (Preset, bool) {
	p, ok := r.presets[id]
	return p, ok
}

// IDs returns all registered preset ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.presets))
	for id := range r.presets {
		ids = append(ids, id)
	}
	return ids
}

// BuiltIn returns the presets shipped with the server.
func BuiltIn() []Preset {
	return []Preset{
		{
			ID:       "classic",
			PrepTime: 10,
			Rounds: []Round{
				{Name: "opening", Speaker: SpeakerBoth, TimeLimit: 60, WordLimit: WordLimit{Min: 50, Max: 250}},
				{Name: "rebuttal", Speaker: SpeakerBoth, TimeLimit: 60, WordLimit: WordLimit{Min: 50, Max: 250}},
				{Name: "closing", Speaker: SpeakerBoth, TimeLimit: 45, WordLimit: WordLimit{Min: 30, Max: 200}},
			},
			VoteWindow: 30,
		},
		{
			ID:       "blitz",
			PrepTime: 3,
			Rounds: []Round{
				{Name: "opening", Speaker: SpeakerBoth, TimeLimit: 20, WordLimit: WordLimit{Min: 20, Max: 100}},
				{Name: "closing", Speaker: SpeakerBoth, TimeLimit: 15, WordLimit: WordLimit{Min: 15, Max: 80}},
			},
			VoteWindow: 10,
		},
	}
}
