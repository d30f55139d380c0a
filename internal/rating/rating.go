// Package rating implements Elo arithmetic for contest outcomes and the
// expanding rating window used by the matchmaker.
package rating

import "math"

// Config carries the tunable rating parameters. The zero value is not
// usable; construct with Default() or from server configuration.
type Config struct {
	K         int // K-factor applied to each update
	RangeBase int // initial matchmaking window
	RangeStep int // window growth per 30s of wait
	RangeCap  int // maximum window
}

// Default returns the standard parameters: K=32, window 100 growing by
// 50 every 30 seconds up to 500.
func Default() Config {
	return Config{K: 32, RangeBase: 100, RangeStep: 50, RangeCap: 500}
}

// Deltas holds the post-match ratings for both sides.
type Deltas struct {
	Winner int
	Loser  int
}

// Expected returns the expected score of a player rated a against a
// player rated b.
func Expected(a, b int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(b-a)/400.0))
}

// Update returns the new rating for a player rated r after scoring
// score (1 win, 0 loss, 0.5 draw) against an opponent rated opp.
// Ratings never go below zero.
func (c Config) Update(r, opp int, score float64) int {
	next := r + int(math.Round(float64(c.K)*(score-Expected(r, opp))))
	if next < 0 {
		next = 0
	}
	return next
}

// MatchDeltas computes both new ratings for a decisive result.
func (c Config) MatchDeltas(winner, loser int) Deltas {
	return Deltas{
		Winner: c.Update(winner, loser, 1),
		Loser:  c.Update(loser, winner, 0),
	}
}

// ExpandedRange returns the rating window for an entry that has waited
// waitSeconds in the queue. The window widens by RangeStep for every
// full 30 seconds of waiting, capped at RangeCap.
func (c Config) ExpandedRange(waitSeconds float64) int {
	r := c.RangeBase + c.RangeStep*int(math.Floor(waitSeconds/30))
	if r > c.RangeCap {
		return c.RangeCap
	}
	return r
}

// Balanced reports whether two ratings are within max of each other.
func Balanced(a, b, max int) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= max
}
