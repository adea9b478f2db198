package models

import "strings"

// RegionAll synthetic region covering every region of an event
const RegionAll = "All"

// RegionVotes per-region candidate vote sums as returned by the registry
type RegionVotes struct {
	Region string `json:"region"`
	Votes  []int  `json:"votes"`
}

// AggregateRecord one (event, region) percentage row
type AggregateRecord struct {
	ID          string    `json:"id,omitempty"`
	EventID     string    `json:"event_id"`
	Region      string    `json:"region"`
	Percentages []float64 `json:"percentages"`
}

// Key normalized (event, region) pair used for upsert matching
func (a *AggregateRecord) Key() string {
	return AggregateKey(a.EventID, a.Region)
}

// AggregateKey trim + lowercase on both parts
func AggregateKey(eventID, region string) string {
	return strings.ToLower(strings.TrimSpace(eventID)) + "|" + strings.ToLower(strings.TrimSpace(region))
}

// VoteSlots fixed-length optional view over up to MaxCandidates values.
// Slots past the event's candidate count are nil.
type VoteSlots [MaxCandidates]*int

// NewVoteSlots fills the first len(votes) slots
func NewVoteSlots(votes []int) VoteSlots {
	var s VoteSlots
	for i := 0; i < len(votes) && i < MaxCandidates; i++ {
		v := votes[i]
		s[i] = &v
	}
	return s
}

// Values the first n slots, absent slots read as 0
func (s VoteSlots) Values(n int) []int {
	if n > MaxCandidates {
		n = MaxCandidates
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		if s[i] != nil {
			out[i] = *s[i]
		}
	}
	return out
}

// FloatSlots same as VoteSlots for percentages
type FloatSlots [MaxCandidates]*float64

func NewFloatSlots(vals []float64) FloatSlots {
	var s FloatSlots
	for i := 0; i < len(vals) && i < MaxCandidates; i++ {
		v := vals[i]
		s[i] = &v
	}
	return s
}

// Values first n slots, absent slots read as 0
func (s FloatSlots) Values(n int) []float64 {
	if n > MaxCandidates {
		n = MaxCandidates
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if s[i] != nil {
			out[i] = *s[i]
		}
	}
	return out
}
