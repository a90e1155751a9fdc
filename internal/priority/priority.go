// Package priority splits a job's priority into per-factor contributions and
// ranks it against the rest of its partition's queue.
package priority

import (
	"math"
	"sort"

	"slurm_why/internal/slurm"
)

// Breakdown is the scheduler's view of one job's priority. Total is what the
// scheduler computed and need not equal the weighted sum of Components.
type Breakdown struct {
	Total      int64            `json:"total"`
	Components map[string]int64 `json:"components"`
	Weights    map[string]int64 `json:"weights"`
}

// FromFactors combines an sprio row with the configured weights.
func FromFactors(f slurm.PriorityFactors, weights map[string]int64) Breakdown {
	return Breakdown{Total: f.Priority, Components: f.Factors, Weights: weights}
}

// Contributions is shorthand for ComputeContributions(b.Components, b.Weights).
func (b Breakdown) Contributions() map[string]float64 {
	return ComputeContributions(b.Components, b.Weights)
}

// ComputeContributions returns each factor's share of the weighted sum in
// percent, rounded to one decimal. Factors missing a weight count as zero.
// When the weighted sum is zero every share is zero.
func ComputeContributions(components, weights map[string]int64) map[string]float64 {
	out := make(map[string]float64, len(components))
	var sum float64
	weighted := make(map[string]float64, len(components))
	for name, v := range components {
		w := float64(v) * float64(weights[name])
		weighted[name] = w
		sum += w
	}
	for name, w := range weighted {
		if sum == 0 {
			out[name] = 0
			continue
		}
		out[name] = math.Round(w/sum*1000) / 10
	}
	return out
}

// DominantFactor is the factor with the largest share, ties broken by name.
// It returns "" when every share is zero.
func DominantFactor(contributions map[string]float64) string {
	names := make([]string, 0, len(contributions))
	for name := range contributions {
		names = append(names, name)
	}
	sort.Strings(names)
	best := ""
	bestValue := 0.0
	for _, name := range names {
		if contributions[name] > bestValue {
			best = name
			bestValue = contributions[name]
		}
	}
	return best
}

type Competitor struct {
	JobID    string `json:"jobId"`
	User     string `json:"user"`
	Account  string `json:"account"`
	Priority int64  `json:"priority"`
}

type Ranking struct {
	HigherPriorityCount int          `json:"higherPriorityCount"`
	TopCompetitors      []Competitor `json:"topCompetitors"`
	TotalPending        int          `json:"totalPending"`
	Position            int          `json:"position"`
}

// Rank places a job with ownPriority among the pending jobs of its
// partition. Only jobs with strictly higher priority are competitors; they
// are listed priority-descending and capped at limit. The subject itself is
// skipped when it appears in pending.
func Rank(pending []slurm.Job, subjectID string, ownPriority int64, limit int) Ranking {
	var r Ranking
	var higher []slurm.Job
	for _, j := range pending {
		if !j.IsPending() || j.ID == subjectID {
			continue
		}
		r.TotalPending++
		if j.Priority > ownPriority {
			higher = append(higher, j)
		}
	}
	// The subject is part of the queue too.
	r.TotalPending++

	slurm.SortByPriority(higher)
	r.HigherPriorityCount = len(higher)
	r.Position = r.HigherPriorityCount + 1
	if limit >= 0 && len(higher) > limit {
		higher = higher[:limit]
	}
	r.TopCompetitors = make([]Competitor, 0, len(higher))
	for _, j := range higher {
		r.TopCompetitors = append(r.TopCompetitors, Competitor{
			JobID:    j.ID,
			User:     j.User,
			Account:  j.Account,
			Priority: j.Priority,
		})
	}
	return r
}
