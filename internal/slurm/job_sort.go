package slurm

import (
	"sort"
	"strconv"
)

// SortByPriority orders jobs by priority descending, then by submission order
// (numeric job id ascending) to keep listings deterministic.
func SortByPriority(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		ai, aerr := strconv.ParseInt(RootJobID(jobs[i].ID), 10, 64)
		bi, berr := strconv.ParseInt(RootJobID(jobs[j].ID), 10, 64)
		if aerr == nil && berr == nil && ai != bi {
			return ai < bi
		}
		return jobs[i].ID < jobs[j].ID
	})
}
