// Package billing turns job time limits into remaining minutes and
// resource-minutes, the unit Slurm uses for GrpTRESRunMins accounting.
package billing

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"slurm_why/internal/slurm"
)

const (
	ResourceCPU    = "cpu"
	ResourceMemory = "mem"
	ResourceNode   = "node"
)

const minutesPerDay = 1440

var rawMinutesRe = regexp.MustCompile(`\((\d+) [a-z-]+-min\)`)

// ParseTimeLimit converts a Slurm time limit to minutes. limited is false for
// UNLIMITED/INFINITE. Accepted forms: D-HH:MM:SS, D-HH:MM, D-HH, HH:MM:SS,
// MM:SS and bare minutes. Seconds are floored away. Text that matches none of
// these yields (0, true).
func ParseTimeLimit(s string) (minutes int64, limited bool) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "UNLIMITED", "INFINITE":
		return 0, false
	case "", "N/A", "NONE", "(NULL)":
		return 0, true
	}

	var days int64
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		d, ok := atoi(s[:idx])
		if !ok {
			return 0, true
		}
		days = d
		s = s[idx+1:]
		parts := strings.Split(s, ":")
		nums, ok := atoiAll(parts)
		if !ok || len(nums) > 3 {
			return 0, true
		}
		// After a day prefix the fields are hours[:minutes[:seconds]].
		for len(nums) < 3 {
			nums = append(nums, 0)
		}
		return days*minutesPerDay + nums[0]*60 + nums[1], true
	}

	nums, ok := atoiAll(strings.Split(s, ":"))
	if !ok {
		return 0, true
	}
	switch len(nums) {
	case 1:
		return nums[0], true
	case 2:
		return nums[0], true // MM:SS
	case 3:
		return nums[0]*60 + nums[1], true
	}
	return 0, true
}

func atoi(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func atoiAll(parts []string) ([]int64, bool) {
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, ok := atoi(p)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

// RemainingMinutes is how long the job may still hold its allocation. A job
// that has not started has its full limit left. ok is false when the job has
// no time limit.
func RemainingMinutes(job slurm.Job, now time.Time) (minutes int64, ok bool) {
	limit, limited := ParseTimeLimit(job.TimeLimit)
	if !limited {
		return 0, false
	}
	if job.StartTime.IsZero() || job.IsPending() {
		return limit, true
	}
	elapsed := int64(now.Sub(job.StartTime) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := limit - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// ResourceMinutes is RemainingMinutes times the job's allocation of resource
// (cpu, mem in MB, or node). ok is false for unlimited jobs, which callers
// leave out of any sum instead of counting them as zero.
func ResourceMinutes(job slurm.Job, resource string, now time.Time) (int64, bool) {
	remaining, ok := RemainingMinutes(job, now)
	if !ok {
		return 0, false
	}
	alloc := job.Allocated()
	switch resource {
	case ResourceCPU:
		return remaining * alloc.CPU, true
	case ResourceMemory:
		return remaining * alloc.MemoryMB, true
	case ResourceNode:
		return remaining * alloc.Nodes, true
	}
	return 0, true
}

type Display struct {
	Text string `json:"text"`
	Raw  int64  `json:"rawMinutes"`
}

// FormatRunMinutes renders resource-minutes in day-scaled units with one
// decimal and keeps the exact minute count in the text, e.g.
// "12.3 CPU-days (17712 cpu-min)".
func FormatRunMinutes(resource string, minutes int64) Display {
	var value float64
	var unit string
	switch resource {
	case ResourceMemory:
		value = float64(minutes) / (1024 * minutesPerDay)
		unit = "GB-days"
	case ResourceNode:
		value = float64(minutes) / minutesPerDay
		unit = "node-days"
	default:
		resource = ResourceCPU
		value = float64(minutes) / minutesPerDay
		unit = "CPU-days"
	}
	value = math.Round(value*10) / 10
	return Display{
		Text: fmt.Sprintf("%.1f %s (%d %s-min)", value, unit, minutes, resource),
		Raw:  minutes,
	}
}

// ParseRunMinutes recovers the raw minute count from FormatRunMinutes text.
func ParseRunMinutes(text string) (int64, bool) {
	m := rawMinutesRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
