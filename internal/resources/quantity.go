// Package resources parses and compares Slurm trackable-resource (TRES)
// quantities. Memory is always normalized to MB and GPUs are kept both as a
// total and per GPU type.
package resources

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const gpuKey = "gres/gpu"

var memValueRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)([A-Za-z]?)$`)

type GPU struct {
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"byType"`
}

type Quantity struct {
	CPU      int64 `json:"cpu"`
	MemoryMB int64 `json:"memoryMB"`
	Nodes    int64 `json:"nodes,omitempty"`
	GPU      GPU   `json:"gpu"`
}

// Parse reads a TRES string such as "cpu=8,mem=32G,node=1,gres/gpu:a100=2".
// Unknown keys are skipped and malformed values count as zero; Parse never
// fails.
func Parse(s string) Quantity {
	q := Quantity{GPU: GPU{ByType: map[string]int64{}}}
	s = strings.TrimSpace(s)
	if s == "" || s == "(null)" || strings.EqualFold(s, "N/A") {
		return q
	}

	untypedGPU := int64(-1)
	var typedSum int64
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		switch {
		case key == "cpu":
			q.CPU = parseCount(val)
		case key == "mem":
			q.MemoryMB = ParseMemoryMB(val)
		case key == "node":
			q.Nodes = parseCount(val)
		case key == gpuKey:
			untypedGPU = parseCount(val)
		case strings.HasPrefix(key, gpuKey+":"):
			gpuType := strings.TrimPrefix(key, gpuKey+":")
			if gpuType == "" {
				continue
			}
			n := parseCount(val)
			q.GPU.ByType[gpuType] += n
			typedSum += n
		}
	}
	if untypedGPU >= 0 {
		q.GPU.Total = untypedGPU
	} else {
		q.GPU.Total = typedSum
	}
	return q
}

// ParseMemoryMB converts a memory value with an optional K/M/G/T/P suffix to
// MB, flooring fractions. A trailing per-cpu ("c") or per-node ("n") marker
// from squeue output is ignored. Unknown units give zero.
func ParseMemoryMB(v string) int64 {
	v = strings.TrimSpace(v)
	if v == "" || v == "N/A" || v == "(null)" {
		return 0
	}
	if n := len(v); n > 1 {
		switch v[n-1] {
		case 'c', 'n':
			// "500Mc": per-cpu/per-node marker
			prev := v[n-2]
			if (prev >= '0' && prev <= '9') || strings.ContainsRune("kKmMgGtTpP", rune(prev)) {
				v = v[:n-1]
			}
		}
	}
	m := memValueRe.FindStringSubmatch(v)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	mult, ok := memMultiplier(m[2])
	if !ok {
		return 0
	}
	return int64(math.Floor(value * mult))
}

func memMultiplier(unit string) (float64, bool) {
	switch strings.ToUpper(unit) {
	case "K":
		return 1.0 / 1024.0, true
	case "", "M":
		return 1, true
	case "G":
		return 1024, true
	case "T":
		return 1024 * 1024, true
	case "P":
		return 1024 * 1024 * 1024, true
	default:
		return 0, false
	}
}

func parseCount(v string) int64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(math.Floor(f))
}

func (q Quantity) IsZero() bool {
	return q.CPU == 0 && q.MemoryMB == 0 && q.Nodes == 0 && q.GPU.Total == 0 && len(q.GPU.ByType) == 0
}

// Add returns the element-wise sum of q and o.
func (q Quantity) Add(o Quantity) Quantity {
	out := Quantity{
		CPU:      q.CPU + o.CPU,
		MemoryMB: q.MemoryMB + o.MemoryMB,
		Nodes:    q.Nodes + o.Nodes,
		GPU: GPU{
			Total:  q.GPU.Total + o.GPU.Total,
			ByType: make(map[string]int64, len(q.GPU.ByType)+len(o.GPU.ByType)),
		},
	}
	for k, v := range q.GPU.ByType {
		out.GPU.ByType[k] += v
	}
	for k, v := range o.GPU.ByType {
		out.GPU.ByType[k] += v
	}
	return out
}

// Sub returns q minus o with every dimension floored at zero.
func (q Quantity) Sub(o Quantity) Quantity {
	out := Quantity{
		CPU:      floorZero(q.CPU - o.CPU),
		MemoryMB: floorZero(q.MemoryMB - o.MemoryMB),
		Nodes:    floorZero(q.Nodes - o.Nodes),
		GPU: GPU{
			Total:  floorZero(q.GPU.Total - o.GPU.Total),
			ByType: make(map[string]int64, len(q.GPU.ByType)),
		},
	}
	for k, v := range q.GPU.ByType {
		out.GPU.ByType[k] = floorZero(v - o.GPU.ByType[k])
	}
	return out
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// String renders q in TRES form; Parse(q.String()) yields q again.
func (q Quantity) String() string {
	parts := []string{
		fmt.Sprintf("cpu=%d", q.CPU),
		fmt.Sprintf("mem=%dM", q.MemoryMB),
	}
	if q.Nodes > 0 {
		parts = append(parts, fmt.Sprintf("node=%d", q.Nodes))
	}
	if q.GPU.Total > 0 {
		parts = append(parts, fmt.Sprintf("%s=%d", gpuKey, q.GPU.Total))
	}
	for _, t := range sortedKeys(q.GPU.ByType) {
		parts = append(parts, fmt.Sprintf("%s:%s=%d", gpuKey, t, q.GPU.ByType[t]))
	}
	return strings.Join(parts, ",")
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
