package slurm

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"slurm_why/internal/resources"
)

// Unset marks an association limit column that was left empty.
const Unset int64 = -1

const scontrolTimeLayout = "2006-01-02T15:04:05"

var numPrefixRe = regexp.MustCompile(`^-?\d+`)
var gpuReqRe = regexp.MustCompile(`gpu(?::([A-Za-z][\w-]*))?:(\d+)`)

// ParseJobRecord reads the first record of `scontrol show job -o` output.
func ParseJobRecord(raw string) (Job, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Job{}, ErrJobNotFound
	}
	line := strings.SplitN(raw, "\n", 2)[0]
	f := parseKVLine(line)
	id := f["JobId"]
	if id == "" {
		return Job{}, fmt.Errorf("missing JobId in line: %s", line)
	}

	job := Job{
		ID:           id,
		ArrayJobID:   f["ArrayJobId"],
		ArrayTaskID:  f["ArrayTaskId"],
		Name:         f["JobName"],
		User:         stripUID(f["UserId"]),
		Account:      f["Account"],
		Partition:    f["Partition"],
		QOS:          f["QOS"],
		State:        normalizeState(f["JobState"]),
		Reason:       cleanNone(f["Reason"]),
		Dependency:   cleanNone(f["Dependency"]),
		Priority:     parseInt(f["Priority"]),
		NumNodes:     parseInt(f["NumNodes"]),
		NumCPUs:      parseInt(f["NumCPUs"]),
		ReqTRES:      resources.Parse(f["ReqTRES"]),
		AllocTRES:    resources.Parse(f["AllocTRES"]),
		TimeLimit:    f["TimeLimit"],
		SubmitTime:   parseTime(f["SubmitTime"]),
		EligibleTime: parseTime(f["EligibleTime"]),
		StartTime:    parseTime(f["StartTime"]),
		EndTime:      parseTime(f["EndTime"]),
		ExitCode:     parseExitCode(f["ExitCode"]),
		ReqNodes:     cleanNone(f["ReqNodeList"]),
		ExcNodes:     cleanNone(f["ExcNodeList"]),
		Reservation:  cleanNone(f["Reservation"]),
		Raw:          f,
	}
	job.ArrayThrottle = parseInt(f["ArrayTaskThrottle"])
	if job.ArrayThrottle == 0 {
		if idx := strings.LastIndexByte(job.ArrayTaskID, '%'); idx >= 0 {
			job.ArrayThrottle = parseInt(job.ArrayTaskID[idx+1:])
		}
	}
	// Pending jobs have a projected StartTime; only running or finished jobs
	// have really started.
	if job.IsPending() {
		job.StartTime = time.Time{}
	}
	return job, nil
}

// ParseActiveJobs reads squeue output in activeJobsFormat. Lines with the
// wrong column count are skipped.
func ParseActiveJobs(raw string) []Job {
	lines := strings.Split(raw, "\n")
	out := make([]Job, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != activeJobsColumns {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cpus := parseInt(parts[5])
		nodes := parseInt(parts[7])
		if nodes <= 0 {
			nodes = 1
		}
		q := resources.Quantity{
			CPU:      cpus,
			MemoryMB: parseMemRequestMB(parts[6], cpus, nodes),
			Nodes:    nodes,
			GPU:      parseGPUReq(parts[8], nodes),
		}
		job := Job{
			ID:          parts[0],
			State:       normalizeState(parts[1]),
			User:        parts[2],
			Account:     parts[3],
			Partition:   parts[4],
			NumCPUs:     cpus,
			NumNodes:    nodes,
			TimeLimit:   parts[9],
			StartTime:   parseTime(parts[10]),
			Priority:    parseInt(parts[11]),
			ArrayJobID:  cleanNone(parts[12]),
			ArrayTaskID: cleanNone(parts[13]),
			Reason:      cleanNone(parts[14]),
		}
		if job.IsPending() {
			job.ReqTRES = q
			job.StartTime = time.Time{}
		} else {
			job.AllocTRES = q
		}
		out = append(out, job)
	}
	return out
}

// ParseAssociations reads `sacctmgr -nP show assoc` output in assocFormat.
func ParseAssociations(raw string) []Association {
	lines := strings.Split(raw, "\n")
	out := make([]Association, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != assocColumns {
			continue
		}
		a := Association{
			Account:        parts[0],
			User:           parts[1],
			Parent:         parts[2],
			Partition:      parts[3],
			GrpTRES:        parts[4],
			GrpTRESRunMins: parts[5],
			GrpJobs:        parseLimit(parts[6]),
			GrpSubmitJobs:  parseLimit(parts[7]),
			MaxJobs:        parseLimit(parts[8]),
			MaxSubmitJobs:  parseLimit(parts[9]),
		}
		for _, q := range strings.Split(parts[10], ",") {
			if q = strings.TrimSpace(q); q != "" {
				a.QOS = append(a.QOS, q)
			}
		}
		out = append(out, a)
	}
	return out
}

// ParsePriority reads one `sprio -h -j <id>` row in priorityFormat. The
// normalized factors are printed as fractions in [0,1] and stored in ppm.
func ParsePriority(raw string) (PriorityFactors, error) {
	for _, line := range strings.Split(raw, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) != len(priorityFactorNames)+4 {
			continue
		}
		pf := PriorityFactors{
			JobID:     strings.TrimSpace(parts[0]),
			Partition: strings.TrimSpace(parts[1]),
			User:      strings.TrimSpace(parts[2]),
			Priority:  parseInt(strings.TrimSpace(parts[3])),
			Factors:   make(map[string]int64, len(priorityFactorNames)),
		}
		for i, name := range priorityFactorNames {
			f, _ := parseFloat(strings.TrimSpace(parts[4+i]))
			pf.Factors[name] = int64(math.Round(f * 1e6))
		}
		return pf, nil
	}
	return PriorityFactors{}, fmt.Errorf("no sprio row in output")
}

// ParseWeights reads the "Weights" row printed by `sprio -w`.
func ParseWeights(raw string) (map[string]int64, error) {
	for _, line := range strings.Split(raw, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) != len(priorityFactorNames)+4 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(parts[0]), "Weights") {
			continue
		}
		out := make(map[string]int64, len(priorityFactorNames))
		for i, name := range priorityFactorNames {
			out[name] = parseInt(strings.TrimSpace(parts[4+i]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("no Weights row in sprio output")
}

func ParsePartition(raw string) (Partition, error) {
	line := strings.SplitN(strings.TrimSpace(raw), "\n", 2)[0]
	f := parseKVLine(line)
	name := f["PartitionName"]
	if name == "" {
		return Partition{}, fmt.Errorf("missing PartitionName in line: %s", line)
	}
	p := Partition{
		Name:       name,
		State:      strings.ToUpper(f["State"]),
		MaxTime:    f["MaxTime"],
		MaxNodes:   parseInt(f["MaxNodes"]),
		MinNodes:   parseInt(f["MinNodes"]),
		TotalNodes: parseInt(f["TotalNodes"]),
		TotalCPUs:  parseInt(f["TotalCPUs"]),
		Nodes:      f["Nodes"],
	}
	if strings.EqualFold(f["MaxNodes"], "UNLIMITED") {
		p.MaxNodes = -1
	}
	return p, nil
}

func ParseReservation(raw string) (Reservation, error) {
	line := strings.SplitN(strings.TrimSpace(raw), "\n", 2)[0]
	f := parseKVLine(line)
	name := f["ReservationName"]
	if name == "" {
		return Reservation{}, fmt.Errorf("missing ReservationName in line: %s", line)
	}
	return Reservation{
		Name:      name,
		State:     strings.ToUpper(f["State"]),
		StartTime: parseTime(f["StartTime"]),
		EndTime:   parseTime(f["EndTime"]),
		Nodes:     cleanNone(f["Nodes"]),
		NodeCount: parseInt(f["NodeCnt"]),
		Users:     cleanNone(f["Users"]),
		Accounts:  cleanNone(f["Accounts"]),
	}, nil
}

// ParseAccounting reads `sacct -nP -X` output in accountingFormat and
// returns the first allocation row.
func ParseAccounting(raw string) (AccountingRecord, error) {
	for _, line := range strings.Split(raw, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) != 5 || parts[0] == "" {
			continue
		}
		return AccountingRecord{
			JobID:    parts[0],
			State:    normalizeState(parts[1]),
			ExitCode: parseExitCode(parts[2]),
			Start:    parseTime(parts[3]),
			End:      parseTime(parts[4]),
		}, nil
	}
	return AccountingRecord{}, ErrJobNotFound
}

// ParseNodeLines reads `scontrol show node -o` output sorted by name.
func ParseNodeLines(raw string) ([]Node, error) {
	lines := strings.Split(raw, "\n")
	out := make([]Node, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		node, err := parseNodeLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func parseNodeLine(line string) (Node, error) {
	fields := parseKVLine(line)
	name := fields["NodeName"]
	if name == "" {
		return Node{}, fmt.Errorf("missing NodeName in line: %s", line)
	}

	cfg := resources.Parse(fields["CfgTRES"])
	if cfg.CPU == 0 {
		cfg.CPU = parseInt(fields["CPUTot"])
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = parseInt(fields["RealMemory"])
	}
	alloc := resources.Parse(fields["AllocTRES"])
	if alloc.CPU == 0 {
		alloc.CPU = parseInt(fields["CPUAlloc"])
	}
	if alloc.MemoryMB == 0 {
		alloc.MemoryMB = parseInt(fields["AllocMem"])
	}

	state := cleanNodeState(fields["State"])
	if state == "" {
		state = "UNKNOWN"
	}
	var partitions []string
	for _, p := range strings.Split(fields["Partitions"], ",") {
		if p = strings.TrimSpace(p); p != "" {
			partitions = append(partitions, p)
		}
	}

	return Node{
		Name:       name,
		State:      state,
		Partitions: partitions,
		Configured: cfg,
		Allocated:  alloc,
	}, nil
}

// RootJobID strips array task and step suffixes: "123_4.batch" -> "123".
func RootJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ""
	}
	if idx := strings.IndexByte(jobID, '_'); idx > 0 {
		jobID = jobID[:idx]
	}
	if idx := strings.IndexByte(jobID, '.'); idx > 0 {
		jobID = jobID[:idx]
	}
	return jobID
}

// parseKVLine splits a one-line scontrol record. A token without '=' belongs
// to the previous value, which keeps values such as "Reason=Dependency Never
// Satisfied" or paths with spaces intact.
func parseKVLine(line string) map[string]string {
	out := make(map[string]string)
	last := ""
	for _, token := range strings.Fields(line) {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			if last != "" {
				out[last] += " " + token
			}
			continue
		}
		out[parts[0]] = parts[1]
		last = parts[0]
	}
	return out
}

// cleanNodeState keeps the base state and any +FLAG suffixes, without the
// trailing "*" that marks a non-responding node.
func cleanNodeState(v string) string {
	if v == "" {
		return ""
	}
	v = strings.TrimRight(v, "*~#!%$@^-")
	return strings.ToUpper(strings.TrimSpace(v))
}

func cleanNone(v string) string {
	v = strings.TrimSpace(v)
	switch v {
	case "None", "(null)", "N/A":
		return ""
	}
	return v
}

func stripUID(v string) string {
	if idx := strings.IndexByte(v, '('); idx >= 0 {
		return v[:idx]
	}
	return v
}

func parseExitCode(v string) int {
	if idx := strings.IndexByte(v, ':'); idx >= 0 {
		v = v[:idx]
	}
	return int(parseInt(v))
}

func parseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	switch v {
	case "", "Unknown", "None", "N/A", "(null)":
		return time.Time{}
	}
	t, err := time.ParseInLocation(scontrolTimeLayout, v, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseLimit(v string) int64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return Unset
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return Unset
	}
	return n
}

func parseInt(v string) int64 {
	if v == "" {
		return 0
	}
	match := numPrefixRe.FindString(v)
	if match == "" {
		return 0
	}
	n, err := strconv.ParseInt(match, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(v string) (float64, bool) {
	if v == "" || v == "N/A" || v == "(null)" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseMemRequestMB converts squeue's %m to the job's total memory. Slurm
// appends "c" for per-cpu requests; anything else is per node.
func parseMemRequestMB(raw string, cpus, nodes int64) int64 {
	if raw == "" || raw == "N/A" {
		return 0
	}
	perCPU := strings.HasSuffix(raw, "c")
	mb := resources.ParseMemoryMB(raw)
	if perCPU {
		return mb * cpus
	}
	return mb * nodes
}

// parseGPUReq reads squeue's per-node %b ("gres/gpu:a100:2", "gpu:2") and
// scales it to the whole job.
func parseGPUReq(raw string, nodes int64) resources.GPU {
	gpu := resources.GPU{ByType: map[string]int64{}}
	if raw == "" || raw == "N/A" {
		return gpu
	}
	for _, m := range gpuReqRe.FindAllStringSubmatch(raw, -1) {
		n := parseInt(m[2]) * nodes
		gpu.Total += n
		if m[1] != "" {
			gpu.ByType[m[1]] += n
		}
	}
	return gpu
}
