package diagnose

import (
	"context"
	"fmt"
	"strings"

	"slurm_why/internal/logutils"
	"slurm_why/internal/resources"
	"slurm_why/internal/slurm"
)

// partitions splits a job's partition list; pending jobs may name several.
func partitions(job slurm.Job) []string {
	var out []string
	for _, p := range strings.Split(job.Partition, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// nodes prefers a live listing and falls back to the snapshot.
func (e *Engine) nodes(ctx context.Context) ([]slurm.Node, error) {
	live, err := e.source.Nodes(ctx)
	if err == nil {
		return live, nil
	}
	logutils.Log.WithError(err).Debug("live node query failed, using snapshot")
	if snap := e.store.Current(); snap != nil && len(snap.Nodes) > 0 {
		return snap.Nodes, nil
	}
	return nil, err
}

func (e *Engine) analyzeResources(ctx context.Context, job slurm.Job) Result {
	all, err := e.nodes(ctx)
	if err != nil {
		return e.other(job, fmt.Sprintf("the job is waiting for resources, but node state could not be read: %v", err))
	}

	parts := partitions(job)
	required := job.Allocated()
	perNode := shareOf(required)

	available := resources.Quantity{GPU: resources.GPU{ByType: map[string]int64{}}}
	var eligible, fitting int
	for _, n := range all {
		if !inAny(n, parts) || !n.Schedulable() {
			continue
		}
		eligible++
		free := n.Free()
		available = available.Add(free)
		if len(resources.CompareAvailability(perNode, free)) == 0 {
			fitting++
		}
	}

	bottlenecks := resources.CompareAvailability(required, available)
	res := ResourcesResult{
		Partition:     job.Partition,
		Required:      required,
		Available:     available,
		Bottlenecks:   bottlenecks,
		EligibleNodes: eligible,
		FittingNodes:  fitting,
	}

	var summary string
	switch {
	case eligible == 0:
		summary = fmt.Sprintf("no schedulable nodes in partition %s", job.Partition)
	case len(bottlenecks) > 0:
		msgs := make([]string, 0, len(bottlenecks))
		for _, b := range bottlenecks {
			msgs = append(msgs, describeBottleneck(b))
		}
		summary = "not enough free " + strings.Join(msgs, "; ")
	case required.Nodes > 0 && int64(fitting) < required.Nodes:
		summary = fmt.Sprintf("enough free resources in total, but only %d of the %d nodes needed have room for one node's share", fitting, required.Nodes)
	default:
		summary = "enough free resources right now; the scheduler has not reached this job yet or is holding nodes for a larger job"
	}
	res.Base = e.base(KindResources, job.ID, job.Reason, summary)
	return res
}

// shareOf is one node's share of a multi-node request, rounded up.
func shareOf(q resources.Quantity) resources.Quantity {
	n := q.Nodes
	if n <= 1 {
		return q
	}
	share := resources.Quantity{
		CPU:      ceilDiv(q.CPU, n),
		MemoryMB: ceilDiv(q.MemoryMB, n),
		Nodes:    1,
		GPU: resources.GPU{
			Total:  ceilDiv(q.GPU.Total, n),
			ByType: make(map[string]int64, len(q.GPU.ByType)),
		},
	}
	for t, v := range q.GPU.ByType {
		share.GPU.ByType[t] = ceilDiv(v, n)
	}
	return share
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func inAny(n slurm.Node, parts []string) bool {
	if len(parts) == 0 {
		return true
	}
	for _, p := range parts {
		if n.InPartition(p) {
			return true
		}
	}
	return false
}

func describeBottleneck(b resources.Bottleneck) string {
	name := b.Resource
	required, available := fmt.Sprint(b.Required), fmt.Sprint(b.Available)
	switch b.Resource {
	case resources.ResourceCPU:
		name = "CPUs"
	case resources.ResourceMemory:
		name = "memory"
		required, available = formatMB(b.Required), formatMB(b.Available)
	case resources.ResourceGPU:
		name = "GPUs"
		if b.GPUType != "" {
			name = b.GPUType + " GPUs"
		}
	}
	return fmt.Sprintf("%s: need %s, %s free", name, required, available)
}

func formatMB(mb int64) string {
	if mb >= 1024 && mb%1024 == 0 {
		return fmt.Sprintf("%dG", mb/1024)
	}
	return fmt.Sprintf("%dM", mb)
}
