package resources

import "sort"

const (
	ResourceCPU    = "cpu"
	ResourceMemory = "mem"
	ResourceGPU    = "gpu"
)

// Bottleneck is one dimension where a request exceeds what is available.
// GPUType is set only for per-type GPU shortages.
type Bottleneck struct {
	Resource  string `json:"resource"`
	GPUType   string `json:"gpuType,omitempty"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
}

// Shortfall is how much more of the resource the request needs.
func (b Bottleneck) Shortfall() int64 {
	return b.Required - b.Available
}

// CompareAvailability lists the dimensions where required strictly exceeds
// available. GPU types the job did not request are ignored.
func CompareAvailability(required, available Quantity) []Bottleneck {
	var out []Bottleneck
	if required.CPU > available.CPU {
		out = append(out, Bottleneck{Resource: ResourceCPU, Required: required.CPU, Available: available.CPU})
	}
	if required.MemoryMB > available.MemoryMB {
		out = append(out, Bottleneck{Resource: ResourceMemory, Required: required.MemoryMB, Available: available.MemoryMB})
	}
	if required.GPU.Total > available.GPU.Total {
		out = append(out, Bottleneck{Resource: ResourceGPU, Required: required.GPU.Total, Available: available.GPU.Total})
	}

	types := make([]string, 0, len(required.GPU.ByType))
	for t := range required.GPU.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		want := required.GPU.ByType[t]
		have := available.GPU.ByType[t]
		if want > have {
			out = append(out, Bottleneck{Resource: ResourceGPU, GPUType: t, Required: want, Available: have})
		}
	}
	return out
}
