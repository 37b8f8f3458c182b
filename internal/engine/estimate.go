package engine

import (
	"encoding/json"

	"github.com/conveyorhq/conveyor/internal/domain"
)

// Resource estimation defaults and bounds.
const (
	baseCPUMillis = 250
	baseMemoryMB  = 128
	maxCPUMillis  = 4000
	maxMemoryMB   = 4096
)

// EstimateResources derives a resource request from the task payload.
// The payload may carry explicit hints; otherwise the estimate scales
// with payload size as a rough proxy for work.
func EstimateResources(payload json.RawMessage) domain.ResourceEstimate {
	var hints struct {
		CPUMillis int `json:"cpu_millis"`
		MemoryMB  int `json:"memory_mb"`
	}
	// Unparseable payloads fall through to the size heuristic.
	_ = json.Unmarshal(payload, &hints)

	estimate := domain.ResourceEstimate{
		CPUMillis: hints.CPUMillis,
		MemoryMB:  hints.MemoryMB,
	}

	if estimate.CPUMillis <= 0 {
		estimate.CPUMillis = baseCPUMillis + len(payload)/4
	}
	if estimate.MemoryMB <= 0 {
		estimate.MemoryMB = baseMemoryMB + len(payload)/1024
	}

	if estimate.CPUMillis > maxCPUMillis {
		estimate.CPUMillis = maxCPUMillis
	}
	if estimate.MemoryMB > maxMemoryMB {
		estimate.MemoryMB = maxMemoryMB
	}

	return estimate
}
