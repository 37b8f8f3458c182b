package engine

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEstimateResources(t *testing.T) {
	t.Parallel()

	small := json.RawMessage(`{"op":"encode"}`)
	large := json.RawMessage(`{"op":"encode","data":"` + strings.Repeat("x", 8192) + `"}`)

	tests := []struct {
		name          string
		payload       json.RawMessage
		wantCPUMillis int
		wantMemoryMB  int
	}{
		{
			name:          "explicit hints win",
			payload:       json.RawMessage(`{"cpu_millis":1000,"memory_mb":512}`),
			wantCPUMillis: 1000,
			wantMemoryMB:  512,
		},
		{
			name:          "hints capped at the maximums",
			payload:       json.RawMessage(`{"cpu_millis":99999,"memory_mb":99999}`),
			wantCPUMillis: maxCPUMillis,
			wantMemoryMB:  maxMemoryMB,
		},
		{
			name:          "negative hints fall back to the heuristic",
			payload:       json.RawMessage(`{"cpu_millis":-1,"memory_mb":-1}`),
			wantCPUMillis: baseCPUMillis + len(`{"cpu_millis":-1,"memory_mb":-1}`)/4,
			wantMemoryMB:  baseMemoryMB,
		},
		{
			name:          "small payload gets the base estimate",
			payload:       small,
			wantCPUMillis: baseCPUMillis + len(small)/4,
			wantMemoryMB:  baseMemoryMB,
		},
		{
			name:          "large payload scales the estimate",
			payload:       large,
			wantCPUMillis: baseCPUMillis + len(large)/4,
			wantMemoryMB:  baseMemoryMB + len(large)/1024,
		},
		{
			name:          "unparseable payload uses the size heuristic",
			payload:       json.RawMessage(`not json`),
			wantCPUMillis: baseCPUMillis + len(`not json`)/4,
			wantMemoryMB:  baseMemoryMB,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := EstimateResources(tc.payload)
			if got.CPUMillis != tc.wantCPUMillis {
				t.Errorf("CPUMillis = %d, want %d", got.CPUMillis, tc.wantCPUMillis)
			}
			if got.MemoryMB != tc.wantMemoryMB {
				t.Errorf("MemoryMB = %d, want %d", got.MemoryMB, tc.wantMemoryMB)
			}
		})
	}
}
