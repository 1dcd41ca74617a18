package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemUtilityTool exposes host diagnostics (uptime, load, memory) the
// model can use to reason about its own runtime environment. Exempt from
// the redundancy guard since polling it repeatedly is expected.
type SystemUtilityTool struct {
	startedAt time.Time
}

// NewSystemUtilityTool builds a SystemUtilityTool measuring uptime from now.
func NewSystemUtilityTool() *SystemUtilityTool {
	return &SystemUtilityTool{startedAt: time.Now()}
}

func (t *SystemUtilityTool) Name() string        { return "system_utility" }
func (t *SystemUtilityTool) Mutating() bool      { return false }
func (t *SystemUtilityTool) UsageCap() int       { return 0 }
func (t *SystemUtilityTool) Description() string {
	return "Report host diagnostics: uptime, CPU load, memory usage, and goroutine count."
}

func (t *SystemUtilityTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *SystemUtilityTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read memory stats: %w", err)
	}
	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return "", fmt.Errorf("read cpu stats: %w", err)
	}
	cpuPct := 0.0
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	return fmt.Sprintf(
		"uptime: %s\ncpu: %.1f%%\nmemory: %.1f%% used (%d/%d MB)\ngoroutines: %d",
		time.Since(t.startedAt).Round(time.Second), cpuPct,
		vm.UsedPercent, vm.Used/1024/1024, vm.Total/1024/1024,
		runtime.NumGoroutine(),
	), nil
}
