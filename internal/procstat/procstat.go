// Package procstat reads CPU and memory usage for a single OS
// process. It backs the worker tree's list_processes verb (spec.md
// §4.2), which reports {pid, cpu%, mem} for any worker currently
// backed by a real subprocess (internal/execwrap's diagnose/build
// stages).
package procstat

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats returns pid's current CPU usage (percent, summed across
// cores, comparable to top's COMMAND%CPU) and resident set size in
// bytes. Callers should tolerate a zero cpuPercent on a process's
// first sample: gopsutil measures CPU time delta between calls and
// has nothing to compare against yet.
func Stats(pid int) (cpuPercent float64, memBytes uint64, err error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, fmt.Errorf("procstat: open pid %d: %w", pid, err)
	}

	cpuPercent, err = p.CPUPercent()
	if err != nil {
		return 0, 0, fmt.Errorf("procstat: cpu percent for pid %d: %w", pid, err)
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, fmt.Errorf("procstat: memory info for pid %d: %w", pid, err)
	}

	return cpuPercent, mem.RSS, nil
}
