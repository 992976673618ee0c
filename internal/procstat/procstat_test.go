package procstat

import (
	"os"
	"testing"
)

func TestStats_CurrentProcess(t *testing.T) {
	cpuPercent, memBytes, err := Stats(os.Getpid())
	if err != nil {
		t.Fatalf("Stats(self): %v", err)
	}
	if cpuPercent < 0 {
		t.Errorf("cpuPercent = %v, want >= 0", cpuPercent)
	}
	if memBytes == 0 {
		t.Errorf("memBytes = 0, want the running test process to have nonzero RSS")
	}
}

func TestStats_UnknownPid(t *testing.T) {
	// pid 0 is never a real process to open stats on.
	if _, _, err := Stats(0); err == nil {
		t.Error("Stats(0) = nil error, want error for a nonexistent process")
	}
}
