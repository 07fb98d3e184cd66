package vmem

import (
	"os"
	"runtime"
	"strings"
	"sync"
)

// Yield gives up the processor so another runnable goroutine can make
// progress. Used by spin loops as their cooperative backoff step.
func Yield() { runtime.Gosched() }

// LogicalCoreCount returns the number of logical processors.
func LogicalCoreCount() int { return runtime.NumCPU() }

var (
	physicalOnce  sync.Once
	physicalCores int
)

// PhysicalCoreCount returns the number of physical cores, assuming a
// homogeneous topology. When SMT is detected logical cores are halved;
// if the topology cannot be read the logical count is returned.
func PhysicalCoreCount() int {
	physicalOnce.Do(func() {
		physicalCores = LogicalCoreCount()

		if smtActive() && physicalCores > 1 {
			physicalCores /= 2
		}
	})

	return physicalCores
}

func smtActive() bool {
	// Linux exposes sibling lists; a list with more than one entry for
	// cpu0 means hyperthreading is on. Other platforms report no SMT.
	data, err := os.ReadFile("/sys/devices/system/cpu/cpu0/topology/thread_siblings_list")
	if err != nil {
		return false
	}

	s := strings.TrimSpace(string(data))
	return strings.ContainsAny(s, ",-")
}
