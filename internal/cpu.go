package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

var possibleCPU = sync.OnceValues(func() (int, error) {
	cpus, err := parseCPUList("/sys/devices/system/cpu/possible")
	if err != nil {
		return 0, err
	}
	return len(cpus), nil
})

// PossibleCPUs returns the max number of CPUs a system may possibly have.
// Logical CPU numbers must be of the form 0-n.
func PossibleCPUs() (int, error) {
	return possibleCPU()
}

// OnlineCPUs returns the logical numbers of all CPUs which are currently
// online. The result is not cached since CPUs can be hotplugged.
func OnlineCPUs() ([]int, error) {
	return parseCPUList("/sys/devices/system/cpu/online")
}

// parseCPUList parses a sysfs CPU list such as "0-2,5,7-9".
func parseCPUList(path string) ([]int, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parseCPUs(strings.TrimSpace(string(buf)))
}

func parseCPUs(list string) ([]int, error) {
	var cpus []int
	for _, cpuRange := range strings.Split(list, ",") {
		first, last, hasLast := strings.Cut(cpuRange, "-")
		start, err := strconv.Atoi(first)
		if err != nil {
			return nil, fmt.Errorf("cpu list %q has unknown format: %w", list, err)
		}

		end := start
		if hasLast {
			end, err = strconv.Atoi(last)
			if err != nil {
				return nil, fmt.Errorf("cpu list %q has unknown format: %w", list, err)
			}
		}
		if end < start {
			return nil, fmt.Errorf("cpu list %q has descending range %q", list, cpuRange)
		}

		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}

	return cpus, nil
}
