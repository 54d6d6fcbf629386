//go:build linux

package sched

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SCHED_FIFO from <linux/sched.h>.
const schedFIFO = 1

func applyAffinity(cpu int) error {
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	// pid 0 is the calling thread
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}
	return nil
}

func applyPriority(t Thread) error {
	switch t.Policy {
	case PolicyFIFO:
		attr := &unix.SchedAttr{Policy: schedFIFO, Priority: uint32(fifoFor(t.Priority))}
		if err := unix.SchedSetAttr(0, attr, 0); err != nil {
			return fmt.Errorf("sched_setattr fifo: %w", err)
		}
	default:
		// PRIO_PROCESS with who=0 targets the calling thread on Linux.
		if t.Boost {
			if n := boostNiceFor(t.Priority); n < 0 && unix.Setpriority(unix.PRIO_PROCESS, 0, n) == nil {
				return nil
			}
		}
		n := niceFor(t.Priority, t.Top)
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, n); err != nil {
			return fmt.Errorf("setpriority nice %d: %w", n, err)
		}
	}
	return nil
}

// threadNice reports the nice value of the calling thread.
func threadNice() (int, error) {
	// the raw syscall result is 20 - nice
	v, err := unix.Getpriority(unix.PRIO_PROCESS, 0)
	if err != nil {
		return 0, err
	}
	return 20 - v, nil
}
