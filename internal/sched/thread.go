package sched

import (
	"fmt"
	"log/slog"
	"runtime"
)

// Policy selects how a worker priority is applied to its OS thread.
type Policy int

const (
	// PolicyNice maps the priority onto the thread nice value (no privileges
	// needed to lower it, CAP_SYS_NICE to raise it).
	PolicyNice Policy = iota
	// PolicyFIFO requests real-time SCHED_FIFO with the priority as rt level.
	PolicyFIFO
)

func (p Policy) String() string {
	switch p {
	case PolicyNice:
		return "nice"
	case PolicyFIFO:
		return "fifo"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts nice|fifo.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "nice", "":
		return PolicyNice, nil
	case "fifo":
		return PolicyFIFO, nil
	}
	return PolicyNice, fmt.Errorf("unknown sched policy %q (use nice|fifo)", s)
}

// Thread describes where and how urgently a worker runs. Higher Priority is
// more important. CPU < 0 leaves the thread unpinned.
//
// Under PolicyNice priorities are relative to Top, the highest priority of
// the worker set: the top worker keeps nice 0 and lower ones are niced down,
// which needs no privileges. Boost additionally tries a negative nice for
// positive priorities and falls back to the relative value when refused.
type Thread struct {
	CPU      int
	Priority int
	Policy   Policy
	Top      int
	Boost    bool
}

func clampNice(n int) int {
	if n < -20 {
		return -20
	}
	if n > 19 {
		return 19
	}
	return n
}

// niceFor maps a priority onto a non-negative nice value relative to top:
// each priority step below top is worth five nice steps.
func niceFor(priority, top int) int {
	if top < priority {
		top = priority
	}
	return clampNice(5 * (top - priority))
}

// boostNiceFor is the privileged mapping: priority p asks for nice -5*p.
func boostNiceFor(priority int) int {
	return clampNice(-5 * priority)
}

// fifoFor clamps a priority into the SCHED_FIFO range.
func fifoFor(priority int) int {
	if priority < 1 {
		return 1
	}
	if priority > 99 {
		return 99
	}
	return priority
}

// pinThread locks the calling goroutine to its OS thread and applies t.
// Placement failures are logged and otherwise ignored. The goroutine never
// unlocks, so the runtime retires the modified thread when the worker exits.
func pinThread(t Thread, worker string, l *slog.Logger) {
	runtime.LockOSThread()
	if err := applyAffinity(t.CPU); err != nil {
		l.Warn("sched_affinity_failed", "worker", worker, "cpu", t.CPU, "error", err)
	}
	if err := applyPriority(t); err != nil {
		l.Warn("sched_priority_failed", "worker", worker, "priority", t.Priority, "policy", t.Policy.String(), "error", err)
	}
}
