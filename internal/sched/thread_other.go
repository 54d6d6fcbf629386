//go:build !linux

package sched

import "errors"

var errPlacementUnsupported = errors.New("thread placement not supported on this platform")

func applyAffinity(cpu int) error {
	if cpu < 0 {
		return nil
	}
	return errPlacementUnsupported
}

func applyPriority(t Thread) error {
	if t.Policy == PolicyNice && niceFor(t.Priority, t.Top) == 0 {
		return nil
	}
	return errPlacementUnsupported
}
