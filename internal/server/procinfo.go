package server

import (
	"github.com/shirou/gopsutil/v3/process"
)

// commandName returns the name of the foreground program for pid, or "" when
// it cannot be inspected.
func commandName(pid int) string {
	if pid <= 0 {
		return ""
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}

// processAlive reports whether pid still exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
