//go:build !linux

package offline0

type procMemory struct {
	RSS       uint64
	Anonymous uint64
	File      uint64
	Shmem     uint64
}

func readProcMemory() (procMemory, bool) { return procMemory{}, false }
