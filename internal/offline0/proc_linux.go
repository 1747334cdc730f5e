//go:build linux

package offline0

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// procMemory splits resident memory so heap growth can be told apart from
// file-backed mappings such as LevelDB tables.
type procMemory struct {
	RSS       uint64
	Anonymous uint64
	File      uint64
	Shmem     uint64
}

// readProcMemory prefers /proc/self/smaps_rollup and falls back to
// /proc/self/statm, which only carries RSS.
func readProcMemory() (procMemory, bool) {
	if m, ok := readSmapsRollup(); ok {
		return m, true
	}
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return procMemory{}, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return procMemory{}, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return procMemory{}, false
	}
	return procMemory{RSS: pages * uint64(os.Getpagesize())}, true
}

func readSmapsRollup() (procMemory, bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return procMemory{}, false
	}
	defer f.Close()

	var m procMemory
	dst := map[string]*uint64{
		"Rss":       &m.RSS,
		"Anonymous": &m.Anonymous,
		"Shmem":     &m.Shmem,
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		p, want := dst[strings.TrimSpace(key)]
		if !want {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		// values are in kB
		*p = n * 1024
	}
	if sc.Err() != nil || m.RSS == 0 {
		return procMemory{}, false
	}
	if used := m.Anonymous + m.Shmem; used < m.RSS {
		m.File = m.RSS - used
	}
	return m, true
}
