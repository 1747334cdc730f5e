package offline0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// Outcome values carried in the X-Offline0 response header.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeNetwork  = "network"
	OutcomeFallback = "fallback"
	OutcomeNotFound = "not-found"
	OutcomeBypass   = "bypass"
	OutcomeError    = "bad-gateway"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	hits          atomic.Uint64
	misses        atomic.Uint64
	network       atomic.Uint64
	fallbacks     atomic.Uint64
	notFound      atomic.Uint64
	failures      atomic.Uint64
	refreshes     atomic.Uint64
	storeFailures atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Outcome(outcome string) {
	switch outcome {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeMiss:
		s.misses.Add(1)
	case OutcomeNetwork:
		s.network.Add(1)
	case OutcomeFallback:
		s.fallbacks.Add(1)
	case OutcomeNotFound:
		s.notFound.Add(1)
	case OutcomeError:
		s.failures.Add(1)
	}
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`

	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Network       uint64 `json:"network"`
	Fallbacks     uint64 `json:"fallbacks"`
	NotFound      uint64 `json:"notFound"`
	Failures      uint64 `json:"failures"`
	Refreshes     uint64 `json:"refreshes"`
	StoreFailures uint64 `json:"storeFailures"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Network:       s.network.Load(),
		Fallbacks:     s.fallbacks.Load(),
		NotFound:      s.notFound.Load(),
		Failures:      s.failures.Load(),
		Refreshes:     s.refreshes.Load(),
		StoreFailures: s.storeFailures.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
