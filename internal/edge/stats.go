package edge

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// respStats tracks sizes of responses served from or stored into a cache.
type respStats struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func newRespStats() *respStats {
	s := &respStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *respStats) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.count.Add(1)
	s.total.Add(v)
	for cur := s.min.Load(); v < cur; cur = s.min.Load() {
		if s.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for cur := s.max.Load(); v > cur; cur = s.max.Load() {
		if s.max.CompareAndSwap(cur, v) {
			break
		}
	}
}

type respSnapshot struct {
	Count, Min, Avg, Max uint64
}

func (s *respStats) Snapshot() respSnapshot {
	count := s.count.Load()
	if count == 0 {
		return respSnapshot{}
	}
	minv := s.min.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return respSnapshot{Count: count, Min: minv, Avg: s.total.Load() / count, Max: s.max.Load()}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	default:
		return trimFloat(float64(b)/gb) + "gb"
	}
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}
