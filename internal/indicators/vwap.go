package indicators

import (
	"container/ring"
	"sync"
	"time"
)

// vwapSample is a single price-volume observation, mirroring the
// teacher's features.sample shape.
type vwapSample struct {
	price, volume float64
	ts            time.Time
}

// VWAP computes a plain volume-weighted average price, sum(p*v)/sum(v),
// over the samples inside a sliding time window, grounded on the
// teacher's ring-buffer VWAP (container/ring, RWMutex, time-windowed
// Calc). It does no trapezoidal interpolation between ticks, and no
// caller outside this package's tests constructs one.
type VWAP struct {
	mu   sync.RWMutex
	win  time.Duration
	r    *ring.Ring
	size int
	n    int
}

func NewVWAP(window time.Duration, size int) *VWAP {
	if size <= 0 {
		size = 600
	}
	if window <= 0 {
		window = time.Hour
	}
	return &VWAP{win: window, r: ring.New(size), size: size}
}

func (v *VWAP) Add(price, volume float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.r.Value = &vwapSample{price: price, volume: volume, ts: time.Now()}
	v.r = v.r.Next()
	if v.n < v.size {
		v.n++
	}
}

// Value returns the volume-weighted average over the time window, or 0
// with no samples in range.
func (v *VWAP) Value() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cutoff := time.Now().Add(-v.win)
	var pv, vv float64
	v.r.Do(func(x any) {
		s, ok := x.(*vwapSample)
		if !ok || s == nil || !s.ts.After(cutoff) {
			return
		}
		pv += s.price * s.volume
		vv += s.volume
	})
	if vv == 0 {
		return 0
	}
	return pv / vv
}
